package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/ecocapital/ledger-service/internal/app"
	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/internal/store"
	"github.com/ecocapital/ledger-service/pkg/iban"
)

const testSigningSecret = "test-signing-secret"

type apiFixture struct {
	repo   *store.MemoryRepository
	router http.Handler
}

func newAPIFixture(t *testing.T, throttle *PostingThrottle) *apiFixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	generator, err := iban.NewGenerator()
	if err != nil {
		t.Fatalf("failed to build generator: %v", err)
	}
	banks, err := iban.NewRegistry()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	activity := app.NewActivityLogger(repo)
	handlers := NewLedgerHandlers(
		app.NewClientService(repo, activity),
		app.NewAccountService(repo, activity, generator, banks, app.AccountSettings{}),
		app.NewLedgerService(repo, activity),
		app.NewReportService(repo),
		activity,
	)
	router := LedgerRoutes(handlers, AuthConfig{SigningSecret: testSigningSecret}, throttle, []string{"*"})
	return &apiFixture{repo: repo, router: router}
}

func signToken(t *testing.T, subject string, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject, "exp": time.Now().Add(time.Hour).Unix()}
	if role != "" {
		claims["role"] = role
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.1")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestHealthIsOpen(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestAuthentication(t *testing.T) {
	f := newAPIFixture(t, nil)

	expectStatus(t, f.do(t, http.MethodGet, "/clients", "", nil), http.StatusUnauthorized)
	expectStatus(t, f.do(t, http.MethodGet, "/clients", "not-a-token", nil), http.StatusUnauthorized)
	expectStatus(t, f.do(t, http.MethodGet, "/clients", signToken(t, "teller-01", "auditor"), nil), http.StatusUnauthorized)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "teller-01"}).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	expectStatus(t, f.do(t, http.MethodGet, "/clients", forged, nil), http.StatusUnauthorized)

	expectStatus(t, f.do(t, http.MethodGet, "/clients", signToken(t, "teller-01", ""), nil), http.StatusOK)
}

func TestRoleEnforcement(t *testing.T) {
	f := newAPIFixture(t, nil)
	teller := signToken(t, "teller-01", "user")
	manager := signToken(t, "manager-01", "manager")
	client := domain.CreateClientRequest{FirstName: "Amina", LastName: "Ngoma", Category: domain.ClientIndividual}

	expectStatus(t, f.do(t, http.MethodPost, "/clients", teller, client), http.StatusForbidden)
	expectStatus(t, f.do(t, http.MethodPost, "/clients", manager, client), http.StatusCreated)

	expectStatus(t, f.do(t, http.MethodGet, "/activity", manager, nil), http.StatusForbidden)
	expectStatus(t, f.do(t, http.MethodGet, "/activity", signToken(t, "admin-01", "admin"), nil), http.StatusOK)
}

func TestPostingFlow(t *testing.T) {
	f := newAPIFixture(t, nil)
	manager := signToken(t, "manager-01", "manager")
	teller := signToken(t, "teller-01", "user")

	rec := f.do(t, http.MethodPost, "/clients", manager, domain.CreateClientRequest{FirstName: "Amina", LastName: "Ngoma", Category: domain.ClientIndividual})
	expectStatus(t, rec, http.StatusCreated)
	client := decodeBody[domain.Client](t, rec)

	rec = f.do(t, http.MethodPost, "/accounts", manager, map[string]interface{}{
		"client_id":       client.ID,
		"bank_name":       "EcoCapital",
		"initial_balance": "100.00",
	})
	expectStatus(t, rec, http.StatusCreated)
	source := decodeBody[domain.Account](t, rec)

	rec = f.do(t, http.MethodPost, "/accounts", manager, map[string]interface{}{"client_id": client.ID, "bank_name": "EcoCapital"})
	expectStatus(t, rec, http.StatusCreated)
	destination := decodeBody[domain.Account](t, rec)

	rec = f.do(t, http.MethodPost, "/transactions/withdraw", teller, map[string]interface{}{"account_id": source.ID, "amount": "150.00"})
	expectStatus(t, rec, http.StatusPaymentRequired)

	rec = f.do(t, http.MethodPost, "/transactions/deposit", teller, map[string]interface{}{"account_id": source.ID, "amount": "25.50", "description": "cash"})
	expectStatus(t, rec, http.StatusCreated)
	posting := decodeBody[postingResponse](t, rec)
	if !posting.NewBalance.Equal(decimal.RequireFromString("125.50")) {
		t.Fatalf("expected balance 125.50, got %s", posting.NewBalance)
	}

	rec = f.do(t, http.MethodPost, "/transactions/transfer", teller, map[string]interface{}{
		"source_account_id":      source.ID,
		"destination_account_id": source.ID,
		"amount":                 "1",
	})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = f.do(t, http.MethodPost, "/transactions/transfer", teller, map[string]interface{}{
		"source_account_id":      source.ID,
		"destination_account_id": destination.ID,
		"amount":                 "25.50",
	})
	expectStatus(t, rec, http.StatusCreated)
	transfer := decodeBody[transferResponse](t, rec)
	if !transfer.SourceBalance.Equal(decimal.RequireFromString("100")) || !transfer.DestinationBalance.Equal(decimal.RequireFromString("25.50")) {
		t.Fatalf("unexpected transfer balances %s / %s", transfer.SourceBalance, transfer.DestinationBalance)
	}

	rec = f.do(t, http.MethodGet, "/transactions?account_id="+source.ID.String(), teller, nil)
	expectStatus(t, rec, http.StatusOK)
	if history := decodeBody[[]domain.Transaction](t, rec); len(history) != 2 {
		t.Fatalf("expected 2 postings on the source account, got %d", len(history))
	}

	rec = f.do(t, http.MethodGet, "/transactions/"+posting.Transaction.ID.String()+"/receipt", teller, nil)
	expectStatus(t, rec, http.StatusOK)

	rec = f.do(t, http.MethodGet, "/accounts/by-identifier/"+strings.ReplaceAll(iban.Format(source.Identifier), " ", "%20"), teller, nil)
	expectStatus(t, rec, http.StatusOK)

	rec = f.do(t, http.MethodGet, "/activity?actor=teller-01", signToken(t, "admin-01", "admin"), nil)
	expectStatus(t, rec, http.StatusOK)
	entries := decodeBody[[]domain.ActivityLogEntry](t, rec)
	if len(entries) != 2 {
		t.Fatalf("expected deposit and transfer entries, got %d", len(entries))
	}
	for _, entry := range entries {
		// httptest requests arrive from 192.0.2.1.
		if entry.OriginAddress == nil || *entry.OriginAddress != "10.0.0.7 via 192.0.2.1" {
			t.Fatalf("expected forwarded origin address with its peer, got %v", entry.OriginAddress)
		}
	}
}

func TestRequestValidation(t *testing.T) {
	f := newAPIFixture(t, nil)
	teller := signToken(t, "teller-01", "user")

	expectStatus(t, f.do(t, http.MethodGet, "/accounts/not-a-uuid", teller, nil), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodGet, "/clients?limit=-1", teller, nil), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodGet, "/transactions?from=10/03/2024", teller, nil), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodGet, "/accounts/00000000-0000-0000-0000-000000000001", teller, nil), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodPost, "/transactions/deposit", teller, "not an object"), http.StatusBadRequest)
}

func TestOversizedBodiesAreRejected(t *testing.T) {
	f := newAPIFixture(t, nil)
	teller := signToken(t, "teller-01", "user")
	manager := signToken(t, "manager-07", "manager")
	padding := strings.Repeat("x", maxRequestBodyBytes+1)

	expectStatus(t, f.do(t, http.MethodPost, "/transactions/deposit", teller, map[string]string{"description": padding}), http.StatusRequestEntityTooLarge)
	expectStatus(t, f.do(t, http.MethodPost, "/transactions/transfer", teller, map[string]string{"description": padding}), http.StatusRequestEntityTooLarge)
	expectStatus(t, f.do(t, http.MethodPost, "/clients", manager, map[string]string{"last_name": padding}), http.StatusRequestEntityTooLarge)

	// A body just under the cap is decoded and then validated as usual.
	expectStatus(t, f.do(t, http.MethodPost, "/transactions/deposit", teller, map[string]string{"description": padding[:1024]}), http.StatusBadRequest)
}

type stubLimiter struct {
	decision app.PostingDecision
	err      error
	actors   []domain.Actor
}

func (s *stubLimiter) AllowPosting(ctx context.Context, actor domain.Actor, limit int, window time.Duration) (app.PostingDecision, error) {
	s.actors = append(s.actors, actor)
	return s.decision, s.err
}

func TestPostingThrottle(t *testing.T) {
	limiter := &stubLimiter{decision: app.PostingDecision{Allowed: false, Limit: 60, ResetAfter: 41500 * time.Millisecond}}
	throttle := NewPostingThrottle(limiter, 60)
	f := newAPIFixture(t, throttle)
	teller := signToken(t, "teller-01", "user")

	rec := f.do(t, http.MethodPost, "/transactions/deposit", teller, map[string]interface{}{})
	expectStatus(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") != "42" {
		t.Fatalf("expected Retry-After 42, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" || rec.Header().Get("X-RateLimit-Limit") != "60" {
		t.Fatalf("unexpected rate limit headers %v", rec.Header())
	}
	if len(limiter.actors) != 1 || limiter.actors[0] != (domain.Actor{ID: "teller-01", Role: domain.RoleUser}) {
		t.Fatalf("expected the limiter to receive the actor, got %v", limiter.actors)
	}

	limiter.decision = app.PostingDecision{Allowed: true, Limit: 60, Remaining: 12, ResetAfter: time.Second}
	rec = f.do(t, http.MethodPost, "/transactions/deposit", teller, map[string]interface{}{})
	expectStatus(t, rec, http.StatusBadRequest)
	if rec.Header().Get("X-RateLimit-Remaining") != "12" {
		t.Fatalf("expected 12 remaining, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	// Reads are not throttled.
	expectStatus(t, f.do(t, http.MethodGet, "/banks", teller, nil), http.StatusOK)
	if len(limiter.actors) != 2 {
		t.Fatalf("expected reads to bypass the limiter, got %d calls", len(limiter.actors))
	}

	throttle.SetPerMinute(0)
	expectStatus(t, f.do(t, http.MethodPost, "/transactions/deposit", teller, map[string]interface{}{}), http.StatusBadRequest)

	throttle.SetPerMinute(60)
	limiter.err = errors.New("redis down")
	expectStatus(t, f.do(t, http.MethodPost, "/transactions/deposit", teller, map[string]interface{}{}), http.StatusBadRequest)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: domain.Validationf("amount must be positive"), want: http.StatusBadRequest},
		{name: "not found", err: domain.NotFoundf("account"), want: http.StatusNotFound},
		{name: "conflict", err: domain.Conflictf("closed"), want: http.StatusConflict},
		{name: "insufficient funds", err: domain.ErrInsufficientFunds, want: http.StatusPaymentRequired},
		{name: "storage", err: domain.StorageError("commit", errors.New("broken pipe")), want: http.StatusServiceUnavailable},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusForError(tt.err); got != tt.want {
				t.Fatalf("statusForError() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestClientOrigin(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		want       string
	}{
		{name: "forwarded chain", forwarded: "203.0.113.9, 10.0.0.1", remoteAddr: "10.0.0.1:5000", want: "203.0.113.9 via 10.0.0.1"},
		{name: "real ip", realIP: "203.0.113.10", remoteAddr: "10.0.0.1:5000", want: "203.0.113.10 via 10.0.0.1"},
		{name: "forged header keeps the peer", forwarded: "127.0.0.1", remoteAddr: "198.51.100.23:6001", want: "127.0.0.1 via 198.51.100.23"},
		{name: "forwarded equals peer", forwarded: "192.0.2.4", remoteAddr: "192.0.2.4:41000", want: "192.0.2.4"},
		{name: "oversized header is cut", forwarded: strings.Repeat("9", 100), remoteAddr: "192.0.2.4:41000", want: strings.Repeat("9", 64) + " via 192.0.2.4"},
		{name: "remote addr", remoteAddr: "192.0.2.4:41000", want: "192.0.2.4"},
		{name: "remote addr without port", remoteAddr: "192.0.2.5", want: "192.0.2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := clientOrigin(req); got != tt.want {
				t.Fatalf("clientOrigin() = %q, want %q", got, tt.want)
			}
		})
	}
}
