/**
 * @description
 * HTTP handlers for the ledger API. Handlers decode the request, take the actor
 * and origin address from the request context, call the application services
 * and map domain error kinds to status codes.
 *
 * @dependencies
 * - internal/app: Client, account, posting, reporting and activity services.
 * - internal/domain: Request and response types and the error kinds.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ecocapital/ledger-service/internal/app"
	"github.com/ecocapital/ledger-service/internal/domain"
)

// LedgerHandlers holds the services the handlers use.
type LedgerHandlers struct {
	clients  *app.ClientService
	accounts *app.AccountService
	ledger   *app.LedgerService
	reports  *app.ReportService
	activity *app.ActivityLogger
	now      func() time.Time
}

func NewLedgerHandlers(clients *app.ClientService, accounts *app.AccountService, ledger *app.LedgerService, reports *app.ReportService, activity *app.ActivityLogger) *LedgerHandlers {
	return &LedgerHandlers{
		clients:  clients,
		accounts: accounts,
		ledger:   ledger,
		reports:  reports,
		activity: activity,
		now:      time.Now,
	}
}

type postingResponse struct {
	Transaction  domain.Transaction `json:"transaction"`
	NewBalance   decimal.Decimal    `json:"new_balance"`
	AuditWarning string             `json:"audit_warning,omitempty"`
}

type transferResponse struct {
	Withdrawal         domain.Transaction `json:"withdrawal"`
	Deposit            domain.Transaction `json:"deposit"`
	SourceBalance      decimal.Decimal    `json:"source_balance"`
	DestinationBalance decimal.Decimal    `json:"destination_balance"`
	AuditWarning       string             `json:"audit_warning,omitempty"`
}

// statusForError maps a domain error kind to an HTTP status.
func statusForError(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case domain.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *LedgerHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		message = "The ledger is temporarily unavailable."
		if status == http.StatusInternalServerError {
			message = "Internal server error"
		}
	} else {
		log.Printf("level=warn component=api endpoint=%s outcome=reject status=%d err=%v", endpoint, status, err)
	}
	writeError(w, status, message)
}

// actor fetches the authenticated actor or writes a 401.
func (h *LedgerHandlers) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get actor from context")
		return domain.Actor{}, false
	}
	return actor, true
}

// --- clients ---

func (h *LedgerHandlers) CreateClientHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.CreateClientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Origin = clientOrigin(r)

	client, err := h.clients.Create(r.Context(), actor, req)
	if err != nil {
		h.writeServiceError(w, "create_client", err)
		return
	}
	writeJSON(w, http.StatusCreated, client)
}

func (h *LedgerHandlers) ListClientsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	clients, err := h.clients.List(r.Context(), domain.ClientFilter{
		Search:   strings.TrimSpace(query.Get("q")),
		Category: domain.ClientCategory(strings.TrimSpace(query.Get("category"))),
		Status:   domain.ClientStatus(strings.TrimSpace(query.Get("status"))),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.writeServiceError(w, "list_clients", err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (h *LedgerHandlers) GetClientHandler(w http.ResponseWriter, r *http.Request) {
	clientID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	client, err := h.clients.Get(r.Context(), clientID)
	if err != nil {
		h.writeServiceError(w, "get_client", err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (h *LedgerHandlers) UpdateClientHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	clientID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req domain.UpdateClientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Origin = clientOrigin(r)

	client, err := h.clients.Update(r.Context(), actor, clientID, req)
	if err != nil {
		h.writeServiceError(w, "update_client", err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (h *LedgerHandlers) DeactivateClientHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	clientID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	client, err := h.clients.Deactivate(r.Context(), actor, clientID, clientOrigin(r))
	if err != nil {
		h.writeServiceError(w, "deactivate_client", err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

// --- accounts ---

func (h *LedgerHandlers) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.OpenAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Origin = clientOrigin(r)

	account, err := h.accounts.Open(r.Context(), actor, req)
	if err != nil {
		h.writeServiceError(w, "open_account", err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (h *LedgerHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	filter := domain.AccountFilter{
		ClientName: strings.TrimSpace(query.Get("client")),
		Identifier: strings.TrimSpace(query.Get("identifier")),
		Status:     domain.AccountStatus(strings.TrimSpace(query.Get("status"))),
		Limit:      limit,
		Offset:     offset,
	}
	if raw := strings.TrimSpace(query.Get("client_id")); raw != "" {
		clientID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid client_id")
			return
		}
		filter.ClientID = &clientID
	}
	for param, target := range map[string]**decimal.Decimal{"min_balance": &filter.MinBalance, "max_balance": &filter.MaxBalance} {
		raw := strings.TrimSpace(query.Get(param))
		if raw == "" {
			continue
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+param)
			return
		}
		*target = &value
	}

	accounts, err := h.accounts.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "list_accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	account, err := h.accounts.Get(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, "get_account", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *LedgerHandlers) GetAccountByIdentifierHandler(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.GetByIdentifier(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil {
		h.writeServiceError(w, "get_account_by_identifier", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *LedgerHandlers) CloseAccountHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	accountID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	account, err := h.accounts.Close(r.Context(), actor, accountID, clientOrigin(r))
	if err != nil {
		h.writeServiceError(w, "close_account", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *LedgerHandlers) StatementHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	statement, err := h.accounts.Statement(r.Context(), accountID, limit)
	if err != nil {
		h.writeServiceError(w, "statement", err)
		return
	}
	writeJSON(w, http.StatusOK, statement)
}

func (h *LedgerHandlers) ListBanksHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.accounts.Banks())
}

// --- postings ---

func (h *LedgerHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	h.handlePosting(w, r, "deposit", h.ledger.Deposit)
}

func (h *LedgerHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	h.handlePosting(w, r, "withdraw", h.ledger.Withdraw)
}

func (h *LedgerHandlers) DebitHandler(w http.ResponseWriter, r *http.Request) {
	h.handlePosting(w, r, "debit", h.ledger.PostDebit)
}

type postFunc func(ctx context.Context, actor domain.Actor, req domain.PostingRequest) (*domain.PostingResult, error)

func (h *LedgerHandlers) handlePosting(w http.ResponseWriter, r *http.Request, endpoint string, post postFunc) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.PostingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Origin = clientOrigin(r)

	result, err := post(r.Context(), actor, req)
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusCreated, postingResponse{
		Transaction:  result.Transaction,
		NewBalance:   result.NewBalance,
		AuditWarning: auditWarning(result.AuditError),
	})
}

func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Origin = clientOrigin(r)

	result, err := h.ledger.Transfer(r.Context(), actor, req)
	if err != nil {
		h.writeServiceError(w, "transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, transferResponse{
		Withdrawal:         result.Withdrawal,
		Deposit:            result.Deposit,
		SourceBalance:      result.SourceBalance,
		DestinationBalance: result.DestinationBalance,
		AuditWarning:       auditWarning(result.AuditError),
	})
}

func (h *LedgerHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	filter := domain.TransactionFilter{
		Type:   domain.TransactionType(strings.TrimSpace(query.Get("type"))),
		Search: strings.TrimSpace(query.Get("q")),
		Limit:  limit,
		Offset: offset,
	}
	for param, target := range map[string]**uuid.UUID{"account_id": &filter.AccountID, "client_id": &filter.ClientID} {
		raw := strings.TrimSpace(query.Get(param))
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+param)
			return
		}
		*target = &id
	}
	from, err := parseOptionalDate(query.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date, expected YYYY-MM-DD")
		return
	}
	to, err := parseOptionalDate(query.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to date, expected YYYY-MM-DD")
		return
	}
	filter.From = from
	if to != nil {
		// The to date is inclusive.
		end := to.AddDate(0, 0, 1)
		filter.To = &end
	}

	transactions, err := h.ledger.History(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, transactions)
}

func (h *LedgerHandlers) ReceiptHandler(w http.ResponseWriter, r *http.Request) {
	transactionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	receipt, err := h.accounts.Receipt(r.Context(), transactionID)
	if err != nil {
		h.writeServiceError(w, "receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// --- activity and reports ---

func (h *LedgerHandlers) ListActivityHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseOptionalPositiveInt(query.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	date, err := parseOptionalDate(query.Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD")
		return
	}

	entries, err := h.activity.List(r.Context(), domain.ActivityFilter{
		Date:    date,
		ActorID: strings.TrimSpace(query.Get("actor")),
		Limit:   limit,
	})
	if err != nil {
		h.writeServiceError(w, "list_activity", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *LedgerHandlers) DashboardHandler(w http.ResponseWriter, r *http.Request) {
	dashboard, err := h.reports.Dashboard(r.Context(), h.now())
	if err != nil {
		h.writeServiceError(w, "dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

// --- helpers ---

// maxRequestBodyBytes caps every JSON request body.
const maxRequestBodyBytes = 64 << 10

// decodeJSON reads a size-capped JSON body into dst. On failure it writes 413 or
// 400 and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func auditWarning(err error) string {
	if err == nil {
		return ""
	}
	return "The posting succeeded but the activity log entry could not be written."
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func pagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return 0, 0, false
	}
	offset, err := parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return 0, 0, false
	}
	return limit, offset, true
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// parseOptionalDate parses a YYYY-MM-DD day as midnight UTC.
func parseOptionalDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, time.UTC)
	if err != nil {
		return nil, err
	}
	return &day, nil
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
