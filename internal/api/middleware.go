/**
 * @description
 * Authentication, authorization and rate limiting middleware for the ledger API.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Bearer token validation (HS256 secret or RS256 via JWKS).
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ecocapital/ledger-service/internal/app"
	"github.com/ecocapital/ledger-service/internal/domain"
)

type contextKey string

const actorContextKey = contextKey("actor")

const (
	jwksCacheTTL         = 10 * time.Minute
	jwksMinRefetchPeriod = 30 * time.Second
	maxForwardedLength   = 64
)

// AuthConfig selects how bearer tokens are verified. A signing secret enables
// HS256 tokens and a JWKS URL enables RS256 tokens; both may be set.
type AuthConfig struct {
	SigningSecret string
	JWKSURL       string
	Issuer        string
	Audience      string
}

// AuthMiddleware validates the bearer token and stores the acting staff member
// in the request context. The `sub` claim is the actor id and the `role` claim
// its role; a token without a role acts as a plain user.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	keys := &jwksCache{url: cfg.JWKSURL}

	var parserOptions []jwt.ParserOption
	if cfg.Issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOptions = append(parserOptions, jwt.WithAudience(cfg.Audience))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				switch token.Method.(type) {
				case *jwt.SigningMethodHMAC:
					if cfg.SigningSecret == "" {
						return nil, fmt.Errorf("HMAC tokens are not accepted")
					}
					return []byte(cfg.SigningSecret), nil
				case *jwt.SigningMethodRSA:
					if cfg.JWKSURL == "" {
						return nil, fmt.Errorf("RSA tokens are not accepted")
					}
					kid, ok := token.Header["kid"].(string)
					if !ok {
						return nil, fmt.Errorf("kid not found in token header")
					}
					return keys.key(kid)
				default:
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
			}, parserOptions...)
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}
			if !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			actorID, ok := claims["sub"].(string)
			if !ok || strings.TrimSpace(actorID) == "" {
				http.Error(w, "Actor not found in token", http.StatusUnauthorized)
				return
			}
			role := domain.RoleUser
			if raw, ok := claims["role"].(string); ok && raw != "" {
				role = domain.Role(strings.ToLower(raw))
			}
			if !role.Valid() {
				http.Error(w, "Unknown role", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), actorContextKey, domain.Actor{ID: actorID, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext retrieves the authenticated actor from the request context.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(domain.Actor)
	return actor, ok
}

// RequireRole rejects actors whose role is not in roles.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			log.Printf("level=warn component=api msg=\"role denied\" actor=%s role=%s path=%s", actor.ID, actor.Role, r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}

// PostingRateLimiter decides whether an actor may submit another posting in the
// current window.
type PostingRateLimiter interface {
	AllowPosting(ctx context.Context, actor domain.Actor, limit int, window time.Duration) (app.PostingDecision, error)
}

// PostingThrottle limits how many postings one actor may submit per minute.
// The limit can be changed while the server runs.
type PostingThrottle struct {
	limiter   PostingRateLimiter
	perMinute atomic.Int64
}

func NewPostingThrottle(limiter PostingRateLimiter, perMinute int) *PostingThrottle {
	t := &PostingThrottle{limiter: limiter}
	t.SetPerMinute(perMinute)
	return t
}

// SetPerMinute replaces the limit. Zero disables limiting.
func (t *PostingThrottle) SetPerMinute(perMinute int) {
	if perMinute < 0 {
		perMinute = 0
	}
	t.perMinute.Store(int64(perMinute))
}

func (t *PostingThrottle) PerMinute() int {
	return int(t.perMinute.Load())
}

// Middleware answers 429 once the actor exceeds the limit. Limiter failures let
// the request through.
func (t *PostingThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := t.PerMinute()
		actor, ok := ActorFromContext(r.Context())
		if t.limiter == nil || limit <= 0 || !ok {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := t.limiter.AllowPosting(r.Context(), actor, limit, time.Minute)
		if err != nil {
			log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" actor=%s err=%v", actor.ID, err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(decision.RetryAfterSeconds()))
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
			log.Printf("level=warn component=api msg=\"posting rate limit exceeded\" actor=%s role=%s limit=%d", actor.ID, actor.Role, limit)
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many postings. Please try again later."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientOrigin returns the caller address recorded in the activity log. The
// forwarding headers are caller-supplied, so a forwarded address is always
// recorded together with the peer it arrived from: "<forwarded> via <peer>".
func clientOrigin(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}

	forwarded := ""
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		forwarded = strings.TrimSpace(first)
	}
	if forwarded == "" {
		forwarded = strings.TrimSpace(r.Header.Get("X-Real-IP"))
	}
	if forwarded == "" || forwarded == peer {
		return peer
	}
	if len(forwarded) > maxForwardedLength {
		forwarded = forwarded[:maxForwardedLength]
	}
	return forwarded + " via " + peer
}

// jwksCache keeps the RSA keys of the JWKS endpoint and refetches them when a
// key id is unknown or the cache is older than jwksCacheTTL. Refetches, failed
// ones included, happen at most once per jwksMinRefetchPeriod.
type jwksCache struct {
	url         string
	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	attemptedAt time.Time
	now         func() time.Time
}

func (c *jwksCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.now != nil {
		now = c.now()
	}
	key, ok := c.keys[kid]
	if ok && now.Sub(c.fetchedAt) < jwksCacheTTL {
		return key, nil
	}
	if !c.attemptedAt.IsZero() && now.Sub(c.attemptedAt) < jwksMinRefetchPeriod {
		if ok {
			return key, nil
		}
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}

	c.attemptedAt = now
	keys, err := fetchJWKS(c.url)
	if err != nil {
		if ok {
			log.Printf("level=warn component=api msg=\"jwks refresh failed; using cached key\" kid=%s err=%v", kid, err)
			return key, nil
		}
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	c.keys = keys
	c.fetchedAt = now

	key, ok = keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func fetchJWKS(jwksURL string) (map[string]*rsa.PublicKey, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(jwksURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			log.Printf("level=warn component=api msg=\"skipping malformed jwks key\" kid=%s err=%v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}
