/**
 * @description
 * MemoryRepository is an in-process implementation of Repository. It backs the
 * test suites, local runs with STORAGE_DRIVER=memory, and offline CLI commands.
 *
 * @notes
 * - One mutex serialises every atomic unit. Writes made through the LedgerTx are
 *   staged and only copied into the repository when fn returns nil, so a failed
 *   unit leaves no trace.
 * - fn must only use the LedgerTx it is given; calling repository methods from
 *   inside WithinTx would deadlock.
 */
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/pkg/iban"
)

const (
	outboxPending    = "pending"
	outboxProcessing = "processing"
	outboxPublished  = "published"
)

type memoryOutboxMessage struct {
	OutboxMessage
	status              string
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	lastError           string
}

// MemoryOption configures a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithClock overrides the time source used for server-assigned timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRepository) {
		r.now = now
	}
}

type MemoryRepository struct {
	mu           sync.RWMutex
	now          func() time.Time
	clients      map[uuid.UUID]domain.Client
	accounts     map[uuid.UUID]domain.Account
	identifiers  map[string]uuid.UUID
	transactions []domain.Transaction
	activity     []domain.ActivityLogEntry
	outbox       []*memoryOutboxMessage
	nextSequence int64
	nextOutboxID int64
}

func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{
		now:         time.Now,
		clients:     make(map[uuid.UUID]domain.Client),
		accounts:    make(map[uuid.UUID]domain.Account),
		identifiers: make(map[string]uuid.UUID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (r *MemoryRepository) timestamp() time.Time {
	return r.now().UTC()
}

// --- clients ---

func (r *MemoryRepository) CreateClient(ctx context.Context, client *domain.Client) (uuid.UUID, error) {
	client.Normalize()
	if err := client.Validate(); err != nil {
		return uuid.Nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if client.Email != nil && r.emailTaken(*client.Email, uuid.Nil) {
		return uuid.Nil, domain.Conflictf("email %s is already registered", *client.Email)
	}

	now := r.timestamp()
	client.ID = uuid.New()
	client.CreatedAt = now
	client.UpdatedAt = now
	r.clients[client.ID] = copyClient(*client)
	return client.ID, nil
}

func (r *MemoryRepository) UpdateClient(ctx context.Context, client *domain.Client) error {
	client.Normalize()
	if err := client.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.clients[client.ID]
	if !ok {
		return domain.NotFoundf("client %s", client.ID)
	}
	if client.Email != nil && r.emailTaken(*client.Email, client.ID) {
		return domain.Conflictf("email %s is already registered", *client.Email)
	}

	client.CreatedAt = existing.CreatedAt
	client.UpdatedAt = r.timestamp()
	r.clients[client.ID] = copyClient(*client)
	return nil
}

func (r *MemoryRepository) SetClientStatus(ctx context.Context, clientID uuid.UUID, status domain.ClientStatus) error {
	if !status.Valid() {
		return domain.Validationf("unknown client status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[clientID]
	if !ok {
		return domain.NotFoundf("client %s", clientID)
	}
	client.Status = status
	client.UpdatedAt = r.timestamp()
	r.clients[clientID] = client
	return nil
}

func (r *MemoryRepository) GetClient(ctx context.Context, clientID uuid.UUID) (*domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[clientID]
	if !ok {
		return nil, domain.NotFoundf("client %s", clientID)
	}
	out := copyClient(client)
	return &out, nil
}

func (r *MemoryRepository) ListClients(ctx context.Context, filter domain.ClientFilter) ([]domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	out := make([]domain.Client, 0)
	for _, c := range r.clients {
		if filter.Category != "" && c.Category != filter.Category {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if search != "" && !clientMatches(c, search) {
			continue
		}
		out = append(out, copyClient(c))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		if out[i].FirstName != out[j].FirstName {
			return out[i].FirstName < out[j].FirstName
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (r *MemoryRepository) emailTaken(email string, except uuid.UUID) bool {
	for id, c := range r.clients {
		if id != except && c.Email != nil && *c.Email == email {
			return true
		}
	}
	return false
}

func clientMatches(c domain.Client, search string) bool {
	fields := []string{c.FirstName, c.LastName, c.FullName(), c.Phone}
	if c.Email != nil {
		fields = append(fields, *c.Email)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), search) {
			return true
		}
	}
	return false
}

func copyClient(c domain.Client) domain.Client {
	if c.Email != nil {
		email := *c.Email
		c.Email = &email
	}
	return c
}

// --- accounts ---

func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account) (uuid.UUID, error) {
	account.Identifier = iban.Normalize(account.Identifier)
	if err := account.Validate(); err != nil {
		return uuid.Nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[account.ClientID]; !ok {
		return uuid.Nil, domain.NotFoundf("client %s", account.ClientID)
	}
	if _, taken := r.identifiers[account.Identifier]; taken {
		return uuid.Nil, domain.Conflictf("account identifier %s is already in use", account.Identifier)
	}

	now := r.timestamp()
	account.ID = uuid.New()
	account.OpeningBalance = account.Balance
	account.Status = domain.AccountActive
	account.CreatedAt = now
	account.UpdatedAt = now
	account.ClientName = ""
	r.accounts[account.ID] = *account
	r.identifiers[account.Identifier] = account.ID
	return account.ID, nil
}

func (r *MemoryRepository) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[accountID]
	if !ok {
		return nil, domain.NotFoundf("account %s", accountID)
	}
	return &account, nil
}

func (r *MemoryRepository) GetAccountByIdentifier(ctx context.Context, identifier string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	normalized := iban.Normalize(identifier)
	id, ok := r.identifiers[normalized]
	if !ok {
		return nil, domain.NotFoundf("account %s", normalized)
	}
	account := r.accounts[id]
	return &account, nil
}

func (r *MemoryRepository) ListAccounts(ctx context.Context, filter domain.AccountFilter) ([]domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clientName := strings.ToLower(strings.TrimSpace(filter.ClientName))
	identifier := iban.Normalize(filter.Identifier)
	out := make([]domain.Account, 0)
	for _, a := range r.accounts {
		if filter.ClientID != nil && a.ClientID != *filter.ClientID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if identifier != "" && !strings.Contains(a.Identifier, identifier) {
			continue
		}
		if filter.MinBalance != nil && a.Balance.LessThan(*filter.MinBalance) {
			continue
		}
		if filter.MaxBalance != nil && a.Balance.GreaterThan(*filter.MaxBalance) {
			continue
		}
		owner := r.clients[a.ClientID]
		if clientName != "" && !strings.Contains(strings.ToLower(owner.FullName()), clientName) {
			continue
		}
		a.ClientName = owner.FullName()
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Identifier < out[j].Identifier
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (r *MemoryRepository) CloseAccount(ctx context.Context, accountID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[accountID]
	if !ok {
		return domain.NotFoundf("account %s", accountID)
	}
	if account.Status == domain.AccountClosed {
		return domain.Conflictf("account %s is already closed", account.Identifier)
	}
	if !account.Balance.IsZero() {
		return domain.Conflictf("account %s still holds %s %s", account.Identifier, account.Balance.StringFixed(domain.MoneyScale), account.Currency)
	}
	account.Status = domain.AccountClosed
	account.UpdatedAt = r.timestamp()
	r.accounts[accountID] = account
	return nil
}

// --- atomic unit ---

type memoryTx struct {
	repo         *MemoryRepository
	staged       map[uuid.UUID]domain.Account
	transactions []domain.Transaction
	events       []OutboxMessage
	nextSequence int64
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return domain.StorageError("begin ledger unit", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{
		repo:         r,
		staged:       make(map[uuid.UUID]domain.Account),
		nextSequence: r.nextSequence,
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, account := range tx.staged {
		r.accounts[id] = account
	}
	r.transactions = append(r.transactions, tx.transactions...)
	r.nextSequence = tx.nextSequence
	now := r.timestamp()
	for _, event := range tx.events {
		r.nextOutboxID++
		event.ID = r.nextOutboxID
		r.outbox = append(r.outbox, &memoryOutboxMessage{
			OutboxMessage: event,
			status:        outboxPending,
			nextAttemptAt: now,
		})
	}
	return nil
}

func (tx *memoryTx) account(id uuid.UUID) (domain.Account, bool) {
	if a, ok := tx.staged[id]; ok {
		return a, true
	}
	a, ok := tx.repo.accounts[id]
	return a, ok
}

func (tx *memoryTx) LockAccounts(ctx context.Context, accountIDs ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	ids := sortedUniqueIDs(accountIDs)
	out := make(map[uuid.UUID]*domain.Account, len(ids))
	for _, id := range ids {
		account, ok := tx.account(id)
		if !ok {
			return nil, domain.NotFoundf("account %s", id)
		}
		out[id] = &account
	}
	return out, nil
}

func (tx *memoryTx) ApplyBalanceDelta(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error) {
	account, ok := tx.account(accountID)
	if !ok {
		return decimal.Zero, domain.NotFoundf("account %s", accountID)
	}
	if account.Status != domain.AccountActive {
		return decimal.Zero, domain.Conflictf("account %s is %s", account.Identifier, account.Status)
	}

	next := account.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: account %s holds %s, change of %s refused",
			domain.ErrInsufficientFunds, account.Identifier, account.Balance.StringFixed(domain.MoneyScale), delta.StringFixed(domain.MoneyScale))
	}

	account.Balance = next
	account.UpdatedAt = tx.repo.timestamp()
	tx.staged[accountID] = account
	return next, nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, record *domain.Transaction) (uuid.UUID, error) {
	if err := record.Validate(); err != nil {
		return uuid.Nil, err
	}
	if _, ok := tx.account(record.AccountID); !ok {
		return uuid.Nil, domain.NotFoundf("account %s", record.AccountID)
	}
	if _, ok := tx.repo.clients[record.ClientID]; !ok {
		return uuid.Nil, domain.NotFoundf("client %s", record.ClientID)
	}

	tx.nextSequence++
	record.ID = uuid.New()
	record.Sequence = tx.nextSequence
	record.CreatedAt = tx.repo.timestamp()
	tx.transactions = append(tx.transactions, *record)
	return record.ID, nil
}

func (tx *memoryTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	tx.events = append(tx.events, OutboxMessage{
		Exchange:   strings.TrimSpace(exchange),
		RoutingKey: strings.TrimSpace(routingKey),
		Payload:    blob,
	})
	return nil
}

// --- transactions ---

func (r *MemoryRepository) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.transactions {
		if t.ID == transactionID {
			out := r.decorate(t)
			return &out, nil
		}
	}
	return nil, domain.NotFoundf("transaction %s", transactionID)
}

func (r *MemoryRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	out := make([]domain.Transaction, 0)
	for i := len(r.transactions) - 1; i >= 0; i-- {
		t := r.decorate(r.transactions[i])
		if filter.AccountID != nil && t.AccountID != *filter.AccountID {
			continue
		}
		if filter.ClientID != nil && t.ClientID != *filter.ClientID {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if filter.From != nil && t.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !t.CreatedAt.Before(*filter.To) {
			continue
		}
		if search != "" && !transactionMatches(t, search) {
			continue
		}
		out = append(out, t)
	}
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (r *MemoryRepository) decorate(t domain.Transaction) domain.Transaction {
	if a, ok := r.accounts[t.AccountID]; ok {
		t.AccountIdentifier = a.Identifier
	}
	if c, ok := r.clients[t.ClientID]; ok {
		t.ClientName = c.FullName()
	}
	return t
}

func transactionMatches(t domain.Transaction, search string) bool {
	for _, f := range []string{t.Description, t.AccountIdentifier, t.ClientName} {
		if strings.Contains(strings.ToLower(f), search) {
			return true
		}
	}
	return false
}

// --- activity ---

func (r *MemoryRepository) InsertActivity(ctx context.Context, entry *domain.ActivityLogEntry) error {
	if strings.TrimSpace(entry.ActorID) == "" || entry.Action == "" {
		return domain.Validationf("activity entry requires an actor and an action")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry.ID = uuid.New()
	entry.CreatedAt = r.timestamp()
	stored := *entry
	if entry.OriginAddress != nil {
		origin := *entry.OriginAddress
		stored.OriginAddress = &origin
	}
	r.activity = append(r.activity, stored)
	return nil
}

func (r *MemoryRepository) ListActivity(ctx context.Context, filter domain.ActivityFilter) ([]domain.ActivityLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var dayStart, dayEnd time.Time
	if filter.Date != nil {
		dayStart = domain.StartOfDay(*filter.Date)
		dayEnd = dayStart.Add(24 * time.Hour)
	}

	out := make([]domain.ActivityLogEntry, 0)
	for i := len(r.activity) - 1; i >= 0; i-- {
		entry := r.activity[i]
		if filter.ActorID != "" && entry.ActorID != filter.ActorID {
			continue
		}
		if filter.Date != nil && (entry.CreatedAt.Before(dayStart) || !entry.CreatedAt.Before(dayEnd)) {
			continue
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, 0, filter.Limit), nil
}

// --- reports ---

func (r *MemoryRepository) CountActiveClients(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, c := range r.clients {
		if c.Status == domain.ClientActive {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) CountTransactionsBetween(ctx context.Context, from, to time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, t := range r.transactions {
		if !t.CreatedAt.Before(from) && t.CreatedAt.Before(to) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) SumByType(ctx context.Context, txType domain.TransactionType) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := decimal.Zero
	for _, t := range r.transactions {
		if t.Type == txType {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}

func (r *MemoryRepository) DailyTotals(ctx context.Context, from, to time.Time) ([]domain.DailyTotal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	buckets := make(map[time.Time]*domain.DailyTotal)
	for _, t := range r.transactions {
		if t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
			continue
		}
		day := domain.StartOfDay(t.CreatedAt)
		bucket, ok := buckets[day]
		if !ok {
			bucket = &domain.DailyTotal{Day: day, Deposits: decimal.Zero, Withdrawals: decimal.Zero}
			buckets[day] = bucket
		}
		if t.Type.Credits() {
			bucket.Deposits = bucket.Deposits.Add(t.Amount)
		} else {
			bucket.Withdrawals = bucket.Withdrawals.Add(t.Amount)
		}
	}

	out := make([]domain.DailyTotal, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (r *MemoryRepository) ClientsByCategory(ctx context.Context) ([]domain.CategoryCount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[domain.ClientCategory]int)
	for _, c := range r.clients {
		counts[c.Category]++
	}
	out := make([]domain.CategoryCount, 0, len(counts))
	for category, count := range counts {
		out = append(out, domain.CategoryCount{Category: category, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (r *MemoryRepository) LedgerDrift(ctx context.Context) ([]domain.LedgerDrift, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	expected := make(map[uuid.UUID]decimal.Decimal, len(r.accounts))
	for id, a := range r.accounts {
		expected[id] = a.OpeningBalance
	}
	for _, t := range r.transactions {
		if t.Type.Credits() {
			expected[t.AccountID] = expected[t.AccountID].Add(t.Amount)
		} else {
			expected[t.AccountID] = expected[t.AccountID].Sub(t.Amount)
		}
	}

	out := make([]domain.LedgerDrift, 0)
	for id, a := range r.accounts {
		if !a.Balance.Equal(expected[id]) {
			out = append(out, domain.LedgerDrift{
				AccountID:  id,
				Identifier: a.Identifier,
				Balance:    a.Balance,
				Expected:   expected[id],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// --- outbox ---

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timestamp()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	out := make([]OutboxMessage, 0, limit)
	for _, m := range r.outbox {
		if len(out) == limit {
			break
		}
		claimable := (m.status == outboxPending && !m.nextAttemptAt.After(now)) ||
			(m.status == outboxProcessing && m.processingStartedAt.Before(staleBefore))
		if !claimable {
			continue
		}
		m.status = outboxProcessing
		m.processingStartedAt = now
		m.Attempts++
		msg := m.OutboxMessage
		msg.Payload = append([]byte(nil), m.Payload...)
		out = append(out, msg)
	}
	return out, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.outboxMessage(id)
	if err != nil {
		return err
	}
	m.status = outboxPublished
	m.lastError = ""
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.outboxMessage(id)
	if err != nil {
		return err
	}
	m.status = outboxPending
	m.nextAttemptAt = r.timestamp().Add(time.Duration(retryAfterSeconds) * time.Second)
	m.lastError = truncateReason(reason)
	return nil
}

func (r *MemoryRepository) outboxMessage(id int64) (*memoryOutboxMessage, error) {
	for _, m := range r.outbox {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, domain.NotFoundf("outbox message %d", id)
}

// --- helpers ---

func sortedUniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	limit = normalizeLimit(limit)
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
