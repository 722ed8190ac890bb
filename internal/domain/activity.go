package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the staff role asserted by the authentication layer.
type Role string

const (
	RoleUser    Role = "user"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated staff member on whose behalf a call runs.
// It is always passed explicitly; the ledger keeps no notion of a current user.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return Validationf("actor id is required")
	}
	return nil
}

// ActivityAction labels an activity log entry.
type ActivityAction string

const (
	ActionDeposit           ActivityAction = "DEPOSIT"
	ActionWithdrawal        ActivityAction = "WITHDRAWAL"
	ActionDebit             ActivityAction = "DEBIT"
	ActionTransfer          ActivityAction = "TRANSFER"
	ActionClientCreated     ActivityAction = "CLIENT_CREATED"
	ActionClientUpdated     ActivityAction = "CLIENT_UPDATED"
	ActionClientDeactivated ActivityAction = "CLIENT_DEACTIVATED"
	ActionAccountOpened     ActivityAction = "ACCOUNT_OPENED"
	ActionAccountClosed     ActivityAction = "ACCOUNT_CLOSED"
)

// ActivityLogEntry maps to the append-only `activity_logs` table.
type ActivityLogEntry struct {
	ID            uuid.UUID      `json:"id"`
	ActorID       string         `json:"actor_id"`
	Action        ActivityAction `json:"action"`
	Details       string         `json:"details"`
	OriginAddress *string        `json:"origin_address,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ActivityFilter narrows ListActivity. Date selects one UTC calendar day.
type ActivityFilter struct {
	Date    *time.Time
	ActorID string
	Limit   int
}
