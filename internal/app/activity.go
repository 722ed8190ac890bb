package app

import (
	"context"
	"strings"

	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/internal/store"
)

// ActivityLogger appends to and reads the audit trail. It has no update or delete.
type ActivityLogger struct {
	repo store.ActivityRepository
}

func NewActivityLogger(repo store.ActivityRepository) *ActivityLogger {
	return &ActivityLogger{repo: repo}
}

// Record appends one entry. An empty origin is stored as NULL.
func (l *ActivityLogger) Record(ctx context.Context, actor domain.Actor, action domain.ActivityAction, details, origin string) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	entry := &domain.ActivityLogEntry{
		ActorID: strings.TrimSpace(actor.ID),
		Action:  action,
		Details: details,
	}
	if origin = strings.TrimSpace(origin); origin != "" {
		entry.OriginAddress = &origin
	}
	return l.repo.InsertActivity(ctx, entry)
}

// List returns entries most recent first, optionally for one day and/or one actor.
func (l *ActivityLogger) List(ctx context.Context, filter domain.ActivityFilter) ([]domain.ActivityLogEntry, error) {
	filter.ActorID = strings.TrimSpace(filter.ActorID)
	return l.repo.ListActivity(ctx, filter)
}

// Last returns the most recent entry, or ErrNotFound on an empty log.
func (l *ActivityLogger) Last(ctx context.Context) (*domain.ActivityLogEntry, error) {
	entries, err := l.repo.ListActivity(ctx, domain.ActivityFilter{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, domain.NotFoundf("no activity recorded")
	}
	return &entries[0], nil
}
