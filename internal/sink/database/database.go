// Package database persists consumed recent changes.
//
// Normalizer maps each change onto page, user and event rows in one
// transaction. RawCapture stores each payload as-is. Neither sink logs
// failures; they return them so the pipeline applies its failure policy.
package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lsm/wikiflow/internal/recentchange"
	"github.com/lsm/wikiflow/internal/sink"
	"github.com/lsm/wikiflow/internal/store"
)

var (
	_ sink.Sink = (*Normalizer)(nil)
	_ sink.Sink = (*RawCapture)(nil)
)

// Normalizer stores each recent change as a page, a user and an event.
type Normalizer struct {
	store  store.Store
	logger *slog.Logger
}

// NewNormalizer creates a Normalizer over st. The caller keeps ownership of st.
func NewNormalizer(st store.Store, logger *slog.Logger) (*Normalizer, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{store: st, logger: logger}, nil
}

// Deliver parses event and, in a single transaction, gets or creates the page
// by title and the user by username, then inserts a new event referencing
// both. Nothing is written when any step fails.
func (n *Normalizer) Deliver(ctx context.Context, event []byte, _ map[string]string) error {
	change, err := recentchange.Parse(event)
	if err != nil {
		return fmt.Errorf("%w: %w", sink.ErrInvalidPayload, err)
	}

	var stored store.Event
	err = n.store.RunInTransaction(ctx, func(tx store.Store) error {
		page, err := tx.UpsertPage(ctx, store.Page{
			Title:     change.Title,
			TitleURL:  change.TitleURL,
			ServerURL: change.ServerURL,
		})
		if err != nil {
			return err
		}

		user, err := tx.UpsertUser(ctx, change.User)
		if err != nil {
			return err
		}

		stored = store.Event{
			EventID:   change.ID,
			EventType: change.Type,
			Comment:   change.Comment,
			Timestamp: change.Timestamp,
			PageID:    page.ID,
			UserID:    user.ID,
		}
		return tx.InsertEvent(ctx, &stored)
	})
	if err != nil {
		return fmt.Errorf("store recent change %d: %w", change.ID, err)
	}

	n.logger.Debug("recent change stored",
		"event_id", stored.EventID,
		"id", stored.ID,
		"page_id", stored.PageID,
		"user_id", stored.UserID,
	)
	return nil
}

// Close is a no-op; the store is closed by its owner.
func (n *Normalizer) Close() error { return nil }

// RawCapture stores every payload unmodified as one row.
type RawCapture struct {
	store  store.Store
	logger *slog.Logger
}

// NewRawCapture creates a RawCapture over st. The caller keeps ownership of st.
func NewRawCapture(st store.Store, logger *slog.Logger) (*RawCapture, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RawCapture{store: st, logger: logger}, nil
}

// Deliver inserts event as a new raw capture row. The payload is not parsed.
func (r *RawCapture) Deliver(ctx context.Context, event []byte, _ map[string]string) error {
	rc, err := r.store.InsertRawCapture(ctx, string(event))
	if err != nil {
		return err
	}
	r.logger.Debug("raw capture stored", "id", rc.ID, "bytes", len(event))
	return nil
}

// Close is a no-op; the store is closed by its owner.
func (r *RawCapture) Close() error { return nil }
