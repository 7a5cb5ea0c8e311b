// Package store defines persistence for recent changes.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup by natural key finds no row.
var ErrNotFound = errors.New("not found")

// Page is a wiki page, deduplicated by Title.
type Page struct {
	ID        int64  `db:"id"`
	Title     string `db:"title"`
	TitleURL  string `db:"title_url"`
	ServerURL string `db:"server_url"`
}

// User is a wiki editor, deduplicated by Username.
type User struct {
	ID       int64  `db:"id"`
	Username string `db:"username"`
}

// Event is a single consumed change. Events are always inserted, never updated,
// and EventID is not unique.
type Event struct {
	ID        int64  `db:"id"`
	EventID   int64  `db:"event_id"`
	EventType string `db:"event_type"`
	Comment   string `db:"comment"`
	Timestamp int64  `db:"timestamp"`
	PageID    int64  `db:"page_id"`
	UserID    int64  `db:"user_id"`
}

// RawCapture is an unparsed message payload.
type RawCapture struct {
	ID   int64  `db:"id"`
	Data string `db:"wiki_event_data"`
}

// Stats holds row counts per table.
type Stats struct {
	Pages       int64 `db:"pages" json:"pages"`
	Users       int64 `db:"users" json:"users"`
	Events      int64 `db:"events" json:"events"`
	RawCaptures int64 `db:"raw_captures" json:"rawCaptures"`
}

// Store defines the persistence interface.
type Store interface {
	// UpsertPage returns the page with the given title, inserting it first
	// when absent. An existing page is returned unchanged.
	UpsertPage(ctx context.Context, page Page) (Page, error)

	// UpsertUser returns the user with the given username, inserting it first
	// when absent.
	UpsertUser(ctx context.Context, username string) (User, error)

	// InsertEvent inserts a new event and sets its ID.
	InsertEvent(ctx context.Context, event *Event) error

	// InsertRawCapture stores data unmodified.
	InsertRawCapture(ctx context.Context, data string) (RawCapture, error)

	// Stats counts the rows in every table.
	Stats(ctx context.Context) (Stats, error)

	// RunInTransaction calls fn with a Store bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	Ping(ctx context.Context) error
	Close() error
}
