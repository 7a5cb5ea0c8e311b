package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/lsm/wikiflow/internal/store"
)

// Inserts use ON CONFLICT DO NOTHING so a concurrent insert of the same natural
// key never fails the transaction; the existing row is then read back.
const (
	insertPageSQL = `INSERT INTO wiki_page (title, title_url, server_url) VALUES ($1, $2, $3)
ON CONFLICT (title) DO NOTHING
RETURNING id, title, title_url, server_url`

	selectPageByTitleSQL = `SELECT id, title, title_url, server_url FROM wiki_page WHERE title = $1`

	insertUserSQL = `INSERT INTO wiki_user (username) VALUES ($1)
ON CONFLICT (username) DO NOTHING
RETURNING id, username`

	selectUserByUsernameSQL = `SELECT id, username FROM wiki_user WHERE username = $1`

	insertEventSQL = `INSERT INTO wiki_event (event_id, event_type, comment, "timestamp", page_id, user_id)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`

	insertRawCaptureSQL = `INSERT INTO wikimedia_recent_change (wiki_event_data) VALUES ($1) RETURNING id`

	statsSQL = `SELECT
	(SELECT count(*) FROM wiki_page) AS pages,
	(SELECT count(*) FROM wiki_user) AS users,
	(SELECT count(*) FROM wiki_event) AS events,
	(SELECT count(*) FROM wikimedia_recent_change) AS raw_captures`
)

func queryUpsertPage(ctx context.Context, q sqlx.QueryerContext, page store.Page) (store.Page, error) {
	var p store.Page
	err := sqlx.GetContext(ctx, q, &p, insertPageSQL, page.Title, page.TitleURL, page.ServerURL)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Page{}, fmt.Errorf("insert page: %w", err)
	}
	return queryGetPageByTitle(ctx, q, page.Title)
}

func queryGetPageByTitle(ctx context.Context, q sqlx.QueryerContext, title string) (store.Page, error) {
	var p store.Page
	if err := sqlx.GetContext(ctx, q, &p, selectPageByTitleSQL, title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Page{}, fmt.Errorf("page %q: %w", title, store.ErrNotFound)
		}
		return store.Page{}, fmt.Errorf("select page: %w", err)
	}
	return p, nil
}

func queryUpsertUser(ctx context.Context, q sqlx.QueryerContext, username string) (store.User, error) {
	var u store.User
	err := sqlx.GetContext(ctx, q, &u, insertUserSQL, username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fmt.Errorf("insert user: %w", err)
	}
	return queryGetUserByUsername(ctx, q, username)
}

func queryGetUserByUsername(ctx context.Context, q sqlx.QueryerContext, username string) (store.User, error) {
	var u store.User
	if err := sqlx.GetContext(ctx, q, &u, selectUserByUsernameSQL, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, fmt.Errorf("user %q: %w", username, store.ErrNotFound)
		}
		return store.User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func queryInsertEvent(ctx context.Context, q sqlx.QueryerContext, event *store.Event) error {
	err := sqlx.GetContext(ctx, q, &event.ID, insertEventSQL,
		event.EventID, event.EventType, event.Comment, event.Timestamp, event.PageID, event.UserID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func queryInsertRawCapture(ctx context.Context, q sqlx.QueryerContext, data string) (store.RawCapture, error) {
	rc := store.RawCapture{Data: data}
	if err := sqlx.GetContext(ctx, q, &rc.ID, insertRawCaptureSQL, data); err != nil {
		return store.RawCapture{}, fmt.Errorf("insert raw capture: %w", err)
	}
	return rc, nil
}

func queryStats(ctx context.Context, q sqlx.QueryerContext) (store.Stats, error) {
	var st store.Stats
	if err := sqlx.GetContext(ctx, q, &st, statsSQL); err != nil {
		return store.Stats{}, fmt.Errorf("select stats: %w", err)
	}
	return st, nil
}
