// Package status persists per-URL materialisation state in the
// md_data_status table and publishes load requests over the database
// notification channel.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/geomediator/geomediator/internal/database"
)

// Status is the materialisation state of a URL.
type Status string

const (
	StatusLoading Status = "Loading"
	StatusSaved   Status = "Saved"
	StatusError   Status = "Error"
)

// Record is one row of md_data_status.
type Record struct {
	URL               string
	TableName         string
	Status            Status
	Notes             *string
	FetchRequestedBy  *string
	StatusUpdatedTime *time.Time
	LastUsedTime      *time.Time
}

// LoadRequest is the notification payload consumed by the daemon.
// Delivery is at-least-once; consumers must tolerate duplicates.
type LoadRequest struct {
	URL       string `json:"url"`
	Username  string `json:"username"`
	TableName string `json:"table_name"`
}

// Store reads and writes md_data_status through the owning process's pool.
type Store struct {
	db      *database.Connection
	channel string
}

// NewStore creates a status store publishing load requests on channel.
func NewStore(db *database.Connection, channel string) *Store {
	return &Store{db: db, channel: channel}
}

// Get returns the record for url, or nil when none exists.
func (s *Store) Get(ctx context.Context, url string) (*Record, error) {
	var r Record
	err := s.db.QueryRow(ctx, `
		SELECT url, table_name, status, notes, fetch_requested_user, status_updated_time, last_used_time
		FROM md_data_status
		WHERE url = $1
	`, url).Scan(&r.URL, &r.TableName, &r.Status, &r.Notes, &r.FetchRequestedBy, &r.StatusUpdatedTime, &r.LastUsedTime)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read data status for %s: %w", url, err)
	}
	return &r, nil
}

// CreateLoading inserts a new Loading row for url. The insert is idempotent:
// when another writer already created the row, it reports false and the
// caller proceeds without re-enqueuing.
func (s *Store) CreateLoading(ctx context.Context, url, username, tableName string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO md_data_status (url, table_name, status, fetch_requested_user, status_updated_time)
		VALUES ($1, $2, 'Loading', $3, now())
		ON CONFLICT (url) DO NOTHING
	`, url, tableName, username)
	if err != nil {
		return false, fmt.Errorf("failed to create data status for %s: %w", url, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetToLoading moves an Error row back to Loading for a re-requested fetch.
// Reports false when the row is not in Error (another writer won the race).
func (s *Store) ResetToLoading(ctx context.Context, url, username string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE md_data_status
		SET status = 'Loading', notes = NULL, fetch_requested_user = $2, status_updated_time = now()
		WHERE url = $1 AND status = 'Error'
	`, url, username)
	if err != nil {
		return false, fmt.Errorf("failed to reset data status for %s: %w", url, err)
	}
	return tag.RowsAffected() == 1, nil
}

// NotSaved returns, in input order, the URLs of urls that do not have a
// Saved record.
func (s *Store) NotSaved(ctx context.Context, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT url FROM md_data_status
		WHERE url = ANY($1) AND status = 'Saved'
	`, urls)
	if err != nil {
		return nil, fmt.Errorf("failed to query saved URLs: %w", err)
	}
	defer rows.Close()

	saved := make(map[string]bool, len(urls))
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("failed to scan saved URL: %w", err)
		}
		saved[url] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read saved URLs: %w", err)
	}

	var missing []string
	for _, url := range urls {
		if !saved[url] {
			missing = append(missing, url)
		}
	}
	return missing, nil
}

// TouchLastUsed bumps last_used_time for every given URL.
func (s *Store) TouchLastUsed(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE md_data_status SET last_used_time = now() WHERE url = ANY($1)
	`, urls)
	if err != nil {
		return fmt.Errorf("failed to bump last_used_time: %w", err)
	}
	return nil
}

// Remove deletes the status row for url.
func (s *Store) Remove(ctx context.Context, url string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM md_data_status WHERE url = $1`, url)
	if err != nil {
		return fmt.Errorf("failed to remove data status for %s: %w", url, err)
	}
	return nil
}

// DropDataTable drops the materialised table backing a URL.
func (s *Store) DropDataTable(ctx context.Context, tableName string) error {
	sql := fmt.Sprintf("DROP TABLE IF EXISTS public.%s", database.QuoteIdentifier(tableName))
	if _, err := s.db.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", tableName, err)
	}
	return nil
}

// PublishLoadRequest emits a load request on the notification channel.
func (s *Store) PublishLoadRequest(ctx context.Context, req LoadRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal load request: %w", err)
	}

	if _, err := s.db.Exec(ctx, "SELECT pg_notify($1, $2)", s.channel, string(payload)); err != nil {
		return fmt.Errorf("failed to publish load request for %s: %w", req.URL, err)
	}

	log.Debug().Str("url", req.URL).Str("channel", s.channel).Msg("Published load request")
	return nil
}
