package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/geomediator/geomediator/internal/config"
)

// StatusClient updates md_data_status from inside loader workers. Every
// operation opens and closes its own connection: workers never share the
// rewriter's or daemon's pool, so a crashing worker cannot poison it.
type StatusClient struct {
	connString string
}

// NewStatusClient creates a status client from database settings.
func NewStatusClient(db config.DatabaseConfig) *StatusClient {
	return &StatusClient{connString: db.ConnectionString()}
}

func (c *StatusClient) withConn(ctx context.Context, fn func(conn *pgx.Conn) error) error {
	conn, err := pgx.Connect(ctx, c.connString)
	if err != nil {
		return fmt.Errorf("worker failed to connect: %w", err)
	}
	defer func() {
		if err := conn.Close(ctx); err != nil {
			log.Debug().Err(err).Msg("Worker connection close failed")
		}
	}()
	return fn(conn)
}

// SetSaved marks the URL's load as complete.
func (c *StatusClient) SetSaved(ctx context.Context, url string) error {
	return c.withConn(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `
			UPDATE md_data_status
			SET status = 'Saved', notes = NULL, status_updated_time = now()
			WHERE url = $1 AND status = 'Loading'
		`, url)
		if err != nil {
			return fmt.Errorf("failed to mark %s as Saved: %w", url, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("no Loading record for %s: status row was removed or already finalised", url)
		}
		return nil
	})
}

// SetError records a load failure with its message. Requires the row to
// still be in Loading; a removed or finalised row is logged and ignored.
func (c *StatusClient) SetError(ctx context.Context, url, notes string) {
	err := c.withConn(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `
			UPDATE md_data_status
			SET status = 'Error', notes = $2, status_updated_time = now()
			WHERE url = $1 AND status = 'Loading'
		`, url, notes)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			log.Warn().Str("url", url).Msg("No Loading record to mark as Error")
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("Failed to record load error")
	}
}

// DropTable drops the target table, best effort. Used for cleanup after a
// failed load left a partial table behind.
func (c *StatusClient) DropTable(ctx context.Context, tableName string) {
	err := c.withConn(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS public.%s", quoteIdentifier(tableName)))
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("table", tableName).Msg("Failed to drop table during cleanup")
	}
}

// IsLoading reports whether the URL still has a Loading row. The daemon uses
// it to drop duplicate notifications for loads already finished.
func (c *StatusClient) IsLoading(ctx context.Context, url string) (bool, error) {
	var loading bool
	err := c.withConn(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM md_data_status WHERE url = $1 AND status = 'Loading')
		`, url).Scan(&loading)
	})
	if err != nil {
		return false, fmt.Errorf("failed to check loading state for %s: %w", url, err)
	}
	return loading, nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
