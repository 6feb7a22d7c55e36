// Package postgis writes decoded feature pages into PostGIS tables. Every
// writer call opens its own connection: chunk workers never borrow a pool
// from the process that spawned them.
package postgis

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkbhex"

	"github.com/geomediator/geomediator/internal/config"
)

// Column is one attribute column of a feature table.
type Column struct {
	Name    string
	SQLType string
}

// Table describes the target feature table: attribute columns plus a
// "geom" geometry column in the given spatial reference.
type Table struct {
	Name    string
	SRID    int
	Columns []Column
}

// Writer bulk-loads feature pages into one PostGIS database.
type Writer struct {
	connString string
}

// NewWriter creates a writer from database settings.
func NewWriter(db config.DatabaseConfig) *Writer {
	return &Writer{connString: db.ConnectionString()}
}

func (w *Writer) withConn(ctx context.Context, fn func(conn *pgx.Conn) error) error {
	conn, err := pgx.Connect(ctx, w.connString)
	if err != nil {
		return fmt.Errorf("writer failed to connect: %w", err)
	}
	defer func() {
		if err := conn.Close(ctx); err != nil {
			log.Debug().Err(err).Msg("Writer connection close failed")
		}
	}()
	return fn(conn)
}

// Replace drops and recreates the table, then inserts the page. Used for the
// initial chunk of a load so stale data from a previous materialisation
// never leaks into the new one.
func (w *Writer) Replace(ctx context.Context, table Table, fc *geojson.FeatureCollection) error {
	return w.withConn(ctx, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS public.%s", quoteIdentifier(table.Name))); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table.Name, err)
		}
		if _, err := conn.Exec(ctx, createTableSQL(table)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.Name, err)
		}
		return insertFeatures(ctx, conn, table, fc)
	})
}

// Append inserts the page into the existing table.
func (w *Writer) Append(ctx context.Context, table Table, fc *geojson.FeatureCollection) error {
	return w.withConn(ctx, func(conn *pgx.Conn) error {
		return insertFeatures(ctx, conn, table, fc)
	})
}

func createTableSQL(table Table) string {
	cols := make([]string, 0, len(table.Columns)+1)
	for _, c := range table.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdentifier(c.Name), c.SQLType))
	}
	cols = append(cols, fmt.Sprintf("geom geometry(Geometry, %d)", table.SRID))
	return fmt.Sprintf("CREATE TABLE public.%s (%s)", quoteIdentifier(table.Name), strings.Join(cols, ", "))
}

func insertFeatures(ctx context.Context, conn *pgx.Conn, table Table, fc *geojson.FeatureCollection) error {
	if len(fc.Features) == 0 {
		return nil
	}

	sql := insertSQL(table)
	batch := &pgx.Batch{}

	for _, feature := range fc.Features {
		args, err := featureArgs(table, feature)
		if err != nil {
			return err
		}
		batch.Queue(sql, args...)
	}

	results := conn.SendBatch(ctx, batch)
	defer results.Close()
	for range fc.Features {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table.Name, err)
		}
	}
	return nil
}

func insertSQL(table Table) string {
	names := make([]string, 0, len(table.Columns)+1)
	params := make([]string, 0, len(table.Columns)+1)
	for i, c := range table.Columns {
		names = append(names, quoteIdentifier(c.Name))
		params = append(params, fmt.Sprintf("$%d", i+1))
	}
	names = append(names, "geom")
	params = append(params, fmt.Sprintf(
		"ST_SetSRID(ST_GeomFromWKB(decode($%d, 'hex')), %d)", len(table.Columns)+1, table.SRID))

	return fmt.Sprintf("INSERT INTO public.%s (%s) VALUES (%s)",
		quoteIdentifier(table.Name), strings.Join(names, ", "), strings.Join(params, ", "))
}

func featureArgs(table Table, feature *geojson.Feature) ([]interface{}, error) {
	args := make([]interface{}, 0, len(table.Columns)+1)
	for _, c := range table.Columns {
		args = append(args, coerceValue(c, feature.Properties[c.Name]))
	}

	if feature.Geometry == nil {
		return nil, fmt.Errorf("feature without geometry for table %s", table.Name)
	}
	hexWKB, err := wkbhex.Encode(feature.Geometry, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("failed to encode geometry: %w", err)
	}
	args = append(args, hexWKB)
	return args, nil
}

// coerceValue aligns decoded JSON values with the declared column type.
// JSON numbers arrive as float64; integer-typed columns (common in ArcGIS
// schemas) must be narrowed back or the insert fails.
func coerceValue(c Column, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch strings.ToLower(c.SQLType) {
	case "bigint", "integer", "smallint":
		if f, ok := v.(float64); ok {
			return int64(f)
		}
	case "text":
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return v
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
