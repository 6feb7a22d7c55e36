// Package arcgis loads ArcGIS Feature Service layers into PostGIS. Paging
// rides on object ids instead of startIndex: the full sorted id list is
// fetched once and split into contiguous ranges, so pages stay stable even
// while the remote layer is being edited.
package arcgis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/twpayne/go-geom/encoding/geojson"
	"golang.org/x/time/rate"

	"github.com/geomediator/geomediator/internal/loader"
	"github.com/geomediator/geomediator/internal/loader/postgis"
)

const description = "Loads vector layers from ArcGIS Feature Services (REST API)"

func init() {
	loader.RegisterFactory("arcgis_feature", loader.Factory{
		Name:        "arcgis_feature",
		Description: description,
		Validate:    Validate,
		New: func(deps loader.Deps, target loader.Target) loader.Loader {
			return New(deps, target)
		},
	})
}

// Validate accepts URLs addressing a single Feature Service layer and
// confirms the layer answers a metadata probe.
func Validate(ctx context.Context, deps loader.Deps, serviceURL string) bool {
	c, err := newClient(serviceURL, deps.HTTP)
	if err != nil {
		return false
	}
	_, err = c.layerMetadata(ctx)
	return err == nil
}

// Loader materialises one Feature Service layer into one PostGIS table.
type Loader struct {
	deps    loader.Deps
	target  loader.Target
	writer  *postgis.Writer
	limiter *rate.Limiter
}

// New builds an ArcGIS feature loader for the target.
func New(deps loader.Deps, target loader.Target) *Loader {
	var limiter *rate.Limiter
	if rps := deps.Config.Loader.RequestsPerSecond; rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Loader{
		deps:    deps,
		target:  target,
		writer:  postgis.NewWriter(deps.Config.Database),
		limiter: limiter,
	}
}

func (l *Loader) Name() string        { return "arcgis_feature" }
func (l *Loader) Description() string { return description }

// idRange is one page of the load: object ids in [Lo, Hi], inclusive.
type idRange struct {
	Lo, Hi int64
	Count  int
}

// Load pages the layer into the target table. On failure the status row is
// marked Error and the table keeps whatever ranges landed before the
// failure; the Error status flags it as partial.
func (l *Loader) Load(ctx context.Context) error {
	started := time.Now()
	logger := log.With().Str("loader", "arcgis_feature").Str("url", l.target.URL).
		Str("table", l.target.TableName).Logger()

	err := l.load(ctx, logger)
	if l.deps.Metrics != nil {
		l.deps.Metrics.RecordLoad("arcgis_feature", outcome(err), time.Since(started))
	}
	if err != nil {
		logger.Error().Err(err).Msg("ArcGIS load failed")
		l.deps.Status.SetError(ctx, l.target.URL, err.Error())
		return err
	}

	logger.Info().Dur("elapsed", time.Since(started)).Msg("ArcGIS load complete")
	return nil
}

func (l *Loader) load(ctx context.Context, logger zerolog.Logger) error {
	c, err := newClient(l.target.URL, l.deps.HTTP)
	if err != nil {
		return err
	}

	if err := l.wait(ctx); err != nil {
		return err
	}
	meta, err := c.layerMetadata(ctx)
	if err != nil {
		return err
	}
	if !strings.EqualFold(meta.Type, "Feature Layer") {
		return fmt.Errorf("layer %s is a %s, not a feature layer", meta.Name, meta.Type)
	}

	table := l.tableFor(meta)

	if err := l.wait(ctx); err != nil {
		return err
	}
	oidField, ids, err := c.objectIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		// An empty layer still materialises: create the empty table and finish.
		if err := l.writer.Replace(ctx, table, &geojson.FeatureCollection{}); err != nil {
			return err
		}
		return l.deps.Status.SetSaved(ctx, l.target.URL)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pageSize := l.deps.Config.Loader.FeaturesPerWorker
	if meta.MaxRecordCount > 0 && meta.MaxRecordCount < pageSize {
		pageSize = meta.MaxRecordCount
	}
	ranges := partition(ids, pageSize)

	logger.Info().Int("features", len(ids)).Int("chunks", len(ranges)).
		Str("objectIdField", oidField).Msg("Paging ArcGIS layer")

	// First range replaces the table, the rest append concurrently.
	if err := l.loadRange(ctx, c, table, oidField, ranges[0], true); err != nil {
		return err
	}

	chunks := make([]loader.ChunkFunc, 0, len(ranges)-1)
	for _, r := range ranges[1:] {
		r := r
		chunks = append(chunks, func(ctx context.Context) error {
			return l.loadChunk(ctx, c, table, oidField, r)
		})
	}
	if err := loader.RunChunks(ctx, l.deps.Config.Loader.MaxWorkers, chunks); err != nil {
		return err
	}

	return l.deps.Status.SetSaved(ctx, l.target.URL)
}

// tableFor maps the esri field schema onto PostGIS columns. Geometry and
// internal shape fields are excluded; the writer adds the geom column.
func (l *Loader) tableFor(meta *layerMetadata) postgis.Table {
	srid := meta.Extent.SpatialReference.LatestWKID
	if srid == 0 {
		srid = meta.Extent.SpatialReference.WKID
	}
	if srid == 0 {
		srid = 4326
	}

	table := postgis.Table{Name: l.target.TableName, SRID: srid}
	for _, f := range meta.Fields {
		if t, ok := sqlTypeForField(f.Type); ok {
			table.Columns = append(table.Columns, postgis.Column{Name: f.Name, SQLType: t})
		}
	}
	return table
}

func (l *Loader) loadChunk(ctx context.Context, c *client, table postgis.Table, oidField string, r idRange) error {
	err := loader.Retry(ctx, l.deps.Config.Loader.Retries, func(attempt int, err error) {
		if l.deps.Metrics != nil {
			l.deps.Metrics.RecordChunkRetry("arcgis_feature")
		}
		log.Warn().Err(err).Int("attempt", attempt).Int64("lo", r.Lo).
			Str("url", l.target.URL).Msg("ArcGIS chunk failed, retrying")
	}, func() error {
		return l.loadRange(ctx, c, table, oidField, r, false)
	})
	if err != nil {
		return fmt.Errorf("failed loading object ids [%d,%d]: %w", r.Lo, r.Hi, err)
	}
	return nil
}

func (l *Loader) loadRange(ctx context.Context, c *client, table postgis.Table, oidField string, r idRange, replace bool) error {
	started := time.Now()
	err := l.fetchAndWrite(ctx, c, table, oidField, r, replace)
	if l.deps.Metrics != nil {
		l.deps.Metrics.RecordChunk("arcgis_feature", outcome(err), time.Since(started))
	}
	return err
}

func (l *Loader) fetchAndWrite(ctx context.Context, c *client, table postgis.Table, oidField string, r idRange, replace bool) error {
	if err := l.wait(ctx); err != nil {
		return err
	}

	fc, err := c.queryRange(ctx, oidField, r.Lo, r.Hi)
	if err != nil {
		return err
	}
	if len(fc.Features) != r.Count {
		return fmt.Errorf("expected %d features for object ids [%d,%d], got %d",
			r.Count, r.Lo, r.Hi, len(fc.Features))
	}

	if replace {
		return l.writer.Replace(ctx, table, fc)
	}
	return l.writer.Append(ctx, table, fc)
}

func (l *Loader) wait(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// partition splits a sorted id list into ranges of at most pageSize ids.
// Ranges are inclusive on both ends so they translate directly into the
// query's where clause.
func partition(sorted []int64, pageSize int) []idRange {
	if pageSize < 1 {
		pageSize = 1
	}
	var ranges []idRange
	for start := 0; start < len(sorted); start += pageSize {
		end := start + pageSize
		if end > len(sorted) {
			end = len(sorted)
		}
		ranges = append(ranges, idRange{
			Lo:    sorted[start],
			Hi:    sorted[end-1],
			Count: end - start,
		})
	}
	return ranges
}

// sqlTypeForField maps esri field types to PostGIS column types. Geometry
// and blob-like fields report false and are dropped from the table.
func sqlTypeForField(esriType string) (string, bool) {
	switch esriType {
	case "esriFieldTypeOID", "esriFieldTypeInteger", "esriFieldTypeSmallInteger":
		return "bigint", true
	case "esriFieldTypeDouble", "esriFieldTypeSingle":
		return "double precision", true
	case "esriFieldTypeString", "esriFieldTypeGUID", "esriFieldTypeGlobalID", "esriFieldTypeXML":
		return "text", true
	case "esriFieldTypeDate":
		return "timestamptz", true
	default:
		return "", false
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
