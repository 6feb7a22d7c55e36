// Package wfs loads OGC Web Feature Service layers into PostGIS. The service
// is probed with WFS 1.1.0, the vendor is detected from the capabilities
// document, and features are paged in concurrently with sortBy for a stable
// order across pages.
package wfs

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/twpayne/go-geom/encoding/geojson"
	"golang.org/x/time/rate"

	"github.com/geomediator/geomediator/internal/loader"
	"github.com/geomediator/geomediator/internal/loader/postgis"
)

const description = "Loads vector layers from OGC Web Feature Services (GeoServer, MapServer, ArcGIS)"

func init() {
	loader.RegisterFactory("wfs", loader.Factory{
		Name:        "wfs",
		Description: description,
		Validate:    Validate,
		New: func(deps loader.Deps, target loader.Target) loader.Loader {
			return New(deps, target)
		},
	})
}

// Validate accepts URLs that address a WFS endpoint with a typeName.
func Validate(ctx context.Context, deps loader.Deps, serviceURL string) bool {
	if !strings.Contains(strings.ToLower(serviceURL), "/wfs?") {
		return false
	}
	_, _, err := newClient(serviceURL, deps.HTTP)
	return err == nil
}

// Loader materialises one WFS layer into one PostGIS table.
type Loader struct {
	deps    loader.Deps
	target  loader.Target
	writer  *postgis.Writer
	limiter *rate.Limiter

	// ogr2ogr appends are serialised; concurrent imports into one table
	// deadlock on the schema lock it takes.
	gmlMu sync.Mutex
}

// New builds a WFS loader for the target.
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

func (l *Loader) Name() string        { return "wfs" }
func (l *Loader) Description() string { return description }

// plan is everything the probe phase decided about how to page the layer.
type plan struct {
	client   *client
	vendor   vendor
	typeName string
	version  string
	format   string
	jsonPath bool
	sortBy   string
	srid     int
	table    postgis.Table
	total    int
}

// Load probes the service and pages the layer into the target table.
// On failure the status row is marked Error and the table is left as far as
// the load got; the Error status flags it as partial, and md_fetch_data can
// reset the row for a retry.
func (l *Loader) Load(ctx context.Context) error {
	started := time.Now()
	logger := log.With().Str("loader", "wfs").Str("url", l.target.URL).Str("table", l.target.TableName).Logger()

	err := l.load(ctx, logger)
	if l.deps.Metrics != nil {
		l.deps.Metrics.RecordLoad("wfs", outcome(err), time.Since(started))
	}
	if err != nil {
		logger.Error().Err(err).Msg("WFS load failed")
		l.deps.Status.SetError(ctx, l.target.URL, err.Error())
		return err
	}

	logger.Info().Dur("elapsed", time.Since(started)).Msg("WFS load complete")
	return nil
}

func (l *Loader) load(ctx context.Context, logger zerolog.Logger) error {
	p, err := l.probe(ctx, logger)
	if err != nil {
		return err
	}

	cfg := l.deps.Config.Loader

	// An empty layer still materialises as an empty table.
	if p.total == 0 {
		if err := l.writer.Replace(ctx, p.table, &geojson.FeatureCollection{}); err != nil {
			return err
		}
		return l.deps.Status.SetSaved(ctx, l.target.URL)
	}

	// Initial page replaces the table so a previous materialisation never
	// bleeds into this one; the rest appends in fixed-size chunks.
	initPage, spans := splitFeatures(p.total, cfg.InitFeatures, cfg.FeaturesPerWorker)
	if err := l.loadPage(ctx, p, initPage.start, initPage.count, true); err != nil {
		return err
	}

	chunks := make([]loader.ChunkFunc, 0, len(spans))
	for _, s := range spans {
		s := s
		chunks = append(chunks, func(ctx context.Context) error {
			return l.loadChunk(ctx, p, s.start, s.count)
		})
	}

	logger.Info().Int("features", p.total).Int("chunks", len(chunks)+1).
		Str("vendor", p.vendor.String()).Str("format", p.format).Msg("Paging WFS layer")

	if err := loader.RunChunks(ctx, cfg.MaxWorkers, chunks); err != nil {
		return err
	}

	return l.deps.Status.SetSaved(ctx, l.target.URL)
}

// probe runs the capability checks and decides version, output format, sort
// key and target schema.
func (l *Loader) probe(ctx context.Context, logger zerolog.Logger) (*plan, error) {
	c, typeName, err := newClient(l.target.URL, l.deps.HTTP)
	if err != nil {
		return nil, err
	}

	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	caps, err := c.getCapabilities(ctx)
	if err != nil {
		return nil, err
	}

	advertised, ok := caps.hasTypeName(typeName)
	if !ok {
		return nil, fmt.Errorf("service does not advertise feature type %s", typeName)
	}

	version, format, jsonPath := chooseFormat(caps.Vendor, caps.OutputFormats)

	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	props, err := c.describeFeatureType(ctx, version, advertised)
	if err != nil {
		return nil, err
	}

	sortBy, ok := chooseSortBy(props)
	if !ok {
		return nil, fmt.Errorf("feature type %s has no property usable as a sort key", advertised)
	}

	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	total, err := c.featureCount(ctx, version, advertised)
	if err != nil {
		return nil, err
	}

	srid := parseSRID(caps.DefaultCRS[advertised])
	table := postgis.Table{Name: l.target.TableName, SRID: srid}
	for _, prop := range props {
		if isGeometryType(prop.Type) {
			continue
		}
		table.Columns = append(table.Columns, postgis.Column{Name: prop.Name, SQLType: sqlType(prop.Type)})
	}

	logger.Debug().Str("vendor", caps.Vendor.String()).Str("version", version).
		Str("sortBy", sortBy).Int("srid", srid).Msg("WFS probe complete")

	return &plan{
		client:   c,
		vendor:   caps.Vendor,
		typeName: advertised,
		version:  version,
		format:   format,
		jsonPath: jsonPath,
		sortBy:   sortBy,
		srid:     srid,
		table:    table,
		total:    total,
	}, nil
}

// span is one half-open page of the layer: count features from start.
type span struct {
	start, count int
}

// splitFeatures plans the paging: one initial page of up to initFeatures,
// then perWorker-sized chunks covering the rest of [0, total).
func splitFeatures(total, initFeatures, perWorker int) (span, []span) {
	if perWorker < 1 {
		perWorker = 1
	}
	init := span{start: 0, count: initFeatures}
	if init.count > total {
		init.count = total
	}

	var spans []span
	for start := init.count; start < total; start += perWorker {
		count := perWorker
		if start+count > total {
			count = total - start
		}
		spans = append(spans, span{start: start, count: count})
	}
	return init, spans
}

// loadChunk is loadPage wrapped in the retry budget. The range is named in
// the final error so md_data_status notes say exactly what is missing.
func (l *Loader) loadChunk(ctx context.Context, p *plan, start, count int) error {
	err := loader.Retry(ctx, l.deps.Config.Loader.Retries, func(attempt int, err error) {
		if l.deps.Metrics != nil {
			l.deps.Metrics.RecordChunkRetry("wfs")
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("start", start).
			Str("url", l.target.URL).Msg("WFS chunk failed, retrying")
	}, func() error {
		return l.loadPage(ctx, p, start, count, false)
	})
	if err != nil {
		return chunkRangeError(start, count, err)
	}
	return nil
}

func chunkRangeError(start, count int, err error) error {
	return fmt.Errorf("failed loading features [%d,%d): %w", start, start+count, err)
}

func (l *Loader) loadPage(ctx context.Context, p *plan, start, count int, replace bool) error {
	started := time.Now()
	err := l.fetchAndWrite(ctx, p, start, count, replace)
	if l.deps.Metrics != nil {
		l.deps.Metrics.RecordChunk("wfs", outcome(err), time.Since(started))
	}
	return err
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (l *Loader) fetchAndWrite(ctx context.Context, p *plan, start, count int, replace bool) error {
	if err := l.wait(ctx); err != nil {
		return err
	}

	body, err := p.client.get(ctx, featureParams(p, start, count))
	if err != nil {
		return err
	}

	if !p.jsonPath {
		return l.importGML(ctx, body, replace)
	}

	var fc geojson.FeatureCollection
	if err := fc.UnmarshalJSON(body); err != nil {
		return fmt.Errorf("failed to decode GeoJSON page: %w", err)
	}
	if replace {
		return l.writer.Replace(ctx, p.table, &fc)
	}
	return l.writer.Append(ctx, p.table, &fc)
}

func featureParams(p *plan, start, count int) url.Values {
	params := url.Values{
		"service":      {"WFS"},
		"version":      {p.version},
		"request":      {"GetFeature"},
		"typeName":     {p.typeName},
		"outputFormat": {p.format},
		"startIndex":   {strconv.Itoa(start)},
		"sortBy":       {p.sortBy},
	}
	if strings.HasPrefix(p.version, "2.") {
		params.Set("count", strconv.Itoa(count))
	} else {
		params.Set("maxFeatures", strconv.Itoa(count))
	}
	return params
}

func (l *Loader) wait(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// chooseFormat picks version and output format for GetFeature. JSON is
// preferred because it can be streamed straight into the writer; GML pages
// have to round-trip through ogr2ogr. ArcGIS WFS endpoints mislabel their
// JSON support in capabilities, so they are forced onto WFS 2.0.0 geojson.
func chooseFormat(v vendor, formats []string) (version, format string, jsonPath bool) {
	if v == vendorArcGIS {
		return "2.0.0", "geojson", true
	}

	var jsonFormat, gmlFormat string
	for _, f := range formats {
		lower := strings.ToLower(f)
		if strings.Contains(lower, "json") {
			if jsonFormat == "" || len(f) < len(jsonFormat) {
				jsonFormat = f
			}
		}
		if gmlFormat == "" && strings.Contains(lower, "gml") {
			gmlFormat = f
		}
	}

	switch {
	case jsonFormat != "":
		return "1.1.0", jsonFormat, true
	case gmlFormat != "":
		return "1.1.0", gmlFormat, false
	default:
		// No formats advertised at all; GML2 is the mandatory baseline.
		return "1.1.0", "GML2", false
	}
}

// chooseSortBy picks the paging sort key from the schema: a numeric property
// ending in "id" beats a string one, which beats the first plain property.
func chooseSortBy(props []property) (string, bool) {
	var stringID, first string
	for _, p := range props {
		if isGeometryType(p.Type) {
			continue
		}
		if strings.HasSuffix(strings.ToLower(p.Name), "id") {
			if isNumericType(p.Type) {
				return p.Name, true
			}
			if stringID == "" && isStringType(p.Type) {
				stringID = p.Name
			}
		}
		if first == "" {
			first = p.Name
		}
	}
	if stringID != "" {
		return stringID, true
	}
	return first, first != ""
}
