// Package wcs loads raster coverages into PostGIS. Coverages come from OGC
// Web Coverage Services (2.0.1) or ArcGIS Image Services, which expose the
// same interface behind a WCSServer endpoint. The GeoTIFF is streamed to a
// temp file and imported with the raster2pgsql | psql pipeline, the only
// raster path PostGIS ships.
package wcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/geomediator/geomediator/internal/loader"
)

const description = "Loads raster coverages from OGC Web Coverage Services and ArcGIS Image Services"

func init() {
	loader.RegisterFactory("wcs", loader.Factory{
		Name:        "wcs",
		Description: description,
		Validate:    Validate,
		New: func(deps loader.Deps, target loader.Target) loader.Loader {
			return New(deps, target)
		},
	})
}

// Validate accepts WCS endpoints whose capabilities offer DescribeCoverage
// and GetCoverage, and ArcGIS Image Service URLs that answer a metadata
// probe.
func Validate(ctx context.Context, deps loader.Deps, serviceURL string) bool {
	c, err := newClient(serviceURL, deps.HTTP)
	if err != nil {
		return false
	}
	if c.imageService {
		return c.probeImageService(ctx) == nil
	}
	caps, err := c.getCapabilities(ctx)
	if err != nil {
		return false
	}
	return caps.supports("DescribeCoverage") && caps.supports("GetCoverage")
}

// Loader materialises one coverage into one PostGIS raster table.
type Loader struct {
	deps   loader.Deps
	target loader.Target
}

// New builds a WCS loader for the target.
func New(deps loader.Deps, target loader.Target) *Loader {
	return &Loader{deps: deps, target: target}
}

func (l *Loader) Name() string        { return "wcs" }
func (l *Loader) Description() string { return description }

// Load fetches the coverage as GeoTIFF and imports it. On failure the
// status row is marked Error; whatever the import left behind stays in
// place, flagged partial by the status.
func (l *Loader) Load(ctx context.Context) error {
	started := time.Now()
	logger := log.With().Str("loader", "wcs").Str("url", l.target.URL).
		Str("table", l.target.TableName).Logger()

	err := l.load(ctx, logger)
	if l.deps.Metrics != nil {
		l.deps.Metrics.RecordLoad("wcs", outcome(err), time.Since(started))
	}
	if err != nil {
		logger.Error().Err(err).Msg("WCS load failed")
		l.deps.Status.SetError(ctx, l.target.URL, err.Error())
		return err
	}

	logger.Info().Dur("elapsed", time.Since(started)).Msg("WCS load complete")
	return nil
}

func (l *Loader) load(ctx context.Context, logger zerolog.Logger) error {
	c, err := newClient(l.target.URL, l.deps.HTTP)
	if err != nil {
		return err
	}

	desc, err := c.describeCoverage(ctx)
	if err != nil {
		return err
	}

	formats := desc.Formats
	if desc.NativeFormat != "" {
		formats = append([]string{desc.NativeFormat}, formats...)
	}
	if len(formats) == 0 && !c.imageService {
		// GeoServer advertises formats in the capabilities service
		// metadata rather than per coverage.
		if caps, err := c.getCapabilities(ctx); err == nil {
			formats = caps.Formats
		}
	}
	if !geotiffSupported(formats) {
		return fmt.Errorf("coverage %s offers no GeoTIFF output (formats: %s)",
			c.coverageID, strings.Join(formats, ", "))
	}

	logger.Debug().Int("srid", desc.SRID).Str("coverage", c.coverageID).
		Int("width", desc.Width()).Int("height", desc.Height()).
		Strs("offsetVectors", desc.OffsetVectors).Msg("WCS probe complete")

	tmpName, err := l.fetchGeoTIFF(ctx, c, desc)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(tmpName); err != nil {
			log.Warn().Err(err).Str("file", tmpName).Msg("Failed to remove GeoTIFF temp file")
		}
	}()

	// raster2pgsql runs in create mode; a stale table from an earlier
	// materialisation has to go first.
	l.deps.Status.DropTable(ctx, l.target.TableName)
	if err := l.importRaster(ctx, tmpName, desc.SRID); err != nil {
		return err
	}

	return l.deps.Status.SetSaved(ctx, l.target.URL)
}

// fetchGeoTIFF streams the coverage into a scoped temp file, retrying the
// whole download on failure. Coverages are single-shot; there is no paging
// to spread over workers.
func (l *Loader) fetchGeoTIFF(ctx context.Context, c *client, desc *coverageDescription) (string, error) {
	var tmpName string
	err := loader.Retry(ctx, l.deps.Config.Loader.Retries, func(attempt int, err error) {
		if l.deps.Metrics != nil {
			l.deps.Metrics.RecordChunkRetry("wcs")
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("url", l.target.URL).
			Msg("Coverage download failed, retrying")
	}, func() error {
		started := time.Now()
		name, err := l.downloadOnce(ctx, c, desc)
		if l.deps.Metrics != nil {
			l.deps.Metrics.RecordChunk("wcs", outcome(err), time.Since(started))
		}
		if err != nil {
			return err
		}
		tmpName = name
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed downloading coverage: %w", err)
	}
	return tmpName, nil
}

func (l *Loader) downloadOnce(ctx context.Context, c *client, desc *coverageDescription) (string, error) {
	tmp, err := os.CreateTemp(l.deps.Config.Loader.TmpDir, "geomediator-wcs-*.tif")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for coverage: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		if err := os.Remove(tmpName); err != nil {
			log.Warn().Err(err).Str("file", tmpName).Msg("Failed to remove GeoTIFF temp file")
		}
	}

	body, err := c.getCoverage(ctx, desc)
	if err != nil {
		cleanup()
		return "", err
	}
	defer body.Close()

	if _, err := io.Copy(tmp, body); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to stream coverage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to close coverage temp file: %w", err)
	}
	return tmpName, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// coverageIDFromURL extracts the coverage identifier, accepting the spelling
// of each protocol generation.
func coverageIDFromURL(query url.Values) string {
	for _, key := range []string{"coverageId", "coverageid", "coverage", "identifier"} {
		if v := query.Get(key); v != "" {
			return v
		}
	}
	return ""
}

// newClient classifies the URL as plain WCS or an ArcGIS Image Service. An
// Image Service URL is rebased onto its WCSServer endpoint so everything
// after validation speaks one protocol.
func newClient(serviceURL string, httpClient *http.Client) (*client, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid WCS URL: %w", err)
	}

	lowerPath := strings.ToLower(u.Path)
	imageService := strings.Contains(lowerPath, "/imageserver")

	coverageID := coverageIDFromURL(u.Query())
	if !imageService && coverageID == "" {
		return nil, fmt.Errorf("WCS URL %s carries no coverage identifier", serviceURL)
	}
	if !imageService && !strings.Contains(strings.ToLower(serviceURL), "wcs") {
		return nil, fmt.Errorf("%s does not address a coverage service", serviceURL)
	}

	u.RawQuery = ""
	u.Fragment = ""
	base := u.String()
	if imageService {
		base = strings.TrimSuffix(base, "/") + "/WCSServer"
		if coverageID == "" {
			// Image services expose a single coverage under id 1.
			coverageID = "1"
		}
	}

	return &client{
		base:         base,
		imageBase:    strings.TrimSuffix(u.String(), "/"),
		coverageID:   coverageID,
		imageService: imageService,
		http:         httpClient,
	}, nil
}
