// Package loader defines the data-loader lifecycle and the shared machinery
// for chunked concurrent fetches: bounded retries, batched worker pools and
// the worker-side status client.
package loader

import (
	"context"
	"net/http"
	"time"

	"github.com/geomediator/geomediator/internal/config"
	"github.com/geomediator/geomediator/internal/observability"
)

// Loader materialises one family of remote services into PostGIS. Load may
// run for a long time; it terminates either by returning nil after marking
// the URL Saved, or by recording Error status and returning the failure.
type Loader interface {
	Name() string
	Description() string
	Load(ctx context.Context) error
}

// Info is the listing metadata for a registered loader family.
type Info struct {
	Name        string
	Description string
}

// Target identifies one materialisation: the remote URL, the local table it
// hashes to, and the requesting user.
type Target struct {
	URL       string
	TableName string
	Username  string
}

// Config carries every tunable a loader needs, as an immutable value.
// Loaders run in isolated workers and must not reach into ambient
// configuration or the parent's connection pool.
type Config struct {
	Loader   config.LoaderConfig
	Database config.DatabaseConfig
}

// StatusReporter is the worker-side slice of status operations: finalising a
// load, recording its failure, and the daemon's duplicate check.
type StatusReporter interface {
	SetSaved(ctx context.Context, url string) error
	SetError(ctx context.Context, url, notes string)
	DropTable(ctx context.Context, tableName string)
	IsLoading(ctx context.Context, url string) (bool, error)
}

// Deps bundles what a loader receives at construction time.
type Deps struct {
	Config  Config
	Status  StatusReporter
	HTTP    *http.Client
	Metrics *observability.Metrics
}

// NewDeps builds loader dependencies from the mediator configuration.
func NewDeps(cfg Config, metrics *observability.Metrics) Deps {
	timeout := cfg.Loader.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return Deps{
		Config:  cfg,
		Status:  NewStatusClient(cfg.Database),
		HTTP:    &http.Client{Timeout: timeout},
		Metrics: metrics,
	}
}
