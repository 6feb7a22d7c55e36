package rewrite

import (
	"context"
	"fmt"
	"strings"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v5"
	"github.com/rs/zerolog/log"

	"github.com/geomediator/geomediator/internal/observability"
	"github.com/geomediator/geomediator/internal/status"
)

// StatusStore is the slice of the status store the rewrite path needs.
type StatusStore interface {
	Get(ctx context.Context, url string) (*status.Record, error)
	CreateLoading(ctx context.Context, url, username, tableName string) (bool, error)
	ResetToLoading(ctx context.Context, url, username string) (bool, error)
	NotSaved(ctx context.Context, urls []string) ([]string, error)
	TouchLastUsed(ctx context.Context, urls []string) error
	Remove(ctx context.Context, url string) error
	DropDataTable(ctx context.Context, tableName string) error
	PublishLoadRequest(ctx context.Context, req status.LoadRequest) error
}

// LoaderInfo is the listing entry for one registered loader.
type LoaderInfo struct {
	Name        string
	Description string
}

// LoaderRegistry is the slice of the loader registry the rewrite path needs:
// probing whether any loader accepts a URL, and the listing metadata.
type LoaderRegistry interface {
	Accepts(ctx context.Context, url string) bool
	List() []LoaderInfo
}

// Mediator is the rewrite entry point: it classifies a client statement,
// substitutes URL relation references, and coordinates materialisation
// bookkeeping. All policy failures are encoded as SQL; only parse errors
// escape as Go errors.
type Mediator struct {
	rewriter *Rewriter
	hasher   Hasher
	store    StatusStore
	registry LoaderRegistry
	metrics  *observability.Metrics
}

// NewMediator wires the rewrite entry point.
func NewMediator(hasher Hasher, store StatusStore, registry LoaderRegistry, metrics *observability.Metrics) *Mediator {
	return &Mediator{
		rewriter: NewRewriter(hasher),
		hasher:   hasher,
		store:    store,
		registry: registry,
		metrics:  metrics,
	}
}

// Rewrite translates one client statement into SQL the proxy can execute
// against PostGIS. inTransaction is part of the proxy contract; the mediator
// currently treats in- and out-of-transaction statements alike.
func (m *Mediator) Rewrite(ctx context.Context, username, sql string, inTransaction bool) (string, error) {
	start := time.Now()
	translated, outcome, err := m.rewrite(ctx, username, sql)
	if m.metrics != nil {
		m.metrics.RecordRewrite(outcome, time.Since(start))
	}
	if err != nil {
		return "", err
	}

	log.Debug().
		Str("user", username).
		Str("outcome", outcome).
		Bool("in_transaction", inTransaction).
		Msg("Statement rewritten")
	return translated, nil
}

func (m *Mediator) rewrite(ctx context.Context, username, sql string) (string, string, error) {
	ast, err := m.rewriter.Parse(sql)
	if err != nil {
		return "", "parse_error", err
	}
	mapping := m.rewriter.RewriteURLs(ast)

	if url, ok := MatchFetchData(sql); ok {
		translated, err := m.fetchData(ctx, username, url)
		if err != nil {
			return "", "error", err
		}
		return translated, "fetch_data", nil
	}

	if MatchListDataLoaders(sql) {
		return m.listDataLoaders(), "list_loaders", nil
	}

	if url, ok := MatchRemoveData(sql); ok {
		if err := m.removeData(ctx, url); err != nil {
			return "", "error", err
		}
		return statusViewSelect(url), "remove_data", nil
	}

	if _, ok := MatchMediatorError(sql); ok {
		// Sentinel emitted by an earlier rewrite; pass through for
		// downstream to raise.
		return sql, "mediator_error", nil
	}

	if !mapping.Empty() {
		translated, outcome, err := m.gateAndTranslate(ctx, ast, mapping)
		if err != nil {
			return "", "error", err
		}
		return translated, outcome, nil
	}

	translated, err := m.rewriter.Deparse(ast)
	if err != nil {
		return "", "error", err
	}
	return translated, "passthrough", nil
}

// fetchData implements the md_fetch_data flow: ensure a Loading row exists
// and a load request is on the wire, then answer with the status view.
func (m *Mediator) fetchData(ctx context.Context, username, url string) (string, error) {
	rec, err := m.store.Get(ctx, url)
	if err != nil {
		return "", err
	}

	tableName := m.hasher.TableName(url)

	switch {
	case rec == nil:
		if !m.registry.Accepts(ctx, url) {
			log.Warn().Str("url", url).Msg("No data loader accepts URL")
			return mediatorErrorSelect(fmt.Sprintf("No data loader was found for %s", url)), nil
		}

		created, err := m.store.CreateLoading(ctx, url, username, tableName)
		if err != nil {
			return "", err
		}
		// On a lost race another writer owns the row; it has already
		// enqueued the load, so we must not enqueue again.
		if created {
			if err := m.publish(ctx, username, url, tableName); err != nil {
				return "", err
			}
		}

	case rec.Status == status.StatusError:
		// A re-requested fetch resets an errored URL and tries again.
		reset, err := m.store.ResetToLoading(ctx, url, username)
		if err != nil {
			return "", err
		}
		if reset {
			if err := m.publish(ctx, username, url, rec.TableName); err != nil {
				return "", err
			}
		}

	default:
		// Saved or Loading: nothing to do, the status view tells the story.
	}

	return statusViewSelect(url), nil
}

func (m *Mediator) publish(ctx context.Context, username, url, tableName string) error {
	return m.store.PublishLoadRequest(ctx, status.LoadRequest{
		URL:       url,
		Username:  username,
		TableName: tableName,
	})
}

// listDataLoaders renders the registered loaders as a VALUES-backed SELECT.
func (m *Mediator) listDataLoaders() string {
	loaders := m.registry.List()
	if len(loaders) == 0 {
		return "SELECT * FROM (VALUES (NULL::text, NULL::text)) AS md_data_loaders(name, description) WHERE FALSE"
	}

	values := make([]string, 0, len(loaders))
	for _, l := range loaders {
		values = append(values, fmt.Sprintf("(%s, %s)", quoteLiteral(l.Name), quoteLiteral(l.Description)))
	}
	return fmt.Sprintf("SELECT * FROM (VALUES %s) AS md_data_loaders(name, description)",
		strings.Join(values, ", "))
}

// removeData drops a materialisation: status row first, then the table. It
// does not wait for in-flight loaders; a loader that loses its row fails its
// next status update and stops.
func (m *Mediator) removeData(ctx context.Context, url string) error {
	rec, err := m.store.Get(ctx, url)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	if err := m.store.Remove(ctx, url); err != nil {
		return err
	}
	if err := m.store.DropDataTable(ctx, rec.TableName); err != nil {
		return err
	}

	log.Info().Str("url", url).Str("table", rec.TableName).Msg("Removed materialisation")
	return nil
}

// gateAndTranslate returns the translation only when every referenced URL is
// Saved; otherwise it reports the offenders through the error sentinel.
func (m *Mediator) gateAndTranslate(ctx context.Context, ast *pg_query.ParseResult, mapping *Mapping) (string, string, error) {
	missing, err := m.store.NotSaved(ctx, mapping.URLs())
	if err != nil {
		return "", "", err
	}
	if len(missing) > 0 {
		msg := "The following URLs are not ready to query: " + strings.Join(missing, ", ")
		return mediatorErrorSelect(msg), "urls_not_ready", nil
	}

	if err := m.store.TouchLastUsed(ctx, mapping.URLs()); err != nil {
		return "", "", err
	}

	translated, err := m.rewriter.Deparse(ast)
	if err != nil {
		return "", "", err
	}
	return translated, "translated", nil
}

func statusViewSelect(url string) string {
	return fmt.Sprintf("SELECT * FROM md_v_data_status WHERE url=%s", quoteLiteral(url))
}

func mediatorErrorSelect(msg string) string {
	return fmt.Sprintf("SELECT md_mediator_error(%s);", quoteLiteral(msg))
}

// quoteLiteral escapes a SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
