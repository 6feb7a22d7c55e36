// Package daemon runs the materialisation side of the mediator: it listens
// for load requests on a PostgreSQL notification channel and dispatches a
// worker per request. Workers are goroutines with their own database
// connections; a crashing or hanging load never takes the listener down.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/geomediator/geomediator/internal/loader"
	"github.com/geomediator/geomediator/internal/status"
)

// Daemon consumes load requests from the notification channel.
type Daemon struct {
	connString string
	channel    string
	registry   *loader.Registry
	deps       loader.Deps

	mu       sync.Mutex
	inFlight map[string]bool // urls currently being loaded by this process
	wg       sync.WaitGroup
}

// New creates a daemon listening on channel with the given loader registry.
func New(connString, channel string, registry *loader.Registry, deps loader.Deps) *Daemon {
	return &Daemon{
		connString: connString,
		channel:    channel,
		registry:   registry,
		deps:       deps,
		inFlight:   make(map[string]bool),
	}
}

// Run blocks listening for notifications until ctx is cancelled, then waits
// for in-flight loads to finish. The listening connection is re-established
// after any error.
func (d *Daemon) Run(ctx context.Context) error {
	log.Info().Str("channel", d.channel).Msg("Data load daemon started")

	for {
		if ctx.Err() != nil {
			break
		}

		if err := d.listen(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Msg("Listener connection lost, reconnecting")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}

	log.Info().Msg("Data load daemon stopping, waiting for in-flight loads")
	d.wg.Wait()
	return nil
}

// listen holds one dedicated connection and processes notifications until
// the connection fails or ctx is cancelled.
func (d *Daemon) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, d.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{d.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to LISTEN on %s: %w", d.channel, err)
	}
	log.Debug().Str("channel", d.channel).Msg("Listening for load requests")

	for {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Timeout is expected; it is how cancellation gets checked.
			if waitCtx.Err() == context.DeadlineExceeded {
				continue
			}
			return fmt.Errorf("error waiting for notification: %w", err)
		}

		d.handleNotification(ctx, notification.Payload)
	}
}

// handleNotification validates one request payload and dispatches a worker.
// Requests for urls already loading, here or in another process, are
// dropped: CreateLoading already serialised the fetch, duplicates are
// re-delivery noise.
func (d *Daemon) handleNotification(ctx context.Context, payload string) {
	var req status.LoadRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		log.Error().Err(err).Str("payload", payload).Msg("Malformed load request dropped")
		return
	}
	if req.URL == "" || req.TableName == "" {
		log.Error().Str("payload", payload).Msg("Incomplete load request dropped")
		return
	}

	d.mu.Lock()
	if d.inFlight[req.URL] {
		d.mu.Unlock()
		log.Debug().Str("url", req.URL).Msg("Load already in flight, duplicate request dropped")
		return
	}
	d.inFlight[req.URL] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inFlight, req.URL)
			d.mu.Unlock()
		}()
		d.runWorker(ctx, req)
	}()
}

// runWorker executes one load under panic recovery. A panic is recorded as
// a load failure so the url does not stay in Loading forever.
func (d *Daemon) runWorker(ctx context.Context, req status.LoadRequest) {
	workerID := uuid.New().String()[:8]
	logger := log.With().Str("worker", workerID).Str("url", req.URL).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Load worker panicked")
			d.deps.Status.SetError(ctx, req.URL, fmt.Sprintf("internal error: %v", r))
			d.deps.Status.DropTable(ctx, req.TableName)
		}
	}()

	// A notification can outlive its request: the row may already be
	// finalised by another daemon, or removed entirely.
	loading, err := d.deps.Status.IsLoading(ctx, req.URL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to check load state, dropping request")
		return
	}
	if !loading {
		logger.Debug().Msg("No Loading record for request, dropping")
		return
	}

	target := loader.Target{URL: req.URL, TableName: req.TableName, Username: req.Username}
	ldr := d.registry.Create(ctx, target)
	if ldr == nil {
		logger.Warn().Msg("No data loader accepts url")
		d.deps.Status.SetError(ctx, req.URL, fmt.Sprintf("No data loader was found for %s", req.URL))
		return
	}

	logger.Info().Str("loader", ldr.Name()).Str("table", req.TableName).Msg("Load started")
	if err := ldr.Load(ctx); err != nil {
		// The loader has already recorded the Error status and cleaned up.
		logger.Error().Err(err).Msg("Load finished with error")
		return
	}
	logger.Info().Msg("Load finished")
}
