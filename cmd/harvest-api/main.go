// Command harvest-api is the long-running service shell: it exposes the
// spec.md §6 review mutation endpoints, an NDJSON/SSE mirror of the event
// bus, and a Prometheus /metrics endpoint, and posts run-completion and
// stuck-review-queue alerts to Slack, matching the teacher's background-
// service + notifier split.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/spec-harvester/harvester/pkg/api"
	"github.com/spec-harvester/harvester/pkg/events"
	"github.com/spec-harvester/harvester/pkg/notify"
	"github.com/spec-harvester/harvester/pkg/shared/logging"
	"github.com/spec-harvester/harvester/pkg/store"
)

func main() {
	var (
		addr           = flag.String("addr", ":8080", "HTTP listen address")
		dbPath         = flag.String("db", "./harvester.db", "path to the sqlite evidence store")
		slackToken     = flag.String("slack-token", os.Getenv("SLACK_BOT_TOKEN"), "slack bot token for notifications (empty disables)")
		slackChannel   = flag.String("slack-channel", "#spec-harvester", "slack channel for notifications")
		stuckThreshold = flag.Duration("stuck-review-threshold", 24*time.Hour, "how long a fully-untouched review key must sit before it is reported stuck")
		sweepInterval  = flag.Duration("sweep-interval", 10*time.Minute, "how often to check for a stuck review queue")
	)
	flag.Parse()

	log, flush, err := logging.New(logging.Config{JSONFormat: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, "harvest-api: logger init:", err)
		os.Exit(1)
	}
	defer flush()

	if err := run(log, *addr, *dbPath, *slackToken, *slackChannel, *stuckThreshold, *sweepInterval); err != nil {
		log.Error(err, "harvest-api: run failed")
		os.Exit(1)
	}
}

func run(log logr.Logger, addr, dbPath, slackToken, slackChannel string, stuckThreshold, sweepInterval time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("harvest-api: open store: %w", err)
	}
	defer st.Close()

	bus := events.New()
	metrics := api.NewMetrics()
	notifier := notify.New(slackToken, slackChannel, log)

	srv, err := api.NewServer(api.ServerConfig{
		Review:  api.NewReviewService(st),
		Bus:     bus,
		Metrics: metrics,
		Log:     log,
	})
	if err != nil {
		return fmt.Errorf("harvest-api: build server: %w", err)
	}

	httpSrv := &http.Server{Addr: addr, Handler: srv}
	go stuckReviewSweep(ctx, st, notifier, stuckThreshold, sweepInterval)

	errCh := make(chan error, 1)
	go func() {
		log.Info("harvest-api: listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("harvest-api: serve: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// stuckReviewSweep periodically checks for fully-untouched review keys
// older than threshold and posts a Slack alert when any are found. A
// review key that has already been AI-confirmed or user-accepted is never
// counted, so the alert only fires on genuine review-queue neglect.
func stuckReviewSweep(ctx context.Context, st *store.Store, notifier *notify.Notifier, threshold, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, oldestAgeHours, err := st.StuckReviewKeys(ctx, time.Now().Add(-threshold))
			if err != nil || count == 0 {
				continue
			}
			notifier.StuckReviewQueue(ctx, count, oldestAgeHours)
		}
	}
}
