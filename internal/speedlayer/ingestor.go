package speedlayer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clinquery/clinquery/internal/storage"
)

// Ingestor polls the document store for writes newer than a watermark and
// mirrors them into the recent-writes cache with per-kind TTLs. It is the
// only writer of recent-writes entries in polling mode.
type Ingestor struct {
	conn      *storage.Connection
	store     Store
	cfg       *Config
	logger    *slog.Logger
	watermark time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
}

// NewIngestor creates an ingestor. The initial watermark is now minus the
// default TTL, so a restart repopulates the window the speed layer serves.
func NewIngestor(conn *storage.Connection, store Store, cfg *Config, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		conn:      conn,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		watermark: time.Now().Add(-cfg.DefaultTTL),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the polling loop. Call Stop to cease after the current
// iteration.
func (i *Ingestor) Start() {
	go i.run()
}

func (i *Ingestor) run() {
	defer close(i.doneCh)

	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	i.logger.Info("Recent-writes ingestor started",
		slog.Duration("poll_interval", i.cfg.PollInterval))

	for {
		select {
		case <-i.stopCh:
			i.logger.Info("Recent-writes ingestor stopped")

			return
		case <-ticker.C:
			if err := i.pollOnce(context.Background()); err != nil {
				i.logger.Warn("Recent-writes poll failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// Stop signals the loop to cease and waits for the current iteration.
func (i *Ingestor) Stop() {
	i.stopOnce.Do(func() {
		close(i.stopCh)
		<-i.doneCh
	})
}

// pollOnce reads documents updated since the watermark and caches them. The
// watermark advances to the newest update seen, so each poll picks up where
// the last one ended.
func (i *Ingestor) pollOnce(ctx context.Context) error {
	query := `
		SELECT r.id, r.kind, v.content, r.updated_at
		FROM resources r
		JOIN resource_versions v ON v.id = r.id AND v.version = r.current_version
		WHERE r.deleted_at IS NULL AND r.updated_at > $1
		ORDER BY r.updated_at ASC
		LIMIT $2`

	qctx, cancel := i.conn.WithQueryDeadline(ctx)
	defer cancel()

	rows, err := i.conn.QueryContext(qctx, query, i.watermark, i.cfg.ScanBatchSize)
	if err != nil {
		return fmt.Errorf("failed to poll document store: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var (
		cached    int
		watermark = i.watermark
	)

	for rows.Next() {
		var (
			id, kind  string
			body      []byte
			updatedAt time.Time
		)

		if err := rows.Scan(&id, &kind, &body, &updatedAt); err != nil {
			return fmt.Errorf("failed to scan document row: %w", err)
		}

		var resource map[string]any
		if err := json.Unmarshal(body, &resource); err != nil {
			i.logger.Warn("Skipping malformed document",
				slog.String("id", id),
				slog.String("kind", kind),
				slog.String("error", err.Error()))

			continue
		}

		if err := i.store.Put(ctx, kind, id, resource, i.cfg.TTLFor(kind)); err != nil {
			return fmt.Errorf("failed to cache document %s: %w", id, err)
		}

		cached++

		if updatedAt.After(watermark) {
			watermark = updatedAt
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate document rows: %w", err)
	}

	i.watermark = watermark

	if cached > 0 {
		i.logger.Info("Recent writes ingested",
			slog.Int("count", cached),
			slog.Time("watermark", watermark))
	}

	return nil
}
