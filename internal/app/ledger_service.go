package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/serialgate/internal/config"
	"github.com/dokzlo13/serialgate/internal/db"
	"github.com/dokzlo13/serialgate/internal/eventbus"
	"github.com/dokzlo13/serialgate/internal/ledger"
)

// LedgerService records bus events to SQLite and prunes old entries.
type LedgerService struct {
	cfg    *config.Config
	DB     *db.DB
	Ledger *ledger.Ledger
}

// NewLedgerService opens the database. It returns nil when the ledger is disabled.
func NewLedgerService(cfg *config.Config) (*LedgerService, error) {
	if !cfg.Ledger.IsEnabled() {
		log.Info().Msg("Event ledger is disabled")
		return nil, nil
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	log.Info().Str("path", cfg.Database.Path).Msg("Opened event ledger")
	return &LedgerService{
		cfg:    cfg,
		DB:     database,
		Ledger: ledger.New(database.DB),
	}, nil
}

// Start subscribes to the bus and begins periodic cleanup.
func (s *LedgerService) Start(ctx context.Context, bus *eventbus.Bus) {
	s.Ledger.Attach(bus)
	go s.runCleanup(ctx)
}

// runCleanup periodically cleans up old ledger entries.
func (s *LedgerService) runCleanup(ctx context.Context) {
	retention := s.cfg.Ledger.Retention()
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(retention)
		}
	}
}

func (s *LedgerService) cleanup(retention time.Duration) {
	deleted, err := s.Ledger.DeleteOlderThan(retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
	}
}

// Close closes the database. Call after the bus has drained.
func (s *LedgerService) Close() {
	if err := s.DB.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close ledger database")
	}
}
