package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pasteir/svc/util"
)

const (
	checkpointInterval = 5 * time.Minute
	optimizeTimeout    = 10 * time.Minute
)

// Maintain runs periodic WAL checkpoints and, when optimizeEvery > 0, an
// ANALYZE/VACUUM pass. It returns after a final checkpoint once ctx is done.
func (s *SQLite) Maintain(ctx context.Context, optimizeEvery time.Duration) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	var optimize <-chan time.Time
	if optimizeEvery > 0 {
		ot := time.NewTicker(optimizeEvery)
		defer ot.Stop()
		optimize = ot.C
	}
	for {
		select {
		case <-ticker.C:
			if err := performWALCheckpoint(s.db); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-optimize:
			if err := s.Optimize(ctx); err != nil {
				util.Error().Err(err).Msg("database optimize failed")
			}
		case <-ctx.Done():
			if err := performWALCheckpoint(s.db); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return
		}
	}
}

// Optimize refreshes planner statistics and reclaims free pages.
func (s *SQLite) Optimize(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, optimizeTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		util.Warn().Err(err).Msg("PRAGMA optimize failed")
	}
	util.Info().Dur("duration", time.Since(start)).Msg("database optimized")
	return nil
}
func performWALCheckpoint(db *sql.DB) error {
	start := time.Now()
	var busyPages, logPages, checkpointed int
	err := db.QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busyPages, &logPages, &checkpointed)
	if err != nil {
		util.Warn().Err(err).Msg("PASSIVE checkpoint query failed")
		if _, err := db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
			return fmt.Errorf("PASSIVE checkpoint exec failed: %w", err)
		}
	} else {
		util.Debug().
			Int("busy", busyPages).
			Int("log", logPages).
			Int("checkpointed", checkpointed).
			Msg("PASSIVE checkpoint result")
		if logPages > 1000 || busyPages > 0 {
			util.Info().Msg("escalating to TRUNCATE checkpoint")
			err = db.QueryRow("PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busyPages, &logPages, &checkpointed)
			if err != nil {
				if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
					return fmt.Errorf("TRUNCATE checkpoint failed: %w", err)
				}
			} else {
				util.Info().
					Int("busy", busyPages).
					Int("log", logPages).
					Int("checkpointed", checkpointed).
					Msg("TRUNCATE checkpoint result")
			}
		}
	}
	if err := verifyIntegrity(db); err != nil {
		util.Error().Err(err).Msg("CRITICAL: database integrity check failed after checkpoint")
		return fmt.Errorf("integrity check failed: %w", err)
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}
func verifyIntegrity(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var result string
	err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result)
	if err != nil {
		return fmt.Errorf("quick_check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}
