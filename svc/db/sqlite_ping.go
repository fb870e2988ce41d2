package db

import (
	"context"

	"pasteir/pkg/domain"
)

func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return domain.Transient("sqlite ping", err)
	}
	return nil
}
