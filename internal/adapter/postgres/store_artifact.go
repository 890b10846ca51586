package postgres

import (
	"context"
	"fmt"

	"github.com/relaydev/agentrun/internal/domain/artifact"
)

// CreateArtifact records an artifact row. Re-capturing a snapshot replaces
// the existing row for the same (run, name) pair.
func (s *Store) CreateArtifact(ctx context.Context, a *artifact.Artifact) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO artifacts (run_id, name, path, mime, size)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, name) DO UPDATE
		   SET path = EXCLUDED.path, mime = EXCLUDED.mime, size = EXCLUDED.size
		 RETURNING id, created_at`,
		a.RunID, a.Name, a.Path, a.MIME, a.Size)

	if err := row.Scan(&a.ID, &a.CreatedAt); err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a run's artifacts, newest first.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]artifact.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, name, path, mime, size, created_at
		 FROM artifacts WHERE run_id = $1 ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []artifact.Artifact
	for rows.Next() {
		var a artifact.Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &a.Path, &a.MIME, &a.Size, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
