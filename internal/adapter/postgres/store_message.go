package postgres

import (
	"context"
	"fmt"

	"github.com/relaydev/agentrun/internal/domain/message"
)

// AppendMessage adds one chat turn to a run's thread.
func (s *Store) AppendMessage(ctx context.Context, m *message.Message) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (project_id, run_id, role, content)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		m.ProjectID, m.RunID, string(m.Role), m.Content)

	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns the chat turns for a run, oldest first.
func (s *Store) ListMessages(ctx context.Context, projectID, runID string) ([]message.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, run_id, role, content, created_at
		 FROM messages WHERE project_id = $1 AND run_id = $2
		 ORDER BY created_at ASC`, projectID, runID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []message.Message
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.RunID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
