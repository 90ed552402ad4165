package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/models"
)

// CreateCase inserts a case.
func (s *SQLiteStorage) CreateCase(ctx context.Context, c *models.Case) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cases (id, owner_id, name, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, c.CreatedAt)
	return err
}

// GetCase returns a case by ID.
func (s *SQLiteStorage) GetCase(ctx context.Context, id string) (*models.Case, error) {
	var c models.Case
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, created_at FROM cases WHERE id = ?`, id,
	).Scan(&c.ID, &c.OwnerID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "case not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCases returns an owner's cases, oldest first.
func (s *SQLiteStorage) ListCases(ctx context.Context, ownerID string) ([]*models.Case, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, created_at FROM cases WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Case
	for rows.Next() {
		var c models.Case
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteCase removes a case with its threads, messages and citations.
func (s *SQLiteStorage) DeleteCase(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "cases", "case", id)
}

// CreateThread inserts a thread under an existing case.
func (s *SQLiteStorage) CreateThread(ctx context.Context, th *models.Thread) error {
	if th.CreatedAt.IsZero() {
		th.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, case_id, owner_id, title, created_at) VALUES (?, ?, ?, ?, ?)`,
		th.ID, th.CaseID, th.OwnerID, th.Title, th.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

// GetThread returns a thread by ID.
func (s *SQLiteStorage) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	var th models.Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, case_id, owner_id, title, created_at FROM threads WHERE id = ?`, id,
	).Scan(&th.ID, &th.CaseID, &th.OwnerID, &th.Title, &th.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "thread not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &th, nil
}

// ListThreads returns a case's threads, oldest first.
func (s *SQLiteStorage) ListThreads(ctx context.Context, caseID string) ([]*models.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_id, owner_id, title, created_at FROM threads WHERE case_id = ? ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Thread
	for rows.Next() {
		var th models.Thread
		if err := rows.Scan(&th.ID, &th.CaseID, &th.OwnerID, &th.Title, &th.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &th)
	}
	return out, rows.Err()
}

// DeleteThread removes a thread with its messages and citations.
func (s *SQLiteStorage) DeleteThread(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "threads", "thread", id)
}

func (s *SQLiteStorage) deleteByID(ctx context.Context, table, what, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "%s not found: %s", what, id)
	}
	return nil
}

// AppendMessage stores a message and its citations in one transaction.
func (s *SQLiteStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, thread_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			msg.ID, msg.ThreadID, string(msg.Role), msg.Content, msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		for _, c := range msg.Citations {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO citations (message_id, marker, chunk_id, document_id, document_title, source_uri, snippet)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				msg.ID, c.Marker, c.ChunkID, c.DocumentID, c.DocumentTitle, c.SourceURI, c.Snippet); err != nil {
				return fmt.Errorf("failed to insert citation %d: %w", c.Marker, err)
			}
		}
		return nil
	})
}

// GetMessage returns a message with its citations.
func (s *SQLiteStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, role, content, created_at FROM messages WHERE id = ?`, id,
	).Scan(&m.ID, &m.ThreadID, &role, &m.Content, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "message not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	msgs := []*models.Message{&m}
	if err := s.attachCitations(ctx, msgs); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns the most recent limit messages of a thread, oldest first.
func (s *SQLiteStorage) ListMessages(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, content, created_at FROM (
		   SELECT seq, id, thread_id, role, content, created_at FROM messages
		   WHERE thread_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachCitations(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStorage) attachCitations(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*models.Message, len(msgs))
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		byID[m.ID] = m
		ids[i] = m.ID
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, marker, chunk_id, document_id, document_title, source_uri, snippet
		 FROM citations WHERE message_id IN (`+placeholders(len(ids))+`) ORDER BY message_id, marker`,
		stringArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var msgID string
		var c models.Citation
		if err := rows.Scan(&msgID, &c.Marker, &c.ChunkID, &c.DocumentID, &c.DocumentTitle, &c.SourceURI, &c.Snippet); err != nil {
			return err
		}
		if m, ok := byID[msgID]; ok {
			m.Citations = append(m.Citations, &c)
		}
	}
	return rows.Err()
}
