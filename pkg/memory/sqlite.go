package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
)

// SQLiteStore is the reference implementation of Service, backed by
// SQLite. It verifies the handle token on every call and scopes all rows
// by the verified session tag, so two sessions can never observe each
// other's rows even when running concurrently.
type SQLiteStore struct {
	db       *sql.DB
	verifier credentials.Verifier
}

var _ Service = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the store at path. Use ":memory:"
// for an ephemeral store.
func NewSQLiteStore(path string, verifier credentials.Verifier) (*SQLiteStore, error) {
	// _busy_timeout: wait up to 5 seconds if the database is locked.
	// _journal_mode=WAL: better concurrent access.
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// Serialize writes; SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			session_tag TEXT NOT NULL,
			author TEXT,
			content TEXT,
			created_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sections (
			id TEXT PRIMARY KEY,
			session_tag TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT,
			author TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT,
			UNIQUE(session_tag, title)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_tag TEXT NOT NULL,
			description TEXT,
			worker TEXT,
			status TEXT NOT NULL,
			notes TEXT,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			id TEXT PRIMARY KEY,
			session_tag TEXT NOT NULL,
			text TEXT,
			context TEXT,
			worker TEXT,
			priority TEXT,
			options TEXT,
			answer TEXT,
			answered_at TEXT,
			created_at TEXT
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing memory schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, verifier: verifier}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// authorize verifies the handle and returns the session tag every query
// must be scoped by. The tag comes from the verified claims, never from
// anything a worker could have rewritten.
func (s *SQLiteStore) authorize(h credentials.Handle) (string, error) {
	claims, err := s.verifier.Verify(h.Token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIsolation, err)
	}
	if h.SessionTag != "" && h.SessionTag != claims.SessionTag {
		slog.Warn("Session tag mismatch on memory call", "caller", claims.Caller)
		return "", fmt.Errorf("%w: handle tag does not match token claims", ErrIsolation)
	}
	return claims.SessionTag, nil
}

func (s *SQLiteStore) AddNote(ctx context.Context, h credentials.Handle, content string) (Note, error) {
	tag, err := s.authorize(h)
	if err != nil {
		return Note{}, err
	}

	note := Note{
		ID:         uuid.New().String(),
		SessionTag: tag,
		Author:     h.Caller,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO notes (id, session_tag, author, content, created_at) VALUES (?, ?, ?, ?, ?)",
		note.ID, note.SessionTag, note.Author, note.Content, note.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Note{}, fmt.Errorf("adding note: %w", err)
	}
	return note, nil
}

func (s *SQLiteStore) ReadNotes(ctx context.Context, h credentials.Handle) ([]Note, error) {
	tag, err := s.authorize(h)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, author, content, created_at FROM notes WHERE session_tag = ? ORDER BY created_at", tag)
	if err != nil {
		return nil, fmt.Errorf("reading notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var createdAt string
		if err := rows.Scan(&n.ID, &n.Author, &n.Content, &createdAt); err != nil {
			return nil, err
		}
		n.SessionTag = tag
		n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *SQLiteStore) WriteDraftSection(ctx context.Context, h credentials.Handle, title, content string) (Section, error) {
	tag, err := s.authorize(h)
	if err != nil {
		return Section{}, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sections (id, session_tag, title, content, author, version, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(session_tag, title) DO UPDATE SET
			content = excluded.content,
			author = excluded.author,
			version = sections.version + 1,
			updated_at = excluded.updated_at`,
		uuid.New().String(), tag, title, content, h.Caller, now.Format(time.RFC3339Nano))
	if err != nil {
		return Section{}, fmt.Errorf("writing draft section: %w", err)
	}

	var sec Section
	var updatedAt string
	err = s.db.QueryRowContext(ctx,
		"SELECT id, title, content, author, version, updated_at FROM sections WHERE session_tag = ? AND title = ?",
		tag, title).Scan(&sec.ID, &sec.Title, &sec.Content, &sec.Author, &sec.Version, &updatedAt)
	if err != nil {
		return Section{}, fmt.Errorf("reading back draft section: %w", err)
	}
	sec.SessionTag = tag
	sec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return sec, nil
}

func (s *SQLiteStore) ReadDraft(ctx context.Context, h credentials.Handle) ([]Section, error) {
	tag, err := s.authorize(h)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, content, author, version, updated_at FROM sections WHERE session_tag = ? ORDER BY updated_at", tag)
	if err != nil {
		return nil, fmt.Errorf("reading draft: %w", err)
	}
	defer rows.Close()

	var sections []Section
	for rows.Next() {
		var sec Section
		var updatedAt string
		if err := rows.Scan(&sec.ID, &sec.Title, &sec.Content, &sec.Author, &sec.Version, &updatedAt); err != nil {
			return nil, err
		}
		sec.SessionTag = tag
		sec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		sections = append(sections, sec)
	}
	return sections, rows.Err()
}

func (s *SQLiteStore) AddTasks(ctx context.Context, h credentials.Handle, tasks []Task) ([]Task, error) {
	tag, err := s.authorize(h)
	if err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.Status == "" {
			t.Status = TaskPending
		}
		t.SessionTag = tag
		t.Version = 1
		_, err := s.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO tasks (id, session_tag, description, worker, status, notes, version) VALUES (?, ?, ?, ?, ?, ?, ?)",
			t.ID, t.SessionTag, t.Description, t.Worker, t.Status, t.Notes, t.Version)
		if err != nil {
			return nil, fmt.Errorf("adding task: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, h credentials.Handle, id string, status TaskStatus, notes string) (Task, error) {
	tag, err := s.authorize(h)
	if err != nil {
		return Task{}, err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, notes = ?, version = version + 1 WHERE id = ? AND session_tag = ?",
		status, notes, id, tag)
	if err != nil {
		return Task{}, fmt.Errorf("updating task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Task{}, ErrNotFound
	}

	var t Task
	err = s.db.QueryRowContext(ctx,
		"SELECT id, description, worker, status, notes, version FROM tasks WHERE id = ? AND session_tag = ?",
		id, tag).Scan(&t.ID, &t.Description, &t.Worker, &t.Status, &t.Notes, &t.Version)
	if err != nil {
		return Task{}, err
	}
	t.SessionTag = tag
	return t, nil
}

func (s *SQLiteStore) ReadPlan(ctx context.Context, h credentials.Handle) ([]Task, error) {
	tag, err := s.authorize(h)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, description, worker, status, notes, version FROM tasks WHERE session_tag = ? ORDER BY rowid", tag)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Description, &t.Worker, &t.Status, &t.Notes, &t.Version); err != nil {
			return nil, err
		}
		t.SessionTag = tag
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) AddQuestion(ctx context.Context, h credentials.Handle, q Question) (Question, error) {
	tag, err := s.authorize(h)
	if err != nil {
		return Question{}, err
	}

	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.Priority == "" {
		q.Priority = PriorityMedium
	}
	if q.Worker == "" {
		q.Worker = h.Caller
	}
	q.SessionTag = tag
	q.CreatedAt = time.Now().UTC()

	options, err := json.Marshal(q.Options)
	if err != nil {
		return Question{}, err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO questions (id, session_tag, text, context, worker, priority, options, answer, answered_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?)",
		q.ID, q.SessionTag, q.Text, q.Context, q.Worker, q.Priority, string(options), q.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Question{}, fmt.Errorf("adding question: %w", err)
	}
	return q, nil
}

func (s *SQLiteStore) PendingQuestions(ctx context.Context, h credentials.Handle) ([]Question, error) {
	tag, err := s.authorize(h)
	if err != nil {
		return nil, err
	}
	return s.queryQuestions(ctx, tag, true)
}

// Questions returns every question for the session, answered or not.
// Used by the memory poller to reconcile full state.
func (s *SQLiteStore) Questions(ctx context.Context, h credentials.Handle) ([]Question, error) {
	tag, err := s.authorize(h)
	if err != nil {
		return nil, err
	}
	return s.queryQuestions(ctx, tag, false)
}

func (s *SQLiteStore) queryQuestions(ctx context.Context, tag string, pendingOnly bool) ([]Question, error) {
	query := "SELECT id, text, context, worker, priority, options, answer, answered_at, created_at FROM questions WHERE session_tag = ?"
	if pendingOnly {
		// answered_at is the single source of truth for "answered"; the
		// answer column is payload.
		query += " AND answered_at = ''"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, tag)
	if err != nil {
		return nil, fmt.Errorf("reading questions: %w", err)
	}
	defer rows.Close()

	var questions []Question
	for rows.Next() {
		var q Question
		var options, answeredAt, createdAt string
		if err := rows.Scan(&q.ID, &q.Text, &q.Context, &q.Worker, &q.Priority, &options, &q.Answer, &answeredAt, &createdAt); err != nil {
			return nil, err
		}
		q.SessionTag = tag
		if options != "" && options != "null" {
			if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
				return nil, err
			}
		}
		if answeredAt != "" {
			t, err := time.Parse(time.RFC3339Nano, answeredAt)
			if err == nil {
				q.AnsweredAt = &t
			}
		}
		q.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (s *SQLiteStore) SubmitAnswers(ctx context.Context, h credentials.Handle, answers map[string]string) ([]Question, error) {
	tag, err := s.authorize(h)
	if err != nil {
		return nil, err
	}
	for id, answer := range answers {
		if answer == "" {
			return nil, fmt.Errorf("question %s: %w", id, ErrEmptyAnswer)
		}
	}

	// All answers in the batch land together or not at all; a rejected
	// question must not leave earlier map entries committed.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("answering questions: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var updated []Question
	for id, answer := range answers {
		res, err := tx.ExecContext(ctx,
			"UPDATE questions SET answer = ?, answered_at = ? WHERE id = ? AND session_tag = ? AND answered_at = ''",
			answer, now, id, tag)
		if err != nil {
			return nil, fmt.Errorf("answering question %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var existing int
			if err := tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM questions WHERE id = ? AND session_tag = ?", id, tag).Scan(&existing); err != nil {
				return nil, err
			}
			if existing == 0 {
				return nil, fmt.Errorf("question %s: %w", id, ErrNotFound)
			}
			return nil, fmt.Errorf("question %s: %w", id, ErrQuestionAnswered)
		}

		var q Question
		var options, answeredAt, createdAt string
		err = tx.QueryRowContext(ctx,
			"SELECT id, text, context, worker, priority, options, answer, answered_at, created_at FROM questions WHERE id = ? AND session_tag = ?",
			id, tag).Scan(&q.ID, &q.Text, &q.Context, &q.Worker, &q.Priority, &options, &q.Answer, &answeredAt, &createdAt)
		if err != nil {
			return nil, err
		}
		q.SessionTag = tag
		if options != "" && options != "null" {
			_ = json.Unmarshal([]byte(options), &q.Options)
		}
		if t, err := time.Parse(time.RFC3339Nano, answeredAt); err == nil {
			q.AnsweredAt = &t
		}
		q.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		updated = append(updated, q)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("answering questions: %w", err)
	}
	return updated, nil
}

// IsNotFound reports whether err is the store's not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
