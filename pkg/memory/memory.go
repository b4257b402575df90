// Package memory is the typed client boundary for the collaborative
// memory service all workers and the orchestrator share: notes, draft
// sections, plan tasks and the question queue. Every call carries a
// session credential handle; rows are scoped by the handle's session tag.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
)

var (
	ErrNotFound = errors.New("memory: entity not found")
	// ErrQuestionAnswered enforces question immutability: once answered,
	// an answer can never be rewritten.
	ErrQuestionAnswered = errors.New("memory: question already answered")
	// ErrEmptyAnswer rejects blank answers, which would otherwise mark a
	// question answered with nothing in it.
	ErrEmptyAnswer = errors.New("memory: answer cannot be empty")
	// ErrIsolation is returned when a call presents a handle whose token
	// does not verify or whose session tag does not match its claims.
	ErrIsolation = errors.New("memory: session isolation violation")
)

// Note is a free-form finding shared between workers.
type Note struct {
	ID         string    `json:"id"`
	SessionTag string    `json:"-"`
	Author     string    `json:"author"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Section is one titled part of the collaborative draft report. Sections
// are upserted by natural key (session tag, title); Version counts writes
// so pollers can reconcile idempotently.
type Section struct {
	ID         string    `json:"id"`
	SessionTag string    `json:"-"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Author     string    `json:"author"`
	Version    int       `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TaskStatus is the lifecycle of a plan task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskSkipped    TaskStatus = "skipped"
)

// Task is one checklist entry in the shared plan. Tasks are never
// deleted, only transitioned.
type Task struct {
	ID          string     `json:"id"`
	SessionTag  string     `json:"-"`
	Description string     `json:"description"`
	Worker      string     `json:"worker"`
	Status      TaskStatus `json:"status"`
	Notes       string     `json:"notes,omitempty"`
	Version     int        `json:"version"`
}

// Priority ranks how urgently a question needs a human answer.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityBlocking Priority = "blocking"
)

// Question is raised by a worker for the human. Append-only; immutable
// once answered.
type Question struct {
	ID         string     `json:"id"`
	SessionTag string     `json:"-"`
	Text       string     `json:"text"`
	Context    string     `json:"context,omitempty"`
	Worker     string     `json:"worker"`
	Priority   Priority   `json:"priority"`
	Options    []string   `json:"options,omitempty"`
	Answer     string     `json:"answer,omitempty"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Answered reports whether the question has received its (final) answer.
func (q Question) Answered() bool { return q.AnsweredAt != nil }

// Service is the shared-memory API. Implementations verify the handle
// token and scope every row by the verified session tag; the tag inside
// the handle struct is advisory and cross-checked against the claims.
type Service interface {
	AddNote(ctx context.Context, h credentials.Handle, content string) (Note, error)
	ReadNotes(ctx context.Context, h credentials.Handle) ([]Note, error)

	WriteDraftSection(ctx context.Context, h credentials.Handle, title, content string) (Section, error)
	ReadDraft(ctx context.Context, h credentials.Handle) ([]Section, error)

	AddTasks(ctx context.Context, h credentials.Handle, tasks []Task) ([]Task, error)
	UpdateTask(ctx context.Context, h credentials.Handle, id string, status TaskStatus, notes string) (Task, error)
	ReadPlan(ctx context.Context, h credentials.Handle) ([]Task, error)

	AddQuestion(ctx context.Context, h credentials.Handle, q Question) (Question, error)
	PendingQuestions(ctx context.Context, h credentials.Handle) ([]Question, error)
	SubmitAnswers(ctx context.Context, h credentials.Handle, answers map[string]string) ([]Question, error)
}
