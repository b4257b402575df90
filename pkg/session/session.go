// Package session holds the per-run workflow state: one session per user
// query, an ordered checklist of phase tasks, the open questions and the
// final report. Sessions are owned by the orchestrator and mutated only
// through their transition methods.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldwork-ai/fieldwork/pkg/memory"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusCreated      Status = "created"
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition is returned for lifecycle moves the state machine
// does not allow (e.g. resuming straight into a terminal state).
var ErrInvalidTransition = errors.New("invalid session transition")

// ChecklistTask is one entry in the session's phase plan. Tasks are never
// deleted, only transitioned.
type ChecklistTask struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Worker      string            `json:"worker"`
	Status      memory.TaskStatus `json:"status"`
	Notes       string            `json:"notes,omitempty"`
}

// Session is one end-to-end run of the research workflow.
//
// All fields are guarded by mu; mutate through the methods below.
type Session struct {
	mu sync.RWMutex

	ID            string
	Query         string
	Context       map[string]string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CurrentWorker string
	Checklist     []ChecklistTask
	Questions     []memory.Question
	FinalReport   string
	Err           string

	// DroppedEvents mirrors the aggregator's overflow counter for
	// operational monitoring on snapshots.
	DroppedEvents uint64
}

// New creates a session in the created state.
func New(query string, contextHints map[string]string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New().String(),
		Query:     query,
		Context:   contextHints,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Session) touch() { s.UpdatedAt = time.Now().UTC() }

// MarkRunning moves created or waiting_input to running.
func (s *Session) MarkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.Status {
	case StatusCreated, StatusWaitingInput, StatusRunning:
		s.Status = StatusRunning
		s.touch()
		return nil
	default:
		return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, s.Status)
	}
}

// MarkWaitingInput suspends a running session awaiting a human answer.
func (s *Session) MarkWaitingInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> waiting_input", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusWaitingInput
	s.touch()
	return nil
}

// MarkCompleted is only reachable from running: a paused session must
// re-enter running before it can finish.
func (s *Session) MarkCompleted(finalReport string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusCompleted
	s.FinalReport = finalReport
	s.touch()
	return nil
}

// MarkFailed transitions to the failed terminal state.
func (s *Session) MarkFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusFailed
	s.Err = errMsg
	s.touch()
	return nil
}

// SetCurrentWorker records which worker the orchestrator is on.
func (s *Session) SetCurrentWorker(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentWorker = name
	s.touch()
}

// SetChecklist installs the derived plan.
func (s *Session) SetChecklist(tasks []ChecklistTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Checklist = tasks
	s.touch()
}

// UpdateChecklistTask transitions one checklist entry.
func (s *Session) UpdateChecklistTask(id string, status memory.TaskStatus, notes string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Checklist {
		if s.Checklist[i].ID == id {
			s.Checklist[i].Status = status
			if notes != "" {
				s.Checklist[i].Notes = notes
			}
			s.touch()
			return true
		}
	}
	return false
}

// SetQuestions replaces the observed question list. Reconciliation is by
// full replacement; the memory service is the source of truth.
func (s *Session) SetQuestions(questions []memory.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Questions = questions
	s.touch()
}

// SetDroppedEvents records the aggregator overflow counter.
func (s *Session) SetDroppedEvents(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DroppedEvents = n
}

// Snapshot is a consistent, copyable view of a session.
type Snapshot struct {
	ID            string            `json:"id"`
	Query         string            `json:"query"`
	Context       map[string]string `json:"context,omitempty"`
	Status        Status            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CurrentWorker string            `json:"current_worker,omitempty"`
	Checklist     []ChecklistTask   `json:"checklist"`
	Questions     []memory.Question `json:"questions"`
	FinalReport   string            `json:"final_report,omitempty"`
	Err           string            `json:"error,omitempty"`
	DroppedEvents uint64            `json:"dropped_events"`
}

// Snapshot returns a deep copy safe to serialize while the workflow keeps
// running.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ID:            s.ID,
		Query:         s.Query,
		Status:        s.Status,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		CurrentWorker: s.CurrentWorker,
		FinalReport:   s.FinalReport,
		Err:           s.Err,
		DroppedEvents: s.DroppedEvents,
		Checklist:     make([]ChecklistTask, len(s.Checklist)),
		Questions:     make([]memory.Question, len(s.Questions)),
	}
	copy(snap.Checklist, s.Checklist)
	copy(snap.Questions, s.Questions)
	if s.Context != nil {
		snap.Context = make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			snap.Context[k] = v
		}
	}
	return snap
}

// CurrentStatus returns the status under the read lock.
func (s *Session) CurrentStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}
