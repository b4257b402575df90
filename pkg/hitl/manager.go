// Package hitl implements the human-in-the-loop checkpoint machinery:
// deciding when a workflow should pause for human input, snapshotting
// enough state to resume, and the pause/resume state machine itself.
package hitl

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldwork-ai/fieldwork/pkg/aggregator"
	"github.com/fieldwork-ai/fieldwork/pkg/memory"
	"github.com/fieldwork-ai/fieldwork/pkg/session"
)

// State is the workflow control state, distinct from the session's
// user-facing status (which it drives).
type State string

const (
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateResuming  State = "RESUMING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

var (
	// ErrNotPaused means resume was requested while the workflow was not
	// suspended.
	ErrNotPaused = errors.New("workflow is not paused")
	// ErrCheckpointCorrupted means a resume was attempted against a
	// missing or already-consumed checkpoint. Surfaced to the caller as a
	// client error, never as a workflow failure.
	ErrCheckpointCorrupted = errors.New("checkpoint missing or already consumed")
	// ErrTerminal means the workflow already reached a terminal state.
	ErrTerminal = errors.New("workflow already terminal")
)

// Checkpoint is the serializable snapshot taken at pause. Consumed
// exactly once on resume; superseded, never merged, by later
// checkpoints.
type Checkpoint struct {
	ID                 string           `json:"id"`
	SessionID          string           `json:"session_id"`
	Cursor             int              `json:"cursor"`
	PendingQuestionIDs []string         `json:"pending_question_ids"`
	Session            session.Snapshot `json:"session"`
	TakenAt            time.Time        `json:"taken_at"`
}

// Decision is a pause policy verdict.
type Decision struct {
	Pause  bool
	Reason string
}

// PausePolicy decides whether to suspend given the pending questions and
// whether the plan just crossed a phase boundary. The default thresholds
// are representative demo heuristics, not a formally specified policy —
// hence a function, not constants.
type PausePolicy func(pending []memory.Question, atPhaseBoundary bool) Decision

// DefaultPausePolicy pauses on any blocking question, on more than three
// accumulated unanswered questions, or at a phase boundary with anything
// still pending.
func DefaultPausePolicy(pending []memory.Question, atPhaseBoundary bool) Decision {
	for _, q := range pending {
		if q.Priority == memory.PriorityBlocking {
			return Decision{Pause: true, Reason: fmt.Sprintf("blocking question %s unanswered", q.ID)}
		}
	}
	if len(pending) > 3 {
		return Decision{Pause: true, Reason: fmt.Sprintf("%d unanswered questions accumulated", len(pending))}
	}
	if atPhaseBoundary && len(pending) > 0 {
		return Decision{Pause: true, Reason: "phase boundary reached with pending questions"}
	}
	return Decision{}
}

// PausedEvent is the workflow_paused payload.
type PausedEvent struct {
	CheckpointID string            `json:"checkpoint_id"`
	Reason       string            `json:"reason"`
	Pending      []memory.Question `json:"pending_questions"`
}

// ResumedEvent is the workflow_resumed payload.
type ResumedEvent struct {
	CheckpointID string   `json:"checkpoint_id"`
	Cursor       int      `json:"cursor"`
	AnsweredIDs  []string `json:"answered_question_ids,omitempty"`
}

// Manager owns the pause/resume state machine for one session.
type Manager struct {
	mu         sync.Mutex
	state      State
	policy     PausePolicy
	checkpoint *Checkpoint
	consumed   bool

	sess *session.Session
	agg  *aggregator.Aggregator

	// resume wakes the orchestrator's suspended workflow task.
	resume chan int
}

// NewManager starts in RUNNING. A nil policy uses the default.
func NewManager(sess *session.Session, agg *aggregator.Aggregator, policy PausePolicy) *Manager {
	if policy == nil {
		policy = DefaultPausePolicy
	}
	return &Manager{
		state:  StateRunning,
		policy: policy,
		sess:   sess,
		agg:    agg,
		resume: make(chan int, 1),
	}
}

// State returns the current control state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Checkpoint returns the latest checkpoint, if any.
func (m *Manager) Checkpoint() *Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint
}

// ResumeSignal is the channel the orchestrator blocks on while paused;
// it carries the cursor to resume from.
func (m *Manager) ResumeSignal() <-chan int {
	return m.resume
}

// MaybePause consults the policy and, when it fires, snapshots a
// checkpoint, suspends the session and emits workflow_paused. Returns
// whether the workflow is now paused.
func (m *Manager) MaybePause(pending []memory.Question, cursor int, atPhaseBoundary bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return m.state == StatePaused
	}

	decision := m.policy(pending, atPhaseBoundary)
	if !decision.Pause {
		return false
	}

	ids := make([]string, 0, len(pending))
	for _, q := range pending {
		ids = append(ids, q.ID)
	}

	cp := &Checkpoint{
		ID:                 uuid.New().String(),
		SessionID:          m.sess.ID,
		Cursor:             cursor,
		PendingQuestionIDs: ids,
		Session:            m.sess.Snapshot(),
		TakenAt:            time.Now().UTC(),
	}
	m.checkpoint = cp
	m.consumed = false
	m.state = StatePaused

	if err := m.sess.MarkWaitingInput(); err != nil {
		slog.Warn("Pause transition rejected by session", "session_id", m.sess.ID, "error", err)
	}

	slog.Info("Workflow paused", "session_id", m.sess.ID, "checkpoint_id", cp.ID, "reason", decision.Reason)
	m.agg.Publish(aggregator.KindWorkflowPaused, PausedEvent{
		CheckpointID: cp.ID,
		Reason:       decision.Reason,
		Pending:      pending,
	}, "")
	return true
}

// Resume consumes the checkpoint and hands control back to the
// orchestrator at the checkpointed cursor. answeredIDs are the questions
// the human just resolved; they are reported on the resumed event.
func (m *Manager) Resume(answeredIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StatePaused:
	case StateCompleted, StateFailed:
		return 0, ErrTerminal
	default:
		return 0, ErrNotPaused
	}
	if m.checkpoint == nil || m.consumed {
		return 0, ErrCheckpointCorrupted
	}

	cp := m.checkpoint
	m.consumed = true
	m.state = StateResuming

	// A paused session never resumes straight into a terminal state: it
	// always re-enters running first.
	if err := m.sess.MarkRunning(); err != nil {
		m.state = StatePaused
		m.consumed = false
		return 0, err
	}
	m.state = StateRunning

	slog.Info("Workflow resumed", "session_id", m.sess.ID, "checkpoint_id", cp.ID, "cursor", cp.Cursor)
	m.agg.Publish(aggregator.KindWorkflowResumed, ResumedEvent{
		CheckpointID: cp.ID,
		Cursor:       cp.Cursor,
		AnsweredIDs:  answeredIDs,
	}, "")

	select {
	case m.resume <- cp.Cursor:
	default:
	}
	return cp.Cursor, nil
}

// Complete transitions RUNNING -> COMPLETED.
func (m *Manager) Complete() error {
	return m.terminal(StateCompleted)
}

// Fail transitions RUNNING -> FAILED.
func (m *Manager) Fail() error {
	return m.terminal(StateFailed)
}

func (m *Manager) terminal(target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return fmt.Errorf("cannot transition to %s from %s", target, m.state)
	}
	m.state = target
	return nil
}
