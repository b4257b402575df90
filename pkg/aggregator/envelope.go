// Package aggregator merges events from in-process interception,
// external trace polling and memory polling into a single deduplicated,
// sequence-ordered stream per session. Ordering is this package's
// contract: subscribers receive envelopes already ordered by Seq.
package aggregator

import (
	"fmt"
	"time"
)

// Kind enumerates the event types published on the bus.
type Kind string

const (
	KindSessionStarted   Kind = "session_started"
	KindPhaseStarted     Kind = "phase_started"
	KindWorkerStarted    Kind = "worker_started"
	KindToolCall         Kind = "tool_call"
	KindWorkerCompleted  Kind = "worker_completed"
	KindWorkerFailed     Kind = "worker_failed"
	KindTaskUpdated      Kind = "task_updated"
	KindNoteAdded        Kind = "note_added"
	KindDraftUpdated     Kind = "draft_updated"
	KindQuestionRaised   Kind = "question_raised"
	KindWorkflowPaused   Kind = "workflow_paused"
	KindWorkflowResumed  Kind = "workflow_resumed"
	KindSessionCompleted Kind = "session_completed"
	KindSessionFailed    Kind = "session_failed"
)

// Envelope is the unit published on the aggregation bus. Seq is assigned
// at publish time, not production time, so consumers can detect gaps.
type Envelope struct {
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"eventType"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// SpanKey builds the dedup key for a tool call observed as a span. The
// interceptor and the trace poller both use it, so the same logical call
// collapses to one envelope no matter which source saw it first.
func SpanKey(spanID string) string {
	return "span:" + spanID
}

// EntityKey builds the dedup key for a versioned memory entity, making
// repeated full-state pulls idempotent.
func EntityKey(entity, id string, version int) string {
	return fmt.Sprintf("%s:%s:v%d", entity, id, version)
}
