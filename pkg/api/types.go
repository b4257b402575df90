// Package api defines the wire types of the HTTP surface.
package api

import (
	"github.com/fieldwork-ai/fieldwork/pkg/memory"
	"github.com/fieldwork-ai/fieldwork/pkg/session"
)

// CreateSessionRequest starts a new research session.
type CreateSessionRequest struct {
	Query   string            `json:"query"`
	Context map[string]string `json:"context,omitempty"`
}

// SessionsResponse lists session snapshots.
type SessionsResponse struct {
	Sessions []session.Snapshot `json:"sessions"`
}

// AnswersRequest submits human answers keyed by question id.
type AnswersRequest struct {
	Answers map[string]string `json:"answers"`
}

// AnswersResponse reports which questions were just answered.
type AnswersResponse struct {
	Answered []memory.Question `json:"answered"`
}

// PlanResponse returns the shared-memory checklist.
type PlanResponse struct {
	Tasks []memory.Task `json:"tasks"`
}

// NotesResponse returns the shared notes.
type NotesResponse struct {
	Notes []memory.Note `json:"notes"`
}

// DraftResponse returns the collaborative draft sections.
type DraftResponse struct {
	Sections []memory.Section `json:"sections"`
}

// QuestionsResponse returns the open questions awaiting a human.
type QuestionsResponse struct {
	Questions []memory.Question `json:"questions"`
}
