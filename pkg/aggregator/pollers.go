package aggregator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
	"github.com/fieldwork-ai/fieldwork/pkg/memory"
	"github.com/fieldwork-ai/fieldwork/pkg/telemetry"
)

// Poll intervals. The trace path has inherent ingestion lag (empirically
// 2-5s); consumers must not assume sub-second delivery for that class of
// event.
const (
	TracePollInterval  = 2 * time.Second
	MemoryPollInterval = 5 * time.Second
)

// TracePoller periodically queries an external observability store for
// spans correlated to the session, covering tool calls that execute
// entirely inside a remote provider and are invisible to in-process
// interception.
type TracePoller struct {
	reader        telemetry.SpanReader
	agg           *Aggregator
	correlationID string
	interval      time.Duration
	paused        atomic.Bool
}

// NewTracePoller creates a poller for one session's correlation id.
func NewTracePoller(reader telemetry.SpanReader, agg *Aggregator, correlationID string) *TracePoller {
	return &TracePoller{
		reader:        reader,
		agg:           agg,
		correlationID: correlationID,
		interval:      TracePollInterval,
	}
}

// SetPaused throttles the poller while the session is paused; polling
// for a suspended workflow is wasted work.
func (p *TracePoller) SetPaused(paused bool) {
	p.paused.Store(paused)
}

// Run polls until ctx is cancelled.
func (p *TracePoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.paused.Load() {
				continue
			}
			p.poll(ctx)
		}
	}
}

// Poll runs one reconciliation pass. Exported so the orchestrator can
// force a final pass before the session closes.
func (p *TracePoller) Poll(ctx context.Context) {
	p.poll(ctx)
}

func (p *TracePoller) poll(ctx context.Context) {
	spans, err := p.reader.SpansByCorrelation(ctx, p.correlationID)
	if err != nil {
		slog.Warn("Trace poll failed", "correlation_id", p.correlationID, "error", err)
		return
	}
	for _, span := range spans {
		// Same key the interceptor uses, so a call observed by both
		// sources yields exactly one envelope.
		p.agg.Publish(KindToolCall, span, SpanKey(span.SpanID))
	}
}

// QuestionObserver is notified with the full pending-question list after
// each memory poll. The orchestrator uses it to drive pause decisions.
type QuestionObserver func(questions []memory.Question)

// MemoryPoller reconciles shared-memory state (plan, notes, draft,
// questions) by periodic full pull with natural-key upsert, for
// deployments where the memory service cannot push notifications.
type MemoryPoller struct {
	svc      memory.Service
	agg      *Aggregator
	scope    func() (credentials.Handle, error)
	observer QuestionObserver
	interval time.Duration
	paused   atomic.Bool
}

// NewMemoryPoller creates a poller. scope must mint a fresh credential
// handle per pull; handles are too short-lived to store.
func NewMemoryPoller(svc memory.Service, agg *Aggregator, scope func() (credentials.Handle, error), observer QuestionObserver) *MemoryPoller {
	return &MemoryPoller{
		svc:      svc,
		agg:      agg,
		scope:    scope,
		observer: observer,
		interval: MemoryPollInterval,
	}
}

// SetPaused throttles full-state pulls while the session is paused.
// Question polling continues: answers are what un-pause the session.
func (p *MemoryPoller) SetPaused(paused bool) {
	p.paused.Store(paused)
}

// Run polls until ctx is cancelled.
func (p *MemoryPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one reconciliation pass. Repeated pulls are idempotent: the
// aggregator's entity-version dedup keys collapse unchanged state.
func (p *MemoryPoller) Poll(ctx context.Context) {
	handle, err := p.scope()
	if err != nil {
		slog.Warn("Memory poll could not scope credentials", "error", err)
		return
	}

	if !p.paused.Load() {
		if tasks, err := p.svc.ReadPlan(ctx, handle); err == nil {
			for _, t := range tasks {
				p.agg.Publish(KindTaskUpdated, t, EntityKey("task", t.ID, t.Version))
			}
		}
		if notes, err := p.svc.ReadNotes(ctx, handle); err == nil {
			for _, n := range notes {
				p.agg.Publish(KindNoteAdded, n, EntityKey("note", n.ID, 1))
			}
		}
		if sections, err := p.svc.ReadDraft(ctx, handle); err == nil {
			for _, s := range sections {
				p.agg.Publish(KindDraftUpdated, s, EntityKey("section", s.ID, s.Version))
			}
		}
	}

	questions, err := p.svc.PendingQuestions(ctx, handle)
	if err != nil {
		slog.Warn("Memory poll failed reading questions", "error", err)
		return
	}
	for _, q := range questions {
		p.agg.Publish(KindQuestionRaised, q, EntityKey("question", q.ID, 1))
	}
	if p.observer != nil {
		p.observer(questions)
	}
}
