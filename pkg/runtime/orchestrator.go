// Package runtime drives the research workflow: it owns session
// lifecycles, walks the fixed phase sequence, fans worker invocations
// out per phase, and stitches together credentials, invocation,
// aggregation and the pause/resume machinery.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fieldwork-ai/fieldwork/pkg/aggregator"
	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
	"github.com/fieldwork-ai/fieldwork/pkg/hitl"
	"github.com/fieldwork-ai/fieldwork/pkg/invoke"
	"github.com/fieldwork-ai/fieldwork/pkg/memory"
	"github.com/fieldwork-ai/fieldwork/pkg/session"
	"github.com/fieldwork-ai/fieldwork/pkg/telemetry"
	"github.com/fieldwork-ai/fieldwork/pkg/worker"
)

// Phases is the fixed research sequence. Synthesis always runs last and
// consumes everything the earlier phases wrote to shared memory.
var Phases = []string{
	PhaseMarket,
	PhaseCompetitor,
	PhaseLocation,
	PhaseFinance,
	PhaseSynthesis,
}

const (
	PhaseMarket     = "market"
	PhaseCompetitor = "competitor"
	PhaseLocation   = "location"
	PhaseFinance    = "finance"
	PhaseSynthesis  = "synthesis"
)

// WorkflowTimeout bounds cumulative running time for one session. Time
// spent paused waiting for a human does not count against it.
const WorkflowTimeout = 5 * time.Minute

// DefaultMaxConcurrency caps parallel worker invocations within a phase.
const DefaultMaxConcurrency = 5

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrAlreadyStarted is returned when start is requested twice.
var ErrAlreadyStarted = errors.New("session already started")

// Orchestrator owns every active workflow in the process.
type Orchestrator struct {
	store   session.Store
	mem     memory.Service
	scoper  *credentials.Scoper
	invoker invoke.Invoker
	tracer  trace.Tracer
	reader  telemetry.SpanReader

	team            []worker.Worker
	policy          hitl.PausePolicy
	workflowTimeout time.Duration
	maxConcurrency  int
	eventCapacity   int

	mu   sync.Mutex
	runs map[string]*run
}

// run bundles everything live for one started session.
type run struct {
	sess    *session.Session
	agg     *aggregator.Aggregator
	manager *hitl.Manager
	invoker invoke.Invoker
	cancel  context.CancelFunc
	done    chan struct{}

	tracePoller  *aggregator.TracePoller
	memoryPoller *aggregator.MemoryPoller

	// cursor is the phase index the workflow is currently on, read by the
	// memory poller's question observer for mid-phase pause decisions.
	cursorMu sync.Mutex
	cursor   int

	// taskIDs maps worker name to its shared-memory plan task.
	taskIDs map[string]string

	// finalReport captures the synthesis worker's output.
	reportMu    sync.Mutex
	finalReport string
}

func (r *run) setCursor(c int) {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	r.cursor = c
}

func (r *run) currentCursor() int {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	return r.cursor
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithPausePolicy overrides the default checkpoint policy.
func WithPausePolicy(p hitl.PausePolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithWorkflowTimeout overrides the cumulative running-time budget.
func WithWorkflowTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.workflowTimeout = d }
}

// WithMaxConcurrency overrides the per-phase worker fan-out limit.
func WithMaxConcurrency(n int) Option {
	return func(o *Orchestrator) { o.maxConcurrency = n }
}

// WithEventCapacity overrides the per-subscriber event buffer size.
func WithEventCapacity(n int) Option {
	return func(o *Orchestrator) { o.eventCapacity = n }
}

// New creates an orchestrator over a static team registration.
func New(store session.Store, mem memory.Service, scoper *credentials.Scoper, invoker invoke.Invoker, tracer trace.Tracer, reader telemetry.SpanReader, team []worker.Worker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           store,
		mem:             mem,
		scoper:          scoper,
		invoker:         invoker,
		tracer:          tracer,
		reader:          reader,
		team:            team,
		workflowTimeout: WorkflowTimeout,
		maxConcurrency:  DefaultMaxConcurrency,
		runs:            make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateSession registers a new session in the created state.
func (o *Orchestrator) CreateSession(ctx context.Context, query string, contextHints map[string]string) (*session.Session, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	sess := session.New(query, contextHints)
	if err := o.store.AddSession(ctx, sess); err != nil {
		return nil, err
	}
	slog.Info("Session created", "session_id", sess.ID)
	return sess, nil
}

// GetSession returns the live session.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	o.refreshDropped(sess)
	return sess, nil
}

// ListSessions returns all known sessions.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]*session.Session, error) {
	sessions, err := o.store.GetSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		o.refreshDropped(sess)
	}
	return sessions, nil
}

// refreshDropped copies the live overflow count onto the session, so
// mid-run snapshots report drops as they happen rather than only once
// the run finishes.
func (o *Orchestrator) refreshDropped(sess *session.Session) {
	o.mu.Lock()
	r := o.runs[sess.ID]
	o.mu.Unlock()
	if r != nil {
		sess.SetDroppedEvents(r.agg.Dropped())
	}
}

// DeleteSession cancels any active run and removes the session.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	o.mu.Lock()
	r := o.runs[id]
	delete(o.runs, id)
	o.mu.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
	}
	if err := o.store.DeleteSession(ctx, id); err != nil {
		return ErrSessionNotFound
	}
	return nil
}

// StartSession launches the workflow for a created session and returns
// the caller's event subscription. The subscription attaches before the
// workflow goroutine starts, so even an instantly-finishing workflow
// cannot publish past it; additional consumers attach through Subscribe.
func (o *Orchestrator) StartSession(ctx context.Context, id string) (<-chan aggregator.Envelope, func(), error) {
	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return nil, nil, ErrSessionNotFound
	}
	if sess.CurrentStatus().Terminal() {
		return nil, nil, fmt.Errorf("%w: session is %s", session.ErrInvalidTransition, sess.CurrentStatus())
	}

	// The workflow outlives the start request; detach from its context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	o.mu.Lock()
	if _, running := o.runs[id]; running {
		o.mu.Unlock()
		cancel()
		return nil, nil, ErrAlreadyStarted
	}
	r := o.newRun(sess)
	r.cancel = cancel
	o.runs[id] = r
	o.mu.Unlock()

	events, unsubscribe := r.agg.Subscribe()

	go r.tracePoller.Run(runCtx)
	go r.memoryPoller.Run(runCtx)
	go func() {
		defer close(r.done)
		defer cancel()
		o.execute(runCtx, r)
	}()
	return events, unsubscribe, nil
}

func (o *Orchestrator) newRun(sess *session.Session) *run {
	agg := aggregator.New(sess.ID, o.eventCapacity)
	manager := hitl.NewManager(sess, agg, o.policy)

	r := &run{
		sess:    sess,
		agg:     agg,
		manager: manager,
		done:    make(chan struct{}),
		taskIDs: make(map[string]string),
	}
	r.invoker = invoke.NewIntercepted(o.invoker, o.tracer, agg, sess.ID)
	r.tracePoller = aggregator.NewTracePoller(o.reader, agg, sess.ID)
	r.memoryPoller = aggregator.NewMemoryPoller(o.mem, agg, func() (credentials.Handle, error) {
		return o.scoper.Scope(sess.ID, "observer")
	}, func(questions []memory.Question) {
		sess.SetQuestions(questions)
		if r.manager.MaybePause(questions, r.currentCursor(), false) {
			r.setPollersPaused(true)
		}
	})
	return r
}

func (r *run) setPollersPaused(paused bool) {
	r.tracePoller.SetPaused(paused)
	r.memoryPoller.SetPaused(paused)
}

// Subscribe attaches an event consumer to a started session's stream.
func (o *Orchestrator) Subscribe(id string) (<-chan aggregator.Envelope, func(), error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	ch, cancel := r.agg.Subscribe()
	return ch, cancel, nil
}

// SubmitAnswers records human answers in shared memory and, when the
// workflow is paused, consumes the checkpoint and resumes it.
func (o *Orchestrator) SubmitAnswers(ctx context.Context, id string, answers map[string]string) ([]memory.Question, error) {
	if _, err := o.store.GetSession(ctx, id); err != nil {
		return nil, ErrSessionNotFound
	}
	if len(answers) == 0 {
		return nil, fmt.Errorf("no answers submitted")
	}

	handle, err := o.scoper.Scope(id, "human")
	if err != nil {
		return nil, err
	}
	answered, err := o.mem.SubmitAnswers(ctx, handle, answers)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	r := o.runs[id]
	o.mu.Unlock()
	if r != nil && r.manager.State() == hitl.StatePaused {
		ids := make([]string, 0, len(answered))
		for _, q := range answered {
			ids = append(ids, q.ID)
		}
		if _, err := r.manager.Resume(ids); err != nil {
			return answered, err
		}
		r.setPollersPaused(false)
	}
	return answered, nil
}

// memoryHandle scopes an observer handle for read access. Used by the
// HTTP layer to serve plan, notes and draft snapshots.
func (o *Orchestrator) memoryHandle(ctx context.Context, id string) (credentials.Handle, error) {
	if _, err := o.store.GetSession(ctx, id); err != nil {
		return credentials.Handle{}, ErrSessionNotFound
	}
	return o.scoper.Scope(id, "observer")
}

// Plan returns the session's shared-memory checklist.
func (o *Orchestrator) Plan(ctx context.Context, id string) ([]memory.Task, error) {
	handle, err := o.memoryHandle(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.mem.ReadPlan(ctx, handle)
}

// Notes returns the session's shared notes.
func (o *Orchestrator) Notes(ctx context.Context, id string) ([]memory.Note, error) {
	handle, err := o.memoryHandle(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.mem.ReadNotes(ctx, handle)
}

// Draft returns the session's collaborative draft sections.
func (o *Orchestrator) Draft(ctx context.Context, id string) ([]memory.Section, error) {
	handle, err := o.memoryHandle(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.mem.ReadDraft(ctx, handle)
}

// PendingQuestions returns the open questions for a session.
func (o *Orchestrator) PendingQuestions(ctx context.Context, id string) ([]memory.Question, error) {
	handle, err := o.memoryHandle(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.mem.PendingQuestions(ctx, handle)
}

// Stop cancels every active run and waits for them to wind down.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		<-r.done
	}
}
