package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldwork-ai/fieldwork/pkg/aggregator"
	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
	"github.com/fieldwork-ai/fieldwork/pkg/hitl"
	"github.com/fieldwork-ai/fieldwork/pkg/memory"
	"github.com/fieldwork-ai/fieldwork/pkg/session"
	"github.com/fieldwork-ai/fieldwork/pkg/worker"
)

// errIsolationAbort marks the one failure class that kills the whole
// session instead of degrading it.
var errIsolationAbort = errors.New("session isolation violation")

// execute walks the phase sequence to completion, failure or abort. It
// runs on its own goroutine; all outcomes are reported through the
// session state and the event stream.
func (o *Orchestrator) execute(ctx context.Context, r *run) {
	sess := r.sess
	logger := slog.With("session_id", sess.ID)

	defer o.finish(r)

	if err := sess.MarkRunning(); err != nil {
		logger.Error("Session could not start", "error", err)
		return
	}
	r.agg.Publish(aggregator.KindSessionStarted, sess.Snapshot(), "")

	if err := o.buildPlan(ctx, r); err != nil {
		o.fail(r, fmt.Sprintf("building plan: %v", err))
		return
	}

	// Only running time counts against the budget; the clock stops while
	// paused for a human.
	remaining := o.workflowTimeout

	for cursor := 0; cursor < len(Phases); cursor++ {
		phase := Phases[cursor]
		r.setCursor(cursor)

		workers := o.workersFor(phase)
		if len(workers) == 0 {
			continue
		}

		r.agg.Publish(aggregator.KindPhaseStarted, map[string]any{
			"phase":  phase,
			"cursor": cursor,
		}, "")
		logger.Info("Phase started", "phase", phase, "workers", len(workers))

		phaseStart := time.Now()
		phaseCtx, cancel := context.WithTimeout(ctx, remaining)
		err := o.runPhase(phaseCtx, r, phase, workers)
		cancel()
		remaining -= time.Since(phaseStart)

		if errors.Is(err, errIsolationAbort) {
			o.fail(r, "worker attempted to act outside its session scope")
			return
		}
		if ctx.Err() != nil {
			o.fail(r, "workflow cancelled")
			return
		}
		if remaining <= 0 {
			o.fail(r, fmt.Sprintf("workflow exceeded %s budget in phase %s", o.workflowTimeout, phase))
			return
		}

		if !o.checkpointBoundary(ctx, r, cursor+1) {
			o.fail(r, "workflow cancelled while paused")
			return
		}
	}

	o.complete(ctx, r)
}

// buildPlan derives the checklist from the team registration and mirrors
// it into shared memory so workers and pollers see the same plan.
func (o *Orchestrator) buildPlan(ctx context.Context, r *run) error {
	handle, err := o.scoper.Scope(r.sess.ID, "orchestrator")
	if err != nil {
		return err
	}

	var tasks []memory.Task
	for _, phase := range Phases {
		for _, w := range o.workersFor(phase) {
			tasks = append(tasks, memory.Task{
				Description: fmt.Sprintf("%s research via %s", phase, w.Name),
				Worker:      w.Name,
				Status:      memory.TaskPending,
			})
		}
	}
	stored, err := o.mem.AddTasks(ctx, handle, tasks)
	if err != nil {
		return err
	}

	checklist := make([]session.ChecklistTask, 0, len(stored))
	for _, t := range stored {
		r.taskIDs[t.Worker] = t.ID
		checklist = append(checklist, session.ChecklistTask{
			ID:          t.ID,
			Description: t.Description,
			Worker:      t.Worker,
			Status:      t.Status,
		})
	}
	r.sess.SetChecklist(checklist)
	return nil
}

func (o *Orchestrator) workersFor(phase string) []worker.Worker {
	var out []worker.Worker
	for _, w := range o.team {
		if w.Phase == phase {
			out = append(out, w)
		}
	}
	return out
}

// runPhase fans the phase's workers out concurrently. A worker failure
// degrades the plan (task skipped, workflow continues); an isolation
// violation aborts everything.
func (o *Orchestrator) runPhase(ctx context.Context, r *run, phase string, workers []worker.Worker) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(o.maxConcurrency)

	for _, w := range workers {
		group.Go(func() error {
			return o.runWorker(ctx, r, phase, w)
		})
	}
	return group.Wait()
}

func (o *Orchestrator) runWorker(ctx context.Context, r *run, phase string, w worker.Worker) error {
	sess := r.sess
	sess.SetCurrentWorker(w.Name)
	o.updateTask(ctx, r, w.Name, memory.TaskInProgress, "")

	r.agg.Publish(aggregator.KindWorkerStarted, map[string]any{
		"worker": w.Name,
		"phase":  phase,
	}, "")

	handle, err := o.scoper.Scope(sess.ID, w.Name)
	if err != nil {
		return fmt.Errorf("scoping credentials for %s: %w", w.Name, err)
	}

	task := worker.TaskDescription{
		Query:        o.taskQuery(sess, phase, w),
		ContextHints: sess.Snapshot().Context,
	}

	result, err := r.invoker.Invoke(ctx, w, task, handle)
	if err != nil {
		var werr *worker.Error
		if errors.As(err, &werr) && werr.Kind == worker.ErrIsolation {
			r.agg.Publish(aggregator.KindWorkerFailed, map[string]any{
				"worker": w.Name,
				"phase":  phase,
				"error":  werr.Message,
			}, "")
			return fmt.Errorf("%w: worker %s", errIsolationAbort, w.Name)
		}

		slog.Warn("Worker failed, continuing degraded", "session_id", sess.ID, "worker", w.Name, "error", err)
		r.agg.Publish(aggregator.KindWorkerFailed, map[string]any{
			"worker": w.Name,
			"phase":  phase,
			"error":  err.Error(),
		}, "")
		o.updateTask(ctx, r, w.Name, memory.TaskSkipped, err.Error())
		return nil
	}

	r.agg.Publish(aggregator.KindWorkerCompleted, map[string]any{
		"worker":            w.Name,
		"phase":             phase,
		"execution_time_ms": result.ExecutionTime.Milliseconds(),
	}, "")
	o.updateTask(ctx, r, w.Name, memory.TaskCompleted, "")
	o.recordFindings(ctx, r, phase, w, handle, result.Content)
	return nil
}

// taskQuery frames the session query for one worker's slice of the
// research.
func (o *Orchestrator) taskQuery(sess *session.Session, phase string, w worker.Worker) string {
	if phase == PhaseSynthesis {
		return fmt.Sprintf("Synthesize the shared research notes and draft into a final report answering: %s", sess.Query)
	}
	return fmt.Sprintf("Research the %s aspects of: %s", phase, sess.Query)
}

// recordFindings writes the worker's output back into shared memory
// under the worker's own credential, so the memory poller and the draft
// pipeline observe it the same way they would a self-reporting worker.
func (o *Orchestrator) recordFindings(ctx context.Context, r *run, phase string, w worker.Worker, handle credentials.Handle, content string) {
	if content == "" {
		return
	}
	if phase == PhaseSynthesis {
		r.setReport(content)
		if _, err := o.mem.WriteDraftSection(ctx, handle, "Final Report", content); err != nil {
			slog.Warn("Recording final report failed", "session_id", r.sess.ID, "error", err)
		}
		return
	}
	if _, err := o.mem.AddNote(ctx, handle, content); err != nil {
		slog.Warn("Recording findings failed", "session_id", r.sess.ID, "worker", w.Name, "error", err)
	}
}

// updateTask transitions a plan task in both shared memory and the
// session checklist.
func (o *Orchestrator) updateTask(ctx context.Context, r *run, workerName string, status memory.TaskStatus, notes string) {
	taskID, ok := r.taskIDs[workerName]
	if !ok {
		return
	}
	r.sess.UpdateChecklistTask(taskID, status, notes)

	handle, err := o.scoper.Scope(r.sess.ID, "orchestrator")
	if err != nil {
		return
	}
	if _, err := o.mem.UpdateTask(ctx, handle, taskID, status, notes); err != nil {
		slog.Warn("Plan task update failed", "session_id", r.sess.ID, "task_id", taskID, "error", err)
	}
}

// checkpointBoundary runs the phase-boundary pause check and, when
// paused, blocks until resume or cancellation. Returns false only on
// cancellation.
func (o *Orchestrator) checkpointBoundary(ctx context.Context, r *run, nextCursor int) bool {
	pending, err := o.PendingQuestions(ctx, r.sess.ID)
	if err != nil {
		slog.Warn("Boundary question check failed", "session_id", r.sess.ID, "error", err)
		pending = nil
	}
	r.sess.SetQuestions(pending)

	if !r.manager.MaybePause(pending, nextCursor, true) {
		return true
	}
	r.setPollersPaused(true)

	// Stale resume signals from an earlier pause can linger in the
	// buffer; the state check filters them out.
	for r.manager.State() == hitl.StatePaused {
		select {
		case <-r.manager.ResumeSignal():
		case <-ctx.Done():
			return false
		}
	}
	r.setPollersPaused(false)
	return true
}

// complete runs the final reconciliation passes and closes the session
// out.
func (o *Orchestrator) complete(ctx context.Context, r *run) {
	sess := r.sess

	// Late spans and memory writes get one last pull before the stream
	// closes.
	r.tracePoller.Poll(ctx)
	r.memoryPoller.Poll(ctx)

	report := r.report()
	if report == "" {
		report = o.reportFromDraft(ctx, r)
	}
	if skipped := skippedWorkers(sess.Snapshot().Checklist); len(skipped) > 0 && report != "" {
		report += fmt.Sprintf("\n\nResearch gaps: no findings from %s.", strings.Join(skipped, ", "))
	}

	if err := sess.MarkCompleted(report); err != nil {
		slog.Error("Completion transition failed", "session_id", sess.ID, "error", err)
		o.fail(r, err.Error())
		return
	}
	if err := r.manager.Complete(); err != nil {
		slog.Warn("Checkpoint manager completion out of step", "session_id", sess.ID, "error", err)
	}

	sess.SetDroppedEvents(r.agg.Dropped())
	r.agg.Publish(aggregator.KindSessionCompleted, sess.Snapshot(), "")
	slog.Info("Session completed", "session_id", sess.ID, "dropped_events", r.agg.Dropped())
}

// reportFromDraft assembles a fallback report from the shared draft when
// no synthesis worker produced one.
func (o *Orchestrator) reportFromDraft(ctx context.Context, r *run) string {
	sections, err := o.Draft(ctx, r.sess.ID)
	if err != nil || len(sections) == 0 {
		return ""
	}
	var b strings.Builder
	for _, sec := range sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", sec.Title, sec.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// skippedWorkers lists the workers whose tasks were dropped during the
// run, so the report can name its gaps.
func skippedWorkers(checklist []session.ChecklistTask) []string {
	var names []string
	for _, task := range checklist {
		if task.Status == memory.TaskSkipped {
			names = append(names, task.Worker)
		}
	}
	return names
}

func (o *Orchestrator) fail(r *run, msg string) {
	sess := r.sess
	if err := sess.MarkFailed(msg); err != nil {
		slog.Error("Failure transition rejected", "session_id", sess.ID, "error", err)
	}
	if err := r.manager.Fail(); err != nil {
		slog.Debug("Checkpoint manager already out of running", "session_id", sess.ID, "error", err)
	}
	sess.SetDroppedEvents(r.agg.Dropped())
	r.agg.Publish(aggregator.KindSessionFailed, map[string]any{
		"error":    msg,
		"snapshot": sess.Snapshot(),
	}, "")
	slog.Error("Session failed", "session_id", sess.ID, "error", msg)
}

// finish tears the run down: pollers stop, the stream drains and the run
// is deregistered. The session itself stays in the store for inspection.
func (o *Orchestrator) finish(r *run) {
	r.cancel()

	drainCtx, cancel := context.WithTimeout(context.Background(), aggregator.DrainTimeout)
	defer cancel()
	r.agg.Close(drainCtx)

	o.mu.Lock()
	delete(o.runs, r.sess.ID)
	o.mu.Unlock()
}

func (r *run) report() string {
	r.reportMu.Lock()
	defer r.reportMu.Unlock()
	return r.finalReport
}

func (r *run) setReport(content string) {
	r.reportMu.Lock()
	defer r.reportMu.Unlock()
	r.finalReport = content
}
