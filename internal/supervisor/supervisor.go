// Package supervisor drives a claimed Run through its three phases (bundle,
// execute, extract), renewing its lease and watching for cancellation along
// the way, per spec.md §4.5. Supervisor never claims or polls the store
// itself; the worker loop in cmd/aonp-worker hands it one claimed Run at a
// time.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/aonp/internal/aonperr"
	"github.com/antigravity-dev/aonp/internal/bundle"
	"github.com/antigravity-dev/aonp/internal/clock"
	"github.com/antigravity-dev/aonp/internal/eventbus"
	"github.com/antigravity-dev/aonp/internal/executor"
	"github.com/antigravity-dev/aonp/internal/extractor"
	"github.com/antigravity-dev/aonp/internal/redact"
	"github.com/antigravity-dev/aonp/internal/scheduler"
	"github.com/antigravity-dev/aonp/internal/specmodel"
	"github.com/antigravity-dev/aonp/internal/store"
)

const (
	stderrTailLimit = 4096

	// cancelPollInterval bounds how long a cancelled run's child process can
	// keep running before executeRun notices, independent of leaseTTL/3 lease
	// renewal cadence. spec.md §4.5/§5 require the cancel flag to be polled
	// between output lines, not just on the (much coarser) renew tick.
	cancelPollInterval = 2 * time.Second
)

// Options configures a Supervisor beyond its collaborators.
type Options struct {
	LeaseTTL         time.Duration
	KillGrace        time.Duration // default 10s per spec.md §5
	MaxRuntime       time.Duration // per-run wall-clock cap, default 300s per spec.md §5
	OMPThreads       int
	NuclearDataIndex string
	Logger           *slog.Logger
	Tracer           trace.Tracer
}

// Supervisor ties the Bundler, an Executor backend, and the Extractor
// together for one claimed Run at a time.
type Supervisor struct {
	store     store.Store
	claimer   *scheduler.Claimer
	bus       *eventbus.Bus
	bundler   *bundle.Bundler
	extractor *extractor.Extractor
	executor  executor.Executor
	scrubber  *redact.Scrubber
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer

	renewInterval    time.Duration
	killGrace        time.Duration
	maxRuntime       time.Duration
	ompThreads       int
	nuclearDataIndex string
}

// New builds a Supervisor. claimer owns renew/release; s is used directly
// for study lookup, phase updates, and event/summary persistence.
func New(s store.Store, claimer *scheduler.Claimer, bus *eventbus.Bus, bundler *bundle.Bundler, x *extractor.Extractor, exec executor.Executor, opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 10 * time.Second
	}
	if opts.MaxRuntime <= 0 {
		opts.MaxRuntime = 300 * time.Second
	}
	renewInterval := opts.LeaseTTL / 3
	if renewInterval <= 0 {
		renewInterval = time.Second
	}
	return &Supervisor{
		store:            s,
		claimer:          claimer,
		bus:              bus,
		bundler:          bundler,
		extractor:        x,
		executor:         exec,
		scrubber:         redact.NewFromEnviron(),
		clock:            clock.System{},
		logger:           opts.Logger,
		tracer:           opts.Tracer,
		renewInterval:    renewInterval,
		killGrace:        opts.KillGrace,
		maxRuntime:       opts.MaxRuntime,
		ompThreads:       opts.OMPThreads,
		nuclearDataIndex: opts.NuclearDataIndex,
	}
}

// WithClock overrides the clock stamping events; used by tests.
func (sv *Supervisor) WithClock(c clock.Clock) *Supervisor {
	sv.clock = c
	return sv
}

type terminationReason int

const (
	reasonLeaseStolen terminationReason = iota
	reasonCancelled
)

// Run drives run through whichever phases remain, starting from its current
// Artifacts. It never returns an error: terminal outcomes are recorded on
// the Run via release and surfaced through the Event Bus.
func (sv *Supervisor) Run(ctx context.Context, run *store.Run, workerID string) {
	ctx, span := sv.tracer.Start(ctx, "supervisor.run", trace.WithAttributes(attribute.String("run_id", run.RunID)))
	defer span.End()

	stop := make(chan struct{})
	termCh := sv.watchLease(ctx, run.RunID, workerID, stop)
	defer close(stop)

	paths, berr := sv.ensureBundled(ctx, run, workerID)
	if berr != nil {
		sv.finalizeFailed(ctx, run.RunID, workerID, berr)
		return
	}

	if run.Artifacts.StatepointPath == "" {
		eerr, stolen := sv.executeRun(ctx, run, workerID, paths, termCh)
		if stolen {
			sv.logger.Info("lease stolen during execute phase, yielding run to new claimer", "run_id", run.RunID)
			return
		}
		if eerr != nil {
			sv.finalizeFailed(ctx, run.RunID, workerID, eerr)
			return
		}
	}

	if xerr := sv.extractRun(ctx, run, workerID, paths); xerr != nil {
		sv.finalizeFailed(ctx, run.RunID, workerID, xerr)
		return
	}
}

// watchLease renews run's lease every renewInterval and polls for a
// cooperative cancellation flag, signaling once on termCh and returning.
// Modeled on the teacher's health.Monitor.Start ticker loop, generalized
// from periodic health checks to periodic lease renewal.
func (sv *Supervisor) watchLease(ctx context.Context, runID, workerID string, stop <-chan struct{}) <-chan terminationReason {
	out := make(chan terminationReason, 1)
	go func() {
		ticker := time.NewTicker(sv.renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				stolen, err := sv.claimer.RenewLease(ctx, runID, workerID)
				if err != nil {
					sv.logger.Error("renew lease failed", "run_id", runID, "error", err)
					continue
				}
				if stolen {
					select {
					case out <- reasonLeaseStolen:
					default:
					}
					return
				}
				if run, err := sv.store.GetRun(ctx, runID); err == nil && run.CancelRequested {
					select {
					case out <- reasonCancelled:
					default:
					}
					return
				}
			}
		}
	}()
	return out
}

func (sv *Supervisor) ensureBundled(ctx context.Context, run *store.Run, workerID string) (*bundle.Paths, *aonperr.Error) {
	if run.Artifacts.BundlePath != "" {
		return pathsFor(run.Artifacts.BundlePath), nil
	}

	ctx, span := sv.tracer.Start(ctx, "supervisor.bundle")
	defer span.End()

	spec, serr := sv.loadSpec(ctx, run.SpecHash)
	if serr != nil {
		return nil, serr
	}

	paths, berr := sv.bundler.CreateBundle(ctx, spec, run.RunID)
	if berr != nil {
		return nil, berr
	}

	if _, err := sv.store.UpdateRunPhase(ctx, run.RunID, store.PhaseUpdate{
		Phase:          store.PhaseExecute,
		ArtifactsDelta: &store.Artifacts{BundlePath: paths.Root},
	}); err != nil {
		return nil, aonperr.Wrap(aonperr.Store, err)
	}
	run.Artifacts.BundlePath = paths.Root
	sv.publish(run.RunID, "phase_changed", map[string]any{"phase": string(store.PhaseExecute)})
	return paths, nil
}

func (sv *Supervisor) loadSpec(ctx context.Context, hash specmodel.SpecHash) (*specmodel.StudySpec, *aonperr.Error) {
	study, err := sv.store.UpsertStudy(ctx, hash, nil)
	if err != nil {
		return nil, aonperr.Wrap(aonperr.Store, err)
	}
	var tree map[string]any
	if err := json.Unmarshal(study.CanonicalSpec, &tree); err != nil {
		return nil, aonperr.Wrap(aonperr.Validation, fmt.Errorf("decode canonical spec: %w", err))
	}
	return specmodel.Parse(tree)
}

func (sv *Supervisor) executeRun(ctx context.Context, run *store.Run, workerID string, paths *bundle.Paths, termCh <-chan terminationReason) (*aonperr.Error, bool) {
	ctx, span := sv.tracer.Start(ctx, "supervisor.execute")
	defer span.End()

	logFile, ferr := os.Create(filepath.Join(paths.Outputs, "solver.log"))
	if ferr != nil {
		return aonperr.Wrap(aonperr.IO, ferr), false
	}
	defer logFile.Close()

	env := append(os.Environ(),
		"OPENMC_CROSS_SECTIONS="+sv.nuclearDataIndex,
		fmt.Sprintf("OMP_NUM_THREADS=%d", sv.ompThreads),
	)
	proc, startErr := sv.executor.Start(ctx, executor.StartOpts{WorkDir: paths.Inputs, Env: env})
	if startErr != nil {
		return aonperr.Wrap(aonperr.Solver, startErr), false
	}

	cancelStop := make(chan struct{})
	cancelled := sv.watchCancel(ctx, run.RunID, cancelStop)
	defer close(cancelStop)

	deadline := time.NewTimer(sv.maxRuntime)
	defer deadline.Stop()

	var stderrTail strings.Builder
	lines := proc.Lines()
readLoop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break readLoop
			}
			if perr := sv.persistLine(ctx, run.RunID, line, logFile); perr != nil {
				sv.logger.Warn("persist solver line failed", "run_id", run.RunID, "error", perr)
			}
			if line.Stream == "stderr" {
				appendCapped(&stderrTail, sv.scrubber.Redact(line.Text), stderrTailLimit)
			}
			if cancelled.Load() {
				sv.terminateChild(ctx, proc, lines)
				return aonperr.New(aonperr.Cancelled, "run cancelled during execute phase"), false
			}
		case <-deadline.C:
			sv.terminateChild(ctx, proc, lines)
			return aonperr.Newf(aonperr.Solver, "solver exceeded max runtime of %s", sv.maxRuntime).WithDetail(stderrTail.String()), false
		case reason := <-termCh:
			sv.terminateChild(ctx, proc, lines)
			if reason == reasonLeaseStolen {
				return nil, true
			}
			return aonperr.New(aonperr.Cancelled, "run cancelled during execute phase"), false
		}
	}

	exitCode, waitErr := proc.Wait()
	if waitErr != nil {
		return aonperr.Wrap(aonperr.Solver, waitErr).WithDetail(stderrTail.String()), false
	}
	if exitCode != 0 {
		return aonperr.Newf(aonperr.Solver, "solver exited with code %d", exitCode).WithDetail(stderrTail.String()), false
	}

	statepointPath, cerr := collectStatepoint(paths)
	if cerr != nil {
		return cerr.WithDetail(stderrTail.String()), false
	}

	if _, err := sv.store.UpdateRunPhase(ctx, run.RunID, store.PhaseUpdate{
		Phase:          store.PhaseExtract,
		ArtifactsDelta: &store.Artifacts{StatepointPath: statepointPath},
	}); err != nil {
		return aonperr.Wrap(aonperr.Store, err), false
	}
	run.Artifacts.StatepointPath = statepointPath
	sv.publish(run.RunID, "phase_changed", map[string]any{"phase": string(store.PhaseExtract)})
	return nil, false
}

// terminateChild runs the SIGTERM-then-SIGKILL sequence on proc, drains its
// remaining output so the scan goroutines exit, then reaps it.
func (sv *Supervisor) terminateChild(ctx context.Context, proc executor.Process, lines <-chan executor.Line) {
	_ = proc.Terminate(ctx, sv.killGrace)
	drainLines(lines)
	_, _ = proc.Wait()
}

// watchCancel polls runID's cancellation flag every cancelPollInterval,
// independently of lease renewal, and latches the returned flag once the
// run's operator requests cancellation. executeRun checks it on every output
// line so a cancelled solver is killed within a couple of seconds rather than
// waiting for the next (much coarser) lease renewal tick.
func (sv *Supervisor) watchCancel(ctx context.Context, runID string, stop <-chan struct{}) *atomic.Bool {
	var flag atomic.Bool
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				run, err := sv.store.GetRun(ctx, runID)
				if err != nil {
					continue
				}
				if run.CancelRequested {
					flag.Store(true)
					return
				}
			}
		}
	}()
	return &flag
}

// persistLine fans a single output line out to the run's log file, the
// durable Event Store, and the live Event Bus concurrently.
func (sv *Supervisor) persistLine(ctx context.Context, runID string, line executor.Line, logFile *os.File) error {
	text := sv.scrubber.Redact(line.Text)
	ev := store.Event{
		RunID:   runID,
		TS:      sv.clock.Now(),
		Type:    "stdout_line",
		Payload: map[string]any{"stream": line.Stream, "text": text},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := fmt.Fprintln(logFile, text)
		return err
	})
	g.Go(func() error {
		return sv.store.AppendEvent(gctx, ev)
	})
	g.Go(func() error {
		sv.bus.Publish(ev)
		return nil
	})
	return g.Wait()
}

func (sv *Supervisor) extractRun(ctx context.Context, run *store.Run, workerID string, paths *bundle.Paths) *aonperr.Error {
	ctx, span := sv.tracer.Start(ctx, "supervisor.extract")
	defer span.End()

	summary, csvPath, xerr := sv.extractor.Extract(run.RunID, run.Artifacts.StatepointPath, paths.Outputs)
	if xerr != nil {
		return xerr
	}
	if err := sv.store.InsertSummary(ctx, *summary); err != nil {
		return aonperr.Wrap(aonperr.Store, err)
	}
	sv.publish(run.RunID, "summary_extracted", map[string]any{"keff": summary.Keff, "keff_uncertainty_pcm": summary.KeffUncertaintyPCM})

	stolen, err := sv.claimer.Release(ctx, run.RunID, workerID, store.StatusSucceeded, &store.Artifacts{ParquetPath: csvPath}, nil)
	if err != nil {
		return aonperr.Wrap(aonperr.Store, err)
	}
	if stolen {
		sv.logger.Warn("release no-op: lease no longer owned by this worker", "run_id", run.RunID)
		return nil
	}
	sv.publish(run.RunID, "run_released", map[string]any{"status": string(store.StatusSucceeded)})
	sv.bus.CloseRun(run.RunID)
	return nil
}

func (sv *Supervisor) finalizeFailed(ctx context.Context, runID, workerID string, runErr *aonperr.Error) {
	stolen, err := sv.claimer.Release(ctx, runID, workerID, store.StatusFailed, nil, runErr)
	if err != nil {
		sv.logger.Error("release after failure also failed", "run_id", runID, "error", err)
		return
	}
	if stolen {
		return
	}
	sv.publish(runID, "run_released", map[string]any{"status": string(store.StatusFailed), "error_type": string(runErr.Type)})
	sv.bus.CloseRun(runID)
}

// publish notifies live subscribers of an event the store already wrote
// durably as part of the call that produced it (UpdateRunPhase appends its
// own phase_changed event); it does not append a second copy to the log.
func (sv *Supervisor) publish(runID, eventType string, payload map[string]any) {
	sv.bus.Publish(store.Event{RunID: runID, TS: sv.clock.Now(), Type: eventType, Payload: payload})
}

func pathsFor(root string) *bundle.Paths {
	return &bundle.Paths{Root: root, Inputs: filepath.Join(root, "inputs"), Outputs: filepath.Join(root, "outputs")}
}

// collectStatepoint moves every statepoint.*.h5 and summary.h5 the solver
// wrote into bundle/inputs/ over to bundle/outputs/, returning the
// lexicographically last statepoint path.
func collectStatepoint(paths *bundle.Paths) (string, *aonperr.Error) {
	matches, _ := filepath.Glob(filepath.Join(paths.Inputs, "statepoint.*.h5"))
	if len(matches) == 0 {
		return "", aonperr.New(aonperr.Solver, "solver did not produce a statepoint file")
	}
	sort.Strings(matches)
	lastBase := filepath.Base(matches[len(matches)-1])

	for _, m := range matches {
		dest := filepath.Join(paths.Outputs, filepath.Base(m))
		if err := os.Rename(m, dest); err != nil {
			return "", aonperr.Wrap(aonperr.IO, fmt.Errorf("move statepoint %s: %w", m, err))
		}
	}
	summarySrc := filepath.Join(paths.Inputs, "summary.h5")
	if _, err := os.Stat(summarySrc); err == nil {
		_ = os.Rename(summarySrc, filepath.Join(paths.Outputs, "summary.h5"))
	}
	return filepath.Join(paths.Outputs, lastBase), nil
}

func drainLines(lines <-chan executor.Line) {
	for range lines {
	}
}

func appendCapped(b *strings.Builder, text string, limit int) {
	if b.Len() >= limit {
		return
	}
	b.WriteString(text)
	b.WriteByte('\n')
}
