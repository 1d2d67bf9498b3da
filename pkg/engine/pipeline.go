package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Tapiiri/nixos-setup/pkg/gitx"
	"github.com/Tapiiri/nixos-setup/pkg/journal"
	"github.com/Tapiiri/nixos-setup/pkg/lockfile"
	"github.com/Tapiiri/nixos-setup/pkg/mirror"
	"github.com/Tapiiri/nixos-setup/pkg/privops"
	"github.com/Tapiiri/nixos-setup/pkg/target"
	"github.com/Tapiiri/nixos-setup/pkg/telemetry"
)

// Options are the resolved inputs for one pipeline invocation. All
// environment reading (hostname file, config file, flags) happens at the
// CLI boundary; the pipeline only sees these values.
type Options struct {
	Hostname    string
	TargetDir   string
	MirrorDir   string
	Branch      string
	DevCheckout string

	// MirrorGroup and MirrorDirMode control the shared-group setup of
	// the mirror parent directory on first bootstrap.
	MirrorGroup   string
	MirrorDirMode string

	OfflineOK  bool
	DevMode    bool
	SkipMirror bool
	MirrorOnly bool

	RebuildAction string
	RebuildArgs   []string

	LockPath string
	LockWait time.Duration
}

// Pipeline runs the fetch, decide, sync, rebuild sequence.
type Pipeline struct {
	opts   Options
	mirror *mirror.Store
	clone  *target.Clone
	esc    privops.Escalator
	git    gitx.Runner
	jrnl   *journal.Journal
	tel    *telemetry.Telemetry
	log    *telemetry.Logger
}

// NewPipeline wires a pipeline from its collaborators. jrnl may be nil
// to disable journaling.
func NewPipeline(
	opts Options,
	store *mirror.Store,
	clone *target.Clone,
	esc privops.Escalator,
	git gitx.Runner,
	jrnl *journal.Journal,
	tel *telemetry.Telemetry,
) *Pipeline {
	return &Pipeline{
		opts:   opts,
		mirror: store,
		clone:  clone,
		esc:    esc,
		git:    git,
		jrnl:   jrnl,
		tel:    tel,
		log:    tel.Logger.NewComponentLogger("pipeline"),
	}
}

// runState accumulates what the journal and metrics record about a run.
type runState struct {
	decision   Decision
	outcome    target.Outcome
	mirrorHead string
	headBefore string
	headAfter  string
}

// Run executes the pipeline and returns a classified error on failure.
// The caller maps the error to an exit code with ExitCode.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span := p.tel.Tracer.Start(ctx, "pipeline.run",
		attribute.String("hostname", p.opts.Hostname),
		attribute.String("target", p.opts.TargetDir),
	)
	defer span.End()

	st := &runState{decision: Decision{Path: PathNoMirror, Reason: "mirror phase skipped"}}

	runID, jerr := p.jrnl.StartRun(ctx, p.opts.Hostname, p.opts.TargetDir)
	if jerr != nil {
		p.log.WithError(jerr).Warn("journal unavailable for this run")
	}
	defer func() {
		telemetry.RecordError(span, err)
		p.finishRun(context.WithoutCancel(ctx), runID, st, start, err)
	}()

	// The hostname must be resolved before any privileged action.
	if !p.opts.MirrorOnly && p.opts.Hostname == "" {
		return NewConfigError("hostname could not be resolved; pass it explicitly", nil)
	}

	if p.opts.LockPath != "" {
		lock, lerr := lockfile.Acquire(ctx, p.opts.LockPath, p.opts.LockWait)
		if lerr != nil {
			if errors.Is(lerr, lockfile.ErrBusy) {
				return NewLockError(lerr)
			}
			return NewInternalError("cannot acquire the rebuild lock", lerr)
		}
		defer lock.Release()
	}

	if p.opts.SkipMirror {
		if !p.clone.IsValid(ctx) {
			return NewConfigError(
				fmt.Sprintf("skipping the mirror phase requires an existing clone at %s", p.opts.TargetDir), nil)
		}
		if head, herr := p.clone.Head(ctx); herr == nil {
			st.headBefore, st.headAfter = head, head
		}
		return p.rebuild(ctx, runID)
	}

	if err := p.mirrorPhase(ctx, runID, st); err != nil {
		return err
	}

	if err := p.syncPhase(ctx, runID, st); err != nil {
		return err
	}

	if p.opts.MirrorOnly {
		p.log.Infof("mirror sync complete at %s; skipping rebuild", st.mirrorHead)
		return nil
	}

	return p.rebuild(ctx, runID)
}

// mirrorPhase fetches the mirror store and walks the fallback ladder,
// leaving the selected decision and the mirror head in st.
func (p *Pipeline) mirrorPhase(ctx context.Context, runID string, st *runState) error {
	ctx, span := p.tel.Tracer.Start(ctx, "mirror.fetch")
	defer span.End()

	if !p.mirror.Exists(ctx) {
		if err := p.ensureMirrorDir(ctx); err != nil {
			return err
		}
	}

	fetchOK, fetchErr := p.mirror.Fetch(ctx)
	if fetchErr != nil {
		p.log.WithError(fetchErr).Warn("mirror fetch did not reach the remote")
		p.addEvent(ctx, runID, "warn", "mirror fetch failed: "+fetchErr.Error())
	}

	in := DecisionInput{
		FetchOK:           fetchOK,
		MirrorExists:      p.mirror.Exists(ctx),
		DevMode:           p.opts.DevMode,
		DevCheckoutExists: p.devCheckoutUsable(ctx),
		OfflineOK:         p.opts.OfflineOK,
	}
	st.decision = Decide(in)

	if st.decision.Path == PathDevPush {
		if derr := p.mirror.DevPush(ctx, p.opts.DevCheckout); derr != nil {
			p.log.WithError(derr).Warn("dev push into the mirror failed")
			p.addEvent(ctx, runID, "warn", "dev push failed: "+derr.Error())
			in.DevCheckoutExists = false
			st.decision = Decide(in)
		}
	}

	if st.decision.Path == PathAbort {
		return NewFetchError(st.decision.Reason, fetchErr)
	}
	p.log.Infof("mirror decision: %s (%s)", st.decision.Path, st.decision.Reason)
	p.addEvent(ctx, runID, "info", "decision: "+string(st.decision.Path))

	head, err := p.mirror.Head(ctx)
	if err != nil {
		return NewConfigError(
			fmt.Sprintf("mirror store has no commit on branch %s", p.mirror.Branch), err)
	}
	st.mirrorHead = head
	span.SetAttributes(attribute.String("mirror.head", head))
	return nil
}

// ensureMirrorDir creates the mirror parent directory through the
// privilege boundary when it does not exist yet. This is the only
// privileged step of the otherwise unprivileged mirror phase.
func (p *Pipeline) ensureMirrorDir(ctx context.Context) error {
	parent := filepath.Dir(p.mirror.Path)
	if _, err := os.Stat(parent); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return NewInternalError("cannot inspect mirror parent directory", err)
	}

	if err := p.esc.Probe(ctx); err != nil {
		return NewPrivilegeError(err)
	}
	op := privops.MirrorDirSetup{
		Path:  parent,
		Group: p.opts.MirrorGroup,
		Mode:  p.opts.MirrorDirMode,
	}
	if err := p.esc.Run(ctx, op); err != nil {
		return p.classifyOpError(err, "mirror directory setup failed")
	}
	return nil
}

func (p *Pipeline) devCheckoutUsable(ctx context.Context) bool {
	return p.opts.DevCheckout != "" && gitx.IsRepo(ctx, p.git, p.opts.DevCheckout)
}

// syncPhase bootstraps the target clone or fast-forwards it to the
// mirror head recorded by the mirror phase.
func (p *Pipeline) syncPhase(ctx context.Context, runID string, st *runState) error {
	ctx, span := p.tel.Tracer.Start(ctx, "target.sync")
	defer span.End()

	if err := p.esc.Probe(ctx); err != nil {
		return NewPrivilegeError(err)
	}

	if !p.clone.IsValid(ctx) {
		if err := p.clone.Bootstrap(ctx); err != nil {
			return p.classifyOpError(err, "target bootstrap failed")
		}
		st.outcome = target.OutcomeBootstrapped
		st.headAfter = st.mirrorHead
		p.addEvent(ctx, runID, "info", "target clone bootstrapped at "+st.mirrorHead)
		return nil
	}

	if head, err := p.clone.Head(ctx); err == nil {
		st.headBefore = head
	}

	outcome, err := p.clone.Sync(ctx, st.mirrorHead)
	if err != nil {
		var diverged *target.DivergedError
		if errors.As(err, &diverged) {
			return NewDivergedError(err)
		}
		var dirty *target.DirtyError
		if errors.As(err, &dirty) {
			return NewConfigError("target clone is not syncable", err)
		}
		var cmdErr *privops.CommandError
		if errors.As(err, &cmdErr) && cmdErr.OpKind == privops.KindTargetMergeFF {
			// git itself refused the fast-forward: the histories moved
			// under us between the ancestry check and the merge.
			return NewDivergedError(err)
		}
		return p.classifyOpError(err, "target sync failed")
	}

	st.outcome = outcome
	st.headAfter = st.mirrorHead
	span.SetAttributes(attribute.String("sync.outcome", string(outcome)))
	p.addEvent(ctx, runID, "info", "sync "+string(outcome))
	return nil
}

// rebuild invokes the system rebuild through the privilege boundary.
func (p *Pipeline) rebuild(ctx context.Context, runID string) error {
	flake := filepath.Join(p.opts.TargetDir, "flake.nix")
	if _, err := os.Stat(flake); err != nil {
		msg := fmt.Sprintf("no flake.nix in %s", p.opts.TargetDir)
		if !p.opts.DevMode {
			msg += " (rerun with --dev to rebuild from a development checkout)"
		}
		return NewConfigError(msg, err)
	}

	ctx, span := p.tel.Tracer.Start(ctx, "system.rebuild",
		attribute.String("hostname", p.opts.Hostname))
	defer span.End()

	if err := p.esc.Probe(ctx); err != nil {
		return NewPrivilegeError(err)
	}

	p.log.Infof("rebuilding %s from %s", p.opts.Hostname, p.opts.TargetDir)
	p.addEvent(ctx, runID, "info", "rebuild started")

	err := p.esc.Run(ctx, privops.SystemRebuild{
		FlakeDir:  p.opts.TargetDir,
		Hostname:  p.opts.Hostname,
		Action:    p.opts.RebuildAction,
		ExtraArgs: p.opts.RebuildArgs,
	})
	if err != nil {
		var cmdErr *privops.CommandError
		if errors.As(err, &cmdErr) {
			return NewRebuildError(cmdErr.ExitCode, err)
		}
		if errors.Is(err, privops.ErrEscalationUnavailable) {
			return NewPrivilegeError(err)
		}
		return NewConfigError("rebuild request rejected", err)
	}
	return nil
}

// classifyOpError maps a privops failure into the pipeline taxonomy.
func (p *Pipeline) classifyOpError(err error, message string) error {
	if errors.Is(err, privops.ErrEscalationUnavailable) {
		return NewPrivilegeError(err)
	}
	return NewInternalError(message, err)
}

func (p *Pipeline) addEvent(ctx context.Context, runID, level, message string) {
	if err := p.jrnl.AddEvent(ctx, runID, level, message); err != nil {
		p.log.WithError(err).Debug("journal event dropped")
	}
}

// finishRun closes out the journal record and metrics for a run.
func (p *Pipeline) finishRun(ctx context.Context, runID string, st *runState, start time.Time, runErr error) {
	status := journal.RunStatusSucceeded
	errMsg := ""
	if runErr != nil {
		status = journal.RunStatusFailed
		errMsg = runErr.Error()
	}
	if err := p.jrnl.FinishRun(ctx, runID, journal.RunUpdate{
		DecisionPath:     string(st.decision.Path),
		Outcome:          string(st.outcome),
		Status:           status,
		MirrorHead:       st.mirrorHead,
		TargetHeadBefore: st.headBefore,
		TargetHeadAfter:  st.headAfter,
		Error:            errMsg,
	}); err != nil {
		p.log.WithError(err).Warn("journal record incomplete")
	}
	p.tel.Metrics.RecordRun(
		p.opts.Hostname,
		string(st.decision.Path),
		string(st.outcome),
		time.Since(start),
		runErr == nil,
	)
}
