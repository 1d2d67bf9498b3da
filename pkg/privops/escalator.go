package privops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/Tapiiri/nixos-setup/pkg/telemetry"
)

// ErrEscalationUnavailable is returned when the escalation mechanism
// cannot be used at all: sudo is missing, or sudo refuses to run without
// a cached credential (the orchestrator never prompts).
var ErrEscalationUnavailable = errors.New("privilege escalation unavailable")

// CommandError is a privileged command that started and exited non-zero.
type CommandError struct {
	OpKind   Kind
	Argv     []string
	ExitCode int
	Stderr   string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("privileged %s failed (exit %d): %s", e.OpKind, e.ExitCode, strings.Join(e.Argv, " "))
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Escalator dispatches privileged operations. It is the single call site
// through which any privileged command leaves this process.
type Escalator interface {
	// Probe verifies the escalation mechanism is usable without running
	// any operation. It must be called before the first Run.
	Probe(ctx context.Context) error
	// Run validates op and executes its command templates in order,
	// stopping at the first failure.
	Run(ctx context.Context, op Op) error
}

// SudoEscalator escalates through non-interactive sudo. When the process
// is already root the sudo prefix is dropped and Probe is a no-op.
type SudoEscalator struct {
	Tools Toolchain

	// Stdout and Stderr receive the streamed output of the rebuild
	// command; other operations have their output captured and logged.
	Stdout io.Writer
	Stderr io.Writer

	// OnDispatch, when set, observes each dispatched operation kind.
	OnDispatch func(kind Kind)

	log    *telemetry.Logger
	asRoot bool
}

// NewSudoEscalator creates an escalator over the given toolchain.
func NewSudoEscalator(tools Toolchain, logger *telemetry.Logger) *SudoEscalator {
	return &SudoEscalator{
		Tools:  tools,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		log:    logger.NewComponentLogger("privops"),
		asRoot: os.Geteuid() == 0,
	}
}

// Probe implements Escalator. It validates cached sudo credentials with
// `sudo -n -v`; -n guarantees no password prompt can block the pipeline.
func (e *SudoEscalator) Probe(ctx context.Context) error {
	if e.asRoot {
		return nil
	}
	cmd := exec.CommandContext(ctx, e.Tools.Sudo, "-n", "-v")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("%w: %s", ErrEscalationUnavailable, detail)
	}
	return nil
}

// Run implements Escalator.
func (e *SudoEscalator) Run(ctx context.Context, op Op) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid %s operation: %w", op.Kind(), err)
	}
	if e.OnDispatch != nil {
		e.OnDispatch(op.Kind())
	}

	for _, argv := range op.commands(e.Tools) {
		if err := e.runOne(ctx, op.Kind(), argv); err != nil {
			return err
		}
	}
	return nil
}

func (e *SudoEscalator) runOne(ctx context.Context, kind Kind, argv []string) error {
	full := argv
	if !e.asRoot {
		full = append([]string{e.Tools.Sudo, "-n"}, argv...)
	}

	e.log.Debugf("dispatching %s: %s", kind, strings.Join(full, " "))

	cmd := exec.CommandContext(ctx, full[0], full[1:]...)

	var stdout, stderr bytes.Buffer
	if kind == KindSystemRebuild {
		// The rebuild's output belongs to the operator, not the log.
		cmd.Stdout = e.Stdout
		cmd.Stderr = e.Stderr
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	if err == nil {
		if out := strings.TrimSpace(stdout.String()); out != "" {
			e.log.Debug(out)
		}
		return nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return fmt.Errorf("%w: cannot start %s: %v", ErrEscalationUnavailable, full[0], err)
	}
	return &CommandError{
		OpKind:   kind,
		Argv:     full,
		ExitCode: exitErr.ExitCode(),
		Stderr:   stderr.String(),
	}
}
