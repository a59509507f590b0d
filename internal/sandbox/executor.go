package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/sanduku/internal/guardrail"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/workspace"
)

// Setup markers printed by the preamble. Classification reads only these
// exact lines, never free-form interpreter output.
const (
	setupOKMarker  = "__SANDUKU_SETUP_OK__"
	setupErrMarker = "__SANDUKU_SETUP_ERR__:"
)

// preamble runs before the submitted code in the same script. It pins the
// working directory to the mounted workspace, makes staged packages
// importable, and drops cached workspace modules so reused interpreters
// see freshly staged code. It prints exactly one setup marker.
const preamble = `import os as _sdk_os, sys as _sdk_sys
try:
    _sdk_os.chdir(` + "'" + workspace.GuestMount + "'" + `)
    if '.' not in _sdk_sys.path:
        _sdk_sys.path.insert(0, '.')
    for _sdk_mod in [m for m in list(_sdk_sys.modules) if m == 'servers' or m == 'client' or m.startswith(('servers.', 'client.'))]:
        del _sdk_sys.modules[_sdk_mod]
except Exception as _sdk_exc:
    print('` + setupErrMarker + `' + repr(_sdk_exc))
    raise SystemExit(1)
print('` + setupOKMarker + `')
`

// Executor runs agent-generated code against pooled workers, staging the
// workspace first and applying guardrails around the execution.
type Executor struct {
	pool    *Pool
	stager  *workspace.Stager    // nil disables pre-run staging
	guard   *guardrail.Validator // nil disables guardrails
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	timeout time.Duration
}

// NewExecutor wires an executor. timeout is the hard per-execution
// deadline; zero means no deadline.
func NewExecutor(pool *Pool, stager *workspace.Stager, guard *guardrail.Validator, logger *slog.Logger, metrics *observability.MetricsCollector, timeout time.Duration) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		pool:    pool,
		stager:  stager,
		guard:   guard,
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
	}
}

// Execute runs one script and always returns a classified Outcome.
// A worker that hits the deadline is poisoned so the pool discards it
// instead of handing out an interpreter in an unknown state.
func (e *Executor) Execute(ctx context.Context, code string) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Status: StatusFailure, Err: fmt.Errorf("sandbox: execution panic: %v", r)}
		}
		out.Duration = time.Since(start)
		if e.metrics != nil {
			e.metrics.ExecutionsTotal.WithLabelValues(out.Status.String()).Inc()
			e.metrics.ExecutionDuration.WithLabelValues(out.Status.String()).Observe(out.Duration.Seconds())
			e.metrics.ExecutionOutputBytes.Observe(float64(len(out.Output)))
		}
	}()

	if e.guard != nil {
		res := e.guard.ValidateCode(code)
		if e.metrics != nil {
			e.metrics.GuardrailChecksTotal.WithLabelValues("code", guardResult(res)).Inc()
		}
		if !res.Valid {
			return Outcome{Status: StatusBlocked, Err: res.Err()}
		}
	}

	if e.stager != nil {
		if _, err := e.stager.StageIfDirty(ctx); err != nil {
			return Outcome{Status: StatusFailure, Err: fmt.Errorf("staging workspace: %w", err)}
		}
	}

	h, err := e.pool.Acquire(ctx)
	if err != nil {
		return Outcome{Status: StatusFailure, Err: fmt.Errorf("acquiring worker: %w", err)}
	}
	defer func() {
		if err := e.pool.Release(h); err != nil {
			e.logger.Warn("releasing worker failed",
				slog.String("worker", h.RemoteName),
				slog.String("error", err.Error()))
		}
	}()
	out.WorkerID = h.RemoteName

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	result, err := h.Run(runCtx, e.pool.cfg.Namespace, preamble+code)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			h.Poison()
			e.logger.WarnContext(ctx, "execution timed out",
				slog.String("worker", h.RemoteName),
				slog.Duration("timeout", e.timeout))
			return Outcome{Status: StatusTimeout, WorkerID: h.RemoteName,
				Err: fmt.Errorf("sandbox: execution exceeded %s", e.timeout)}
		}
		return Outcome{Status: StatusFailure, WorkerID: h.RemoteName,
			Err: fmt.Errorf("running script on %s: %w", h.RemoteName, err)}
	}

	output, setupErr := classifySetup(result.CombinedOutput())
	if setupErr != nil {
		return Outcome{Status: StatusFailure, Output: output, WorkerID: h.RemoteName, Err: setupErr}
	}
	if result.Status != "" && result.Status != "success" {
		return Outcome{Status: StatusFailure, Output: output, WorkerID: h.RemoteName,
			Err: fmt.Errorf("sandbox: interpreter reported %q", result.Status)}
	}

	if e.guard != nil {
		res := e.guard.ValidateOutput(output)
		if e.metrics != nil {
			e.metrics.GuardrailChecksTotal.WithLabelValues("output", guardResult(res)).Inc()
		}
		if !res.Valid {
			// The flagged output is discarded, not passed back to the caller.
			return Outcome{Status: StatusBlocked, WorkerID: h.RemoteName, Err: res.Err()}
		}
	}

	return Outcome{Status: StatusSuccess, Output: output, WorkerID: h.RemoteName}
}

// classifySetup strips the setup marker line from output and reports a
// setup failure when the error marker is present. Output with no marker
// at all means the preamble never ran, which is also a setup failure.
func classifySetup(combined string) (output string, err error) {
	lines := strings.Split(combined, "\n")
	kept := make([]string, 0, len(lines))
	var sawOK bool
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, setupErrMarker):
			reason := strings.TrimPrefix(line, setupErrMarker)
			return strings.Join(kept, "\n"), fmt.Errorf("sandbox: workspace setup failed: %s", reason)
		case line == setupOKMarker:
			sawOK = true
		default:
			kept = append(kept, line)
		}
	}
	output = strings.Join(kept, "\n")
	if !sawOK {
		return output, fmt.Errorf("sandbox: setup marker missing from output")
	}
	return output, nil
}

func guardResult(res guardrail.Result) string {
	if res.Valid {
		return "pass"
	}
	return "fail"
}
