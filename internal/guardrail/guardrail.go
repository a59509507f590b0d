// Package guardrail validates generated code before execution and sandbox
// output after it. Violations become errors in strict mode and warnings
// otherwise.
package guardrail

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jkaninda/sanduku/internal/config"
)

// ErrBlocked is wrapped by every blocking validation failure.
var ErrBlocked = errors.New("guardrail: blocked")

// Result is the outcome of one validation pass.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Err returns a single wrapped error describing all blocking violations,
// or nil when the result is valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBlocked, strings.Join(r.Errors, "; "))
}

type securityCheck struct {
	re   *regexp.Regexp
	desc string
}

// Dangerous interpreter constructs rejected by the security pass.
var securityChecks = []securityCheck{
	{regexp.MustCompile(`eval\s*\(`), "eval() usage"},
	{regexp.MustCompile(`exec\s*\(`), "exec() usage"},
	{regexp.MustCompile(`__import__\s*\(`), "__import__() usage"},
	{regexp.MustCompile(`open\s*\([^)]*['"][rw]\+?['"]`), "file write access"},
}

// Validator applies content, security, and privacy checks.
type Validator struct {
	cfg      config.GuardrailConfig
	logger   *slog.Logger
	detector *PIIDetector
}

// New creates a validator from config. A nil logger defaults to slog.Default.
func New(cfg config.GuardrailConfig, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{cfg: cfg, logger: logger}
	if cfg.PII() {
		v.detector = NewPIIDetector()
	}
	return v
}

// ValidateCode checks a script before it is submitted to a sandbox.
func (v *Validator) ValidateCode(code string) Result {
	if !v.cfg.Enabled {
		return Result{Valid: true}
	}

	var errs, warns []string
	if v.cfg.Security() {
		for _, check := range securityChecks {
			if check.re.MatchString(code) {
				errs = append(errs, "security risk: "+check.desc)
			}
		}
	}
	for _, pattern := range v.cfg.BlockedPatterns {
		if strings.Contains(code, pattern) {
			errs = append(errs, fmt.Sprintf("blocked pattern in code: %s", pattern))
		}
	}
	return v.result(errs, warns)
}

// ValidateOutput checks sandbox output before it is returned to the caller.
func (v *Validator) ValidateOutput(output string) Result {
	if !v.cfg.Enabled {
		return Result{Valid: true}
	}

	var errs, warns []string
	if v.cfg.Filtering() {
		for _, pattern := range v.cfg.BlockedPatterns {
			if strings.Contains(output, pattern) {
				errs = append(errs, fmt.Sprintf("blocked pattern in output: %s", pattern))
			}
		}
	}
	if v.cfg.Privacy() && v.detector != nil {
		if detected := v.detector.Detect(output); len(detected) > 0 {
			msg := fmt.Sprintf("PII detected in output: %d items", len(detected))
			if v.cfg.StrictMode {
				errs = append(errs, msg)
			} else {
				warns = append(warns, msg)
			}
		}
	}
	return v.result(errs, warns)
}

// Tokenize replaces PII in text with opaque tokens when privacy protection
// is on. Returns text unchanged otherwise.
func (v *Validator) Tokenize(text string) string {
	if v.detector == nil {
		return text
	}
	return v.detector.Tokenize(text)
}

// Untokenize restores previously tokenized PII values.
func (v *Validator) Untokenize(text string) string {
	if v.detector == nil {
		return text
	}
	return v.detector.Untokenize(text)
}

func (v *Validator) result(errs, warns []string) Result {
	for _, w := range warns {
		v.logger.Warn("guardrail warning", slog.String("detail", w))
	}
	return Result{Valid: len(errs) == 0, Errors: errs, Warnings: warns}
}
