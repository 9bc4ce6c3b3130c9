// Package service binds the Parser, Validator, Authorizer, Workspace,
// Executor, Recursion Guard, and History Recorder into the operations a
// transport layer calls: validate, execute, list, get, required-env
// (spec §4.8). It is the package callers outside pkg/kernel call for
// these operations; they otherwise use only the shared types and log
// packages.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runbookhq/runbookd/config"
	"github.com/runbookhq/runbookd/pkg/kernel/authz"
	"github.com/runbookhq/runbookd/pkg/kernel/doc"
	"github.com/runbookhq/runbookd/pkg/kernel/history"
	"github.com/runbookhq/runbookd/pkg/kernel/recursion"
	"github.com/runbookhq/runbookd/pkg/kernel/runner"
	"github.com/runbookhq/runbookd/pkg/kernel/types"
	"github.com/runbookhq/runbookd/pkg/kernel/validate"
	"github.com/runbookhq/runbookd/pkg/kernel/workspace"
)

// EnvironmentProvider resolves the environment the Validator checks
// declared variables against. Injectable for tests; production callers
// pass a snapshot of the process environment.
type EnvironmentProvider func() map[string]string

// OSEnvironment snapshots os.Environ() into a map, the production
// default for EnvironmentProvider.
func OSEnvironment() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// Service is the orchestrator spec §4.8 describes. One Service is built
// at process startup and is effectively immutable afterward; it has no
// in-process mutable state of its own (spec §5 — operations are
// stateless between requests).
type Service struct {
	cfg     *config.Config
	logger  *zap.Logger
	history *history.Recorder
	env     EnvironmentProvider
}

// New builds a Service around an already-loaded, immutable Config and
// logger. Both are owned by the caller.
func New(cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{
		cfg:     cfg,
		logger:  logger,
		history: history.NewRecorder(logger),
		env:     OSEnvironment,
	}
}

// WithEnvironmentProvider overrides the environment snapshot used by
// Validate's Environment Requirements check. Intended for tests.
func (s *Service) WithEnvironmentProvider(p EnvironmentProvider) *Service {
	s.env = p
	return s
}

// List returns the runbook basenames in the runbooks directory whose
// names end in .md and are regular files. Authorization is a
// transport-level concern (spec §4.8); List never consults claims.
func (s *Service) List() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.RunbooksDir)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, "list runbooks directory", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// Get resolves filename against the runbooks directory and returns its
// raw text. Authorization is transport-level only (spec §4.8).
func (s *Service) Get(filename string) (string, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", types.Wrap(types.KindInternal, "read runbook", err)
	}
	return string(raw), nil
}

// RequiredEnvVar is one declared environment variable, returned by
// RequiredEnv.
type RequiredEnvVar struct {
	Name        string
	Description string
}

// RequiredEnv parses the Environment Requirements section and returns
// the declared variables.
func (s *Service) RequiredEnv(filename string) ([]RequiredEnvVar, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, "read runbook", err)
	}
	d, err := doc.Parse(raw)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, "parse runbook", err)
	}
	reqs, err := doc.EnvironmentRequirementsOf(d)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, "parse environment requirements", err)
	}
	out := make([]RequiredEnvVar, len(reqs))
	for i, r := range reqs {
		out[i] = RequiredEnvVar{Name: r.Name, Description: r.Description}
	}
	return out, nil
}

// resolve applies the filename sanitization rule of spec §4.8: filename
// must equal its own basename, contain no path separators or leading
// dot-segments, and resolve to a regular file under the runbooks
// directory.
func (s *Service) resolve(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.ContainsAny(filename, `/\`) {
		return "", types.NewError(types.KindBadFilename, fmt.Sprintf("invalid runbook filename: %q", filename))
	}
	if filename == "." || filename == ".." || strings.HasPrefix(filename, "..") {
		return "", types.NewError(types.KindBadFilename, fmt.Sprintf("invalid runbook filename: %q", filename))
	}

	path := filepath.Join(s.cfg.RunbooksDir, filename)
	info, err := os.Stat(path)
	if err != nil {
		return "", types.NewError(types.KindNotFound, fmt.Sprintf("runbook not found: %s", filename))
	}
	if !info.Mode().IsRegular() {
		return "", types.NewError(types.KindNotFound, fmt.Sprintf("runbook not found: %s", filename))
	}
	return path, nil
}

// newRecord starts an execution record, stamping start time and the
// breadcrumb snapshot.
func newRecord(op types.Operation, filename string, bc types.Breadcrumb) types.ExecutionRecord {
	return types.ExecutionRecord{
		Start:      time.Now().UTC(),
		Operation:  op,
		Runbook:    filename,
		Breadcrumb: bc,
	}
}

// finalize stamps finish time, computes success from errors/return
// code, and appends/logs the record via the History Recorder. It
// returns the finalized record, matching every Service operation's
// return shape. runbookPath is always the already-resolved path to the
// runbook being operated on; every caller of finalize resolves it first.
func (s *Service) finalize(rec types.ExecutionRecord, runbookPath string) types.ExecutionRecord {
	rec.Finish = time.Now().UTC()
	rec.Success = rec.ReturnCode == 0 && len(rec.Errors) == 0

	if w := s.history.Record(runbookPath, rec); w != "" {
		rec.Warnings = append(rec.Warnings, w)
	}
	return rec
}

// configItemsFor captures the configuration snapshot every execution
// record carries (spec §3's config_items). The API token entry is marked
// Secret, so its value is masked when the record is logged.
func (s *Service) configItemsFor() []types.ConfigItem {
	return []types.ConfigItem{
		{Name: "script_timeout_seconds", Value: fmt.Sprint(s.cfg.ScriptTimeoutSeconds), Source: "config"},
		{Name: "max_output_bytes", Value: fmt.Sprint(s.cfg.MaxOutputBytes), Source: "config"},
		{Name: "max_recursion_depth", Value: fmt.Sprint(s.cfg.MaxRecursionDepth), Source: "config"},
		{Name: "shell_path", Value: s.cfg.ShellPath, Source: "config"},
		{Name: "runbook_api_token", Value: "<set>", Source: "request", Secret: true},
	}
}

// Validate implements spec §4.8's validate operation.
func (s *Service) Validate(filename string, token types.TokenContext, bc types.Breadcrumb) (types.ExecutionRecord, error) {
	rec := newRecord(types.OperationValidate, filename, bc)
	rec.ConfigItems = s.configItemsFor()

	path, err := s.resolve(filename)
	if err != nil {
		return types.ExecutionRecord{}, err // BadFilename/NotFound: no side effect, per spec §7
	}

	raw, readErr := os.ReadFile(path)
	var d *doc.Document
	if readErr == nil {
		d, _ = doc.Parse(raw)
	}

	if d != nil {
		required, present, cerr := doc.RequiredClaimsOf(d)
		if cerr == nil && present {
			decision := authz.Evaluate(required, token.Claims)
			if !decision.Allowed {
				rec.ReturnCode = types.ReservedAuthorizationDeniedCode
				rec.Stderr = authorizationDenialMessage("validate", token.Subject, decision.DeniedClaim)
				rec.Errors = append(rec.Errors, rec.Stderr)
				return s.finalize(rec, path), nil
			}
		}
	}

	_, result := validate.Validate(path, s.env())
	rec.Errors = append(rec.Errors, result.Errors...)
	rec.Warnings = append(rec.Warnings, result.Warnings...)
	if result.OK {
		rec.ReturnCode = 0
	} else {
		rec.ReturnCode = 1
	}
	return s.finalize(rec, path), nil
}

// Execute implements spec §4.8's execute operation via context.Background();
// use ExecuteContext to honor transport-level cancellation (spec §5).
func (s *Service) Execute(filename string, token types.TokenContext, bc types.Breadcrumb, envVars map[string]string) (types.ExecutionRecord, error) {
	return s.ExecuteContext(context.Background(), filename, token, bc, envVars)
}

// ExecuteContext implements spec §4.8's execute operation, the full
// 10-step pipeline: resolve, load, authorize, guard recursion, validate
// fail-fast, extend the recursion stack, prepare the workspace, run the
// script, dispose the workspace, record history. ctx cancellation
// triggers the same graceful-then-forceful child termination as a
// timeout (spec §5); the partial execution record is still recorded.
func (s *Service) ExecuteContext(ctx context.Context, filename string, token types.TokenContext, bc types.Breadcrumb, envVars map[string]string) (types.ExecutionRecord, error) {
	rec := newRecord(types.OperationExecute, filename, bc)
	rec.ConfigItems = s.configItemsFor()

	path, err := s.resolve(filename)
	if err != nil {
		return types.ExecutionRecord{}, err
	}

	sanitizedEnv, err := runner.SanitizeCallerEnv(envVars)
	if err != nil {
		return types.ExecutionRecord{}, err // InvalidEnvVarName: rejected before any side effect
	}

	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		rec.ReturnCode = 1
		rec.Errors = append(rec.Errors, fmt.Sprintf("failed to read runbook: %s", readErr))
		return s.finalize(rec, path), nil
	}
	d, parseErr := doc.Parse(raw)
	if parseErr != nil {
		rec.ReturnCode = 1
		rec.Errors = append(rec.Errors, fmt.Sprintf("failed to parse runbook: %s", parseErr))
		return s.finalize(rec, path), nil
	}

	required, present, cerr := doc.RequiredClaimsOf(d)
	if cerr == nil && present {
		decision := authz.Evaluate(required, token.Claims)
		if !decision.Allowed {
			rec.ReturnCode = types.ReservedAuthorizationDeniedCode
			rec.Stderr = authorizationDenialMessage("execute", token.Subject, decision.DeniedClaim)
			rec.Errors = append(rec.Errors, rec.Stderr)
			return s.finalize(rec, path), nil
		}
	}

	if recErr := recursion.Check(bc.RecursionStack, filename, s.cfg.MaxRecursionDepth); recErr != nil {
		kerr := recErr.(*types.Error)
		rec.ReturnCode = 1
		rec.Stderr = kerr.Message
		rec.Errors = append(rec.Errors, kerr.Message)
		return s.finalize(rec, path), nil
	}

	_, valResult := validate.Validate(path, s.env())
	if !valResult.OK {
		rec.Errors = append(rec.Errors, valResult.Errors...)
		rec.Warnings = append(rec.Warnings, valResult.Warnings...)
		rec.ReturnCode = 1
		return s.finalize(rec, path), nil
	}
	rec.Warnings = append(rec.Warnings, valResult.Warnings...)

	outboundStack := recursion.Extend(bc.RecursionStack, filename)
	rec.Breadcrumb.RecursionStack = outboundStack

	ws, wsErr := workspace.Create()
	if wsErr != nil {
		rec.ReturnCode = 1
		rec.Errors = append(rec.Errors, fmt.Sprintf("failed to create workspace: %s", wsErr))
		return s.finalize(rec, path), nil
	}
	defer ws.Dispose()

	runbookDir := filepath.Dir(path)
	fr, frPresent, _ := doc.FileRequirementsOf(d)
	if frPresent {
		if copyErrs := ws.Populate(runbookDir, fr.Input); len(copyErrs) > 0 {
			for _, ce := range copyErrs {
				rec.Errors = append(rec.Errors, ce.Error())
			}
			rec.ReturnCode = 1
			ws.Dispose()
			return s.finalize(rec, path), nil
		}
	}

	script, _ := doc.ScriptOf(d)
	scriptPath, swErr := ws.WriteScript(script)
	if swErr != nil {
		rec.ReturnCode = 1
		rec.Errors = append(rec.Errors, fmt.Sprintf("failed to write script: %s", swErr))
		ws.Dispose()
		return s.finalize(rec, path), nil
	}

	composedEnv, envWarnings := runner.ComposeEnvironment(sanitizedEnv, runner.SystemVars{
		APIToken:       token.RawBearer,
		CorrelationID:  bc.CorrelationID,
		URL:            s.cfg.URL(),
		RecursionStack: recursion.Encode(outboundStack),
	})
	rec.Warnings = append(rec.Warnings, envWarnings...)

	timeout := time.Duration(s.cfg.ScriptTimeoutSeconds) * time.Second
	result := runner.Run(ctx, s.cfg.ShellPath, scriptPath, ws.Path, composedEnv, timeout, s.cfg.MaxOutputBytes)

	rec.ReturnCode = result.ReturnCode
	rec.Stdout = result.Stdout
	rec.Stderr = result.Stderr
	rec.Warnings = append(rec.Warnings, result.Warnings...)

	ws.Dispose()
	return s.finalize(rec, path), nil
}

func authorizationDenialMessage(operation, subject, deniedClaim string) string {
	return fmt.Sprintf("RBAC: authorization denied for operation %q, user %q: missing required claim %q", operation, subject, deniedClaim)
}

// NewCorrelationID produces a default correlation id for breadcrumbs
// that arrive without one from the transport layer.
func NewCorrelationID() string {
	return uuid.NewString()
}
