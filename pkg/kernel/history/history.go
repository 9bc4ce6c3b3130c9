// Package history durably records executions (spec §4.7): one structured
// log event per operation (the system of record) plus a best-effort,
// self-delimiting append to the runbook's History section (a convenience
// for human review). Grounded on the teacher's append-only trace writer
// (pkg/kernel/trace/trace.go) for the "one record per operation, writer
// owns serialization" shape, and its governance redaction helper
// (pkg/governance/redaction.go) for value-masking by substring.
package history

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/runbookhq/runbookd/pkg/kernel/types"
)

const entryHeadingPrefix = "### Execution "

// Recorder appends history entries to runbook files and emits the
// canonical execution record to the shared logger.
type Recorder struct {
	logger *zap.Logger
}

// NewRecorder builds a Recorder around an already-constructed logger
// (pkg/kernel/log.New); the Recorder does not own the logger's lifecycle.
func NewRecorder(logger *zap.Logger) *Recorder {
	return &Recorder{logger: logger}
}

// Record emits the execution record to the log stream (authoritative)
// and appends a formatted entry to runbookPath's History section
// (best-effort). A file-append failure is logged as an error and
// returned as a warning string for the caller to add to the execution
// record it returns (the execution_record event has already been emitted
// without it), matching spec §4.7's "failure policy": it does not change
// the operation's return code.
func (r *Recorder) Record(runbookPath string, rec types.ExecutionRecord) (appendWarning string) {
	r.emit(rec)

	if err := r.appendToFile(runbookPath, rec); err != nil {
		appendWarning = fmt.Sprintf("failed to append history entry: %s", err)
		r.logger.Error("history_append_failed",
			zap.String("runbook", rec.Runbook),
			zap.String("correlation_id", rec.Breadcrumb.CorrelationID),
			zap.Error(err))
	}
	return appendWarning
}

// emit writes the full execution record as a single structured INFO
// event. This is the system of record per spec §4.7.
func (r *Recorder) emit(rec types.ExecutionRecord) {
	masked := maskSecrets(rec)
	r.logger.Info("execution_record",
		zap.Time("start", masked.Start),
		zap.Time("finish", masked.Finish),
		zap.Int("return_code", masked.ReturnCode),
		zap.String("operation", string(masked.Operation)),
		zap.String("runbook", masked.Runbook),
		zap.String("correlation_id", masked.Breadcrumb.CorrelationID),
		zap.String("user_id", masked.Breadcrumb.UserID),
		zap.Strings("recursion_stack", masked.Breadcrumb.RecursionStack),
		zap.Any("config_items", masked.ConfigItems),
		zap.String("stdout", masked.Stdout),
		zap.String("stderr", masked.Stderr),
		zap.Strings("errors", masked.Errors),
		zap.Strings("warnings", masked.Warnings),
		zap.Bool("success", masked.Success),
	)
}

// maskSecrets returns a copy of rec with config_items marked secret
// replaced by value, following the teacher's substring-replace redaction
// idiom generalized here to exact-value masking by field.
func maskSecrets(rec types.ExecutionRecord) types.ExecutionRecord {
	if len(rec.ConfigItems) == 0 {
		return rec
	}
	masked := make([]types.ConfigItem, len(rec.ConfigItems))
	for i, item := range rec.ConfigItems {
		masked[i] = item
		if item.Secret {
			masked[i].Value = "<REDACTED>"
		}
	}
	rec.ConfigItems = masked
	return rec
}

// appendToFile formats and appends one self-delimiting entry. The
// heading's ISO timestamp makes the latest entry recoverable by
// searching backward for entryHeadingPrefix without scanning the file.
func (r *Recorder) appendToFile(path string, rec types.ExecutionRecord) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(formatEntry(rec))
	return err
}

func formatEntry(rec types.ExecutionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s%s\n\n", entryHeadingPrefix, rec.Finish.UTC().Format("2006-01-02T15:04:05.000Z"))
	fmt.Fprintf(&b, "operation: %s, return_code: %d, success: %t\n\n", rec.Operation, rec.ReturnCode, rec.Success)
	if len(rec.Errors) > 0 {
		fmt.Fprintf(&b, "errors: %s\n\n", strings.Join(rec.Errors, "; "))
	}
	if len(rec.Warnings) > 0 {
		fmt.Fprintf(&b, "warnings: %s\n\n", strings.Join(rec.Warnings, "; "))
	}
	fmt.Fprintf(&b, "```stdout\n%s\n```\n\n", rec.Stdout)
	fmt.Fprintf(&b, "```stderr\n%s\n```\n", rec.Stderr)
	return b.String()
}
