package history

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/runbookhq/runbookd/pkg/kernel/types"
)

func newTestRecorder() (*Recorder, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return NewRecorder(zap.New(core)), logs
}

func sampleRecord() types.ExecutionRecord {
	return types.ExecutionRecord{
		Start:      time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC),
		Finish:     time.Date(2026, 7, 31, 10, 0, 1, 0, time.UTC),
		ReturnCode: 0,
		Operation:  types.OperationExecute,
		Runbook:    "restart.md",
		Breadcrumb: types.Breadcrumb{CorrelationID: "abc-123"},
		Stdout:     "ok\n",
		Success:    true,
	}
}

func TestRecord_EmitsOneStructuredLogEntry(t *testing.T) {
	rec, logs := newTestRecorder()
	path := filepath.Join(t.TempDir(), "r.md")
	os.WriteFile(path, []byte("# History\n"), 0o644)

	rec.Record(path, sampleRecord())

	entries := logs.FilterMessage("execution_record").All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one execution_record log entry, got %d", len(entries))
	}
}

func TestRecord_AppendsSelfDelimitingEntry(t *testing.T) {
	rec, _ := newTestRecorder()
	path := filepath.Join(t.TempDir(), "r.md")
	os.WriteFile(path, []byte("# History\n"), 0o644)

	rec.Record(path, sampleRecord())

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(content), entryHeadingPrefix+"2026-07-31T10:00:01.000Z") {
		t.Errorf("expected self-delimiting entry heading, got:\n%s", content)
	}
	if !strings.Contains(string(content), "```stdout\nok\n\n```") {
		t.Errorf("expected fenced stdout block, got:\n%s", content)
	}
}

func TestRecord_AppendFailureProducesWarningNotError(t *testing.T) {
	rec, logs := newTestRecorder()
	missingPath := filepath.Join(t.TempDir(), "does-not-exist", "r.md")

	warning := rec.Record(missingPath, sampleRecord())
	if warning == "" {
		t.Fatal("expected a warning string when the append fails")
	}

	entries := logs.FilterMessage("execution_record").All()
	if len(entries) != 1 {
		t.Fatalf("expected log emission to still succeed, got %d entries", len(entries))
	}
}

func TestMaskSecrets_RedactsSecretConfigItemsOnly(t *testing.T) {
	rec := sampleRecord()
	rec.ConfigItems = []types.ConfigItem{
		{Name: "API_KEY", Value: "super-secret", Source: "env", Secret: true},
		{Name: "REGION", Value: "us-east-1", Source: "env", Secret: false},
	}
	masked := maskSecrets(rec)
	if masked.ConfigItems[0].Value != "<REDACTED>" {
		t.Errorf("expected secret value masked, got %q", masked.ConfigItems[0].Value)
	}
	if masked.ConfigItems[1].Value != "us-east-1" {
		t.Errorf("expected non-secret value untouched, got %q", masked.ConfigItems[1].Value)
	}
	if rec.ConfigItems[0].Value != "super-secret" {
		t.Errorf("expected original record untouched by masking, got %q", rec.ConfigItems[0].Value)
	}
}
