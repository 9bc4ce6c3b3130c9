package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/runbookhq/runbookd/config"
	"github.com/runbookhq/runbookd/pkg/kernel/types"
)

func writeRunbook(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write runbook: %v", err)
	}
	return path
}

const simpleRunbook = `# SimpleRunbook

Echoes ok.

# Environment Requirements

` + "```yaml" + `
` + "```" + `

# File System Requirements

` + "```yaml" + `
Input: []
Output: []
` + "```" + `

# Required Claims

` + "```yaml" + `
roles: developer, admin
` + "```" + `

# Script

` + "```sh" + `
echo ok
` + "```" + `

# History
`

func newTestService(t *testing.T, runbooksDir string) *Service {
	t.Helper()
	cfg := &config.Config{
		RunbooksDir:          runbooksDir,
		ShellPath:            shellPath(t),
		ScriptTimeoutSeconds: 5,
		MaxOutputBytes:       1 << 20,
		MaxRecursionDepth:    50,
		APIProtocol:          "http",
		APIHost:              "localhost",
		APIPort:              8080,
	}
	logger := zap.NewNop()
	return New(cfg, logger).WithEnvironmentProvider(func() map[string]string { return map[string]string{} })
}

func shellPath(t *testing.T) string {
	t.Helper()
	for _, candidate := range []string{"/bin/zsh", "/usr/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "/bin/sh"
}

func tokenWithRoles(subject string, roles ...string) types.TokenContext {
	return types.TokenContext{
		Subject:   subject,
		Claims:    types.ClaimSet{"roles": roles},
		RawBearer: "test-bearer",
	}
}

func TestExecute_SimpleRunbookSucceedsForAuthorizedCaller(t *testing.T) {
	dir := t.TempDir()
	writeRunbook(t, dir, "SimpleRunbook.md", simpleRunbook)
	svc := newTestService(t, dir)

	rec, err := svc.Execute("SimpleRunbook.md", tokenWithRoles("alice", "developer"), types.Breadcrumb{CorrelationID: "cid-1"}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.ReturnCode != 0 {
		t.Fatalf("expected return_code 0, got %d (stderr=%q)", rec.ReturnCode, rec.Stderr)
	}
	if strings.TrimSpace(rec.Stdout) != "ok" {
		t.Errorf("expected stdout %q, got %q", "ok", rec.Stdout)
	}
	if !rec.Success {
		t.Errorf("expected success=true")
	}

	contents, _ := os.ReadFile(filepath.Join(dir, "SimpleRunbook.md"))
	if !strings.Contains(string(contents), "### Execution ") {
		t.Errorf("expected history entry appended to runbook file")
	}
}

func TestExecute_DeniesUnauthorizedCaller(t *testing.T) {
	dir := t.TempDir()
	writeRunbook(t, dir, "SimpleRunbook.md", simpleRunbook)
	svc := newTestService(t, dir)

	rec, err := svc.Execute("SimpleRunbook.md", tokenWithRoles("eve", "viewer"), types.Breadcrumb{CorrelationID: "cid-2"}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.ReturnCode != types.ReservedAuthorizationDeniedCode {
		t.Fatalf("expected reserved denial code %d, got %d", types.ReservedAuthorizationDeniedCode, rec.ReturnCode)
	}
	if !strings.Contains(rec.Stderr, "eve") || !strings.Contains(rec.Stderr, "RBAC") {
		t.Errorf("expected denial stderr naming subject and RBAC, got %q", rec.Stderr)
	}
}

func TestExecute_RejectsBadFilename(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t, dir)

	_, err := svc.Execute("../escape.md", tokenWithRoles("alice"), types.Breadcrumb{}, nil)
	kerr, ok := err.(*types.Error)
	if !ok || kerr.Kind != types.KindBadFilename {
		t.Fatalf("expected BadFilename error, got %v", err)
	}
}

func TestExecute_RejectsInvalidEnvVarName(t *testing.T) {
	dir := t.TempDir()
	writeRunbook(t, dir, "SimpleRunbook.md", simpleRunbook)
	svc := newTestService(t, dir)

	_, err := svc.Execute("SimpleRunbook.md", tokenWithRoles("alice", "developer"), types.Breadcrumb{}, map[string]string{"1BAD": "y"})
	kerr, ok := err.(*types.Error)
	if !ok || kerr.Kind != types.KindInvalidEnvVarName {
		t.Fatalf("expected InvalidEnvVarName error, got %v", err)
	}
}

func TestExecute_RecursionDetected(t *testing.T) {
	dir := t.TempDir()
	writeRunbook(t, dir, "A.md", simpleRunbook)
	svc := newTestService(t, dir)

	bc := types.Breadcrumb{RecursionStack: []string{"A.md"}}
	rec, err := svc.Execute("A.md", tokenWithRoles("alice", "developer"), bc, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.ReturnCode == 0 {
		t.Fatalf("expected non-zero return code for recursion detection")
	}
	if !strings.Contains(rec.Stderr, "Recursion detected") || !strings.Contains(rec.Stderr, "A.md") {
		t.Errorf("expected recursion detected message naming A.md, got %q", rec.Stderr)
	}
}

func TestValidate_ReportsMissingEnvironmentVariable(t *testing.T) {
	dir := t.TempDir()
	runbook := `# NeedsVar

# Environment Requirements

` + "```yaml" + `
DB_HOST: hostname
` + "```" + `

# File System Requirements

` + "```yaml" + `
Input: []
Output: []
` + "```" + `

# Script

` + "```sh" + `
echo hi
` + "```" + `

# History
`
	writeRunbook(t, dir, "needsvar.md", runbook)
	svc := newTestService(t, dir)

	rec, err := svc.Validate("needsvar.md", tokenWithRoles("alice"), types.Breadcrumb{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if rec.ReturnCode == 0 {
		t.Fatalf("expected non-zero return code for missing env var")
	}
	found := false
	for _, e := range rec.Errors {
		if strings.Contains(e, "DB_HOST") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an error naming DB_HOST, got %v", rec.Errors)
	}
}

func TestList_FiltersToMarkdownFiles(t *testing.T) {
	dir := t.TempDir()
	writeRunbook(t, dir, "a.md", simpleRunbook)
	writeRunbook(t, dir, "notes.txt", "ignore me")
	if err := os.Mkdir(filepath.Join(dir, "sub.md"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	svc := newTestService(t, dir)

	names, err := svc.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "a.md" {
		t.Fatalf("expected only [a.md], got %v", names)
	}
}

func TestGet_ReturnsRawText(t *testing.T) {
	dir := t.TempDir()
	writeRunbook(t, dir, "a.md", simpleRunbook)
	svc := newTestService(t, dir)

	text, err := svc.Get("a.md")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(text, "SimpleRunbook") {
		t.Errorf("expected runbook text, got %q", text)
	}
}

func TestRequiredEnv_ParsesDeclaredVariables(t *testing.T) {
	dir := t.TempDir()
	runbook := `# NeedsVar

# Environment Requirements

` + "```yaml" + `
DB_HOST: the database hostname
API_KEY: the api key
` + "```" + `

# File System Requirements

` + "```yaml" + `
Input: []
Output: []
` + "```" + `

# Script

` + "```sh" + `
echo hi
` + "```" + `

# History
`
	writeRunbook(t, dir, "needsvar.md", runbook)
	svc := newTestService(t, dir)

	vars, err := svc.RequiredEnv("needsvar.md")
	if err != nil {
		t.Fatalf("required env: %v", err)
	}
	if len(vars) != 2 || vars[0].Name != "DB_HOST" || vars[1].Name != "API_KEY" {
		t.Fatalf("unexpected vars: %+v", vars)
	}
}
