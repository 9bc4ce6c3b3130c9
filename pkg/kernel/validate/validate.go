// Package validate implements the non-fail-fast runbook validation
// pipeline of spec §4.2: every check always runs, errors and warnings
// are reported separately, and the script is never executed.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/runbookhq/runbookd/pkg/kernel/doc"
)

// Result is the outcome of validating one runbook.
type Result struct {
	OK       bool
	Errors   []string
	Warnings []string
}

var requiredSections = []string{
	doc.SectionEnvironmentReqs,
	doc.SectionFileSystemReqs,
	doc.SectionScript,
	doc.SectionHistory,
}

// Validate runs the full pipeline against a runbook file on disk. env is
// the resolved environment to check Environment Requirements against
// (normally a snapshot of the process environment, injectable here for
// tests). It returns the parsed document (nil if the file could not be
// read at all) alongside the result.
func Validate(path string, env map[string]string) (*doc.Document, Result) {
	var res Result

	info, err := os.Stat(path)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("runbook file not readable: %s", err))
		return nil, res
	}
	if info.IsDir() {
		res.Errors = append(res.Errors, "runbook path is a directory, not a file")
		return nil, res
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("runbook file not readable: %s", err))
		return nil, res
	}

	d, err := doc.Parse(raw)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("failed to parse runbook: %s", err))
		return nil, res
	}

	checkSections(d, &res)
	checkEnvironment(d, env, &res)
	checkFileSystem(d, filepath.Dir(path), &res)
	checkScript(d, &res)

	res.OK = len(res.Errors) == 0
	return d, res
}

// checkSections verifies section 2 of spec §4.2: every required section
// is present, and non-empty (History is exempt from the emptiness check).
func checkSections(d *doc.Document, res *Result) {
	if d.Name == "" {
		res.Errors = append(res.Errors, "missing required section: Name (no top-level heading found)")
	}
	for _, heading := range requiredSections {
		sec, ok := d.Section(heading)
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("missing required section: %s", heading))
			continue
		}
		if heading == doc.SectionHistory {
			continue // History may legitimately be empty
		}
		if sectionIsEmpty(sec) {
			res.Errors = append(res.Errors, fmt.Sprintf("required section is empty: %s", heading))
		}
	}
}

func sectionIsEmpty(sec *doc.Section) bool {
	return !sec.HasProse && len(sec.CodeBlocks) == 0 && strings.TrimSpace(sec.Body) == ""
}

// checkEnvironment verifies section 3: the Environment Requirements yaml
// parses, and every declared variable resolves in env.
func checkEnvironment(d *doc.Document, env map[string]string, res *Result) {
	reqs, err := doc.EnvironmentRequirementsOf(d)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("environment requirements: %s", err))
		return
	}
	for _, r := range reqs {
		if _, ok := env[r.Name]; !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("missing required environment variable: %s", r.Name))
		}
	}
}

// checkFileSystem verifies section 4: the File System Requirements yaml
// parses, and every Input path resolves within the runbook's parent
// directory and exists on the host.
func checkFileSystem(d *doc.Document, runbookDir string, res *Result) {
	fr, present, err := doc.FileRequirementsOf(d)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("file system requirements: %s", err))
		return
	}
	if !present {
		return
	}
	for _, p := range fr.Input {
		resolved, err := resolveWithinDir(runbookDir, p)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("input path %q: %s", p, err))
			continue
		}
		if _, err := os.Stat(resolved); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("input path does not exist: %s", p))
		}
	}
}

// resolveWithinDir resolves p relative to dir and rejects any result that
// escapes dir via traversal.
func resolveWithinDir(dir, p string) (string, error) {
	joined := filepath.Join(dir, p)
	cleanDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	cleanJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(cleanDir, cleanJoined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("resolves outside the runbook directory")
	}
	return cleanJoined, nil
}

// checkScript verifies section 5: a script block exists.
func checkScript(d *doc.Document, res *Result) {
	if _, ok := doc.ScriptOf(d); !ok {
		res.Errors = append(res.Errors, "script is missing or empty")
	}
}
