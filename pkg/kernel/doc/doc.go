// Package doc implements lossless extraction of the sections, fenced code
// blocks, and restricted YAML payloads that make up a runbook document
// (spec §4.1). It is purely functional: no file I/O, no validation
// decisions, no side effects.
package doc

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// Canonical section headings (spec §3). SectionName is a free-form title
// chosen by the runbook's author and is not matched by heading text.
const (
	SectionName            = "" // the first H1 in the document; heading text is the runbook's name
	SectionEnvironmentReqs = "Environment Requirements"
	SectionFileSystemReqs  = "File System Requirements"
	SectionRequiredClaims  = "Required Claims"
	SectionScript          = "Script"
	SectionHistory         = "History"
)

// shellTags are the fenced-code-block language tags recognized as the
// runbook's script body.
var shellTags = map[string]bool{"sh": true, "zsh": true, "bash": true}

// CodeBlock is one fenced code block found within a section.
type CodeBlock struct {
	Language string
	Content  string
}

// Section is one top-level (H1) section of a runbook document.
type Section struct {
	Heading    string
	CodeBlocks []CodeBlock
	HasProse   bool
	Body       string // raw source text between this heading and the next H1 (or EOF)
}

// Document is the lossless parse of a runbook's raw text.
type Document struct {
	Source []byte
	Name   string // heading text of the first H1 — the runbook's logical name
	// Sections preserves document order; the zero-valued Name section
	// (the first H1) is included with heading == Name.
	Sections []Section
}

// Section looks up a top-level section by heading text (exact match).
func (d *Document) Section(heading string) (*Section, bool) {
	for i := range d.Sections {
		if d.Sections[i].Heading == heading {
			return &d.Sections[i], true
		}
	}
	return nil, false
}

// Parse extracts the section structure of a runbook document. It never
// fails on well-formed markdown; a parse error here indicates malformed
// UTF-8 or an unreadable document structure, not a missing section (that
// is the Validator's job).
func Parse(source []byte) (*Document, error) {
	reader := gmtext.NewReader(source)
	root := goldmark.DefaultParser().Parse(reader)

	doc := &Document{Source: source}
	var order []*Section
	var cur *Section
	var curStart int

	closeCurrent := func(end int) {
		if cur == nil {
			return
		}
		cur.Body = string(source[clampEnd(curStart, len(source)):clampEnd(end, len(source))])
	}

	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level != 1 {
				return ast.WalkContinue, nil
			}
			heading := extractText(node, source)
			lineStart, lineEnd := headingLineBounds(node, source)
			closeCurrent(lineStart)

			sec := &Section{Heading: heading}
			order = append(order, sec)
			cur = sec
			curStart = lineEnd
			return ast.WalkSkipChildren, nil

		case *ast.FencedCodeBlock:
			if cur == nil {
				return ast.WalkContinue, nil
			}
			lang := string(node.Language(source))
			cur.CodeBlocks = append(cur.CodeBlocks, CodeBlock{
				Language: lang,
				Content:  extractCodeContent(node, source),
			})
			return ast.WalkSkipChildren, nil

		case *ast.Paragraph, *ast.List, *ast.ListItem:
			if cur != nil {
				cur.HasProse = true
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse runbook markdown: %w", err)
	}
	closeCurrent(len(source))

	for _, s := range order {
		doc.Sections = append(doc.Sections, *s)
	}
	if len(doc.Sections) > 0 {
		doc.Name = doc.Sections[0].Heading
	}
	return doc, nil
}

// FencedBlock returns the content of the first fenced code block in a
// section whose language tag matches one of the given tags (case
// sensitive, as written after the opening fence).
func (s *Section) FencedBlock(tags ...string) (string, bool) {
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	for _, cb := range s.CodeBlocks {
		if want[cb.Language] {
			return cb.Content, true
		}
	}
	return "", false
}

// ScriptOf returns the runbook's script body: the content of the first
// sh/zsh/bash fenced block under the Script section. A block containing
// only whitespace is treated as missing, matching spec §4.1.
func ScriptOf(d *Document) (string, bool) {
	sec, ok := d.Section(SectionScript)
	if !ok {
		return "", false
	}
	for _, cb := range sec.CodeBlocks {
		if shellTags[cb.Language] {
			if strings.TrimSpace(cb.Content) == "" {
				return "", false
			}
			return cb.Content, true
		}
	}
	return "", false
}

// EnvironmentRequirement is one declared environment variable.
type EnvironmentRequirement struct {
	Name        string
	Description string
}

// EnvironmentRequirementsOf parses the Environment Requirements section's
// yaml block into an ordered list of variable/description pairs.
// A missing section or missing yaml block yields (nil, nil) — that is a
// Validator concern, not a parse error.
func EnvironmentRequirementsOf(d *Document) ([]EnvironmentRequirement, error) {
	sec, ok := d.Section(SectionEnvironmentReqs)
	if !ok {
		return nil, nil
	}
	block, ok := sec.FencedBlock("yaml")
	if !ok {
		return nil, nil
	}
	return parseOrderedStringMapping(block)
}

// FileRequirements is the File System Requirements section's declared
// input/output paths. Missing keys default to empty lists (spec §4.1).
type FileRequirements struct {
	Input  []string
	Output []string
}

// FileRequirementsOf parses the File System Requirements section's yaml
// block. A missing section or block yields a zero-valued FileRequirements
// and ok=false.
func FileRequirementsOf(d *Document) (FileRequirements, bool, error) {
	sec, ok := d.Section(SectionFileSystemReqs)
	if !ok {
		return FileRequirements{}, false, nil
	}
	block, ok := sec.FencedBlock("yaml")
	if !ok {
		return FileRequirements{}, false, nil
	}

	var raw struct {
		Input  []string `yaml:"Input"`
		Output []string `yaml:"Output"`
	}
	dec := yaml.NewDecoder(strings.NewReader(block))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return FileRequirements{}, true, fmt.Errorf("file system requirements: %w", err)
	}
	if raw.Input == nil {
		raw.Input = []string{}
	}
	if raw.Output == nil {
		raw.Output = []string{}
	}
	return FileRequirements{Input: raw.Input, Output: raw.Output}, true, nil
}

// RequiredClaimsOf parses the optional Required Claims section. A missing
// section is absence (present=false), not an error. A present-but-empty
// block yields an empty mapping, which the Authorizer treats identically
// to absence (open access).
func RequiredClaimsOf(d *Document) (claims map[string][]string, present bool, err error) {
	sec, ok := d.Section(SectionRequiredClaims)
	if !ok {
		return nil, false, nil
	}
	block, ok := sec.FencedBlock("yaml")
	if !ok {
		return map[string][]string{}, true, nil
	}

	raw := map[string]string{}
	dec := yaml.NewDecoder(strings.NewReader(block))
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string][]string{}, true, nil
		}
		return nil, true, fmt.Errorf("required claims: %w", err)
	}

	claims = make(map[string][]string, len(raw))
	for name, csv := range raw {
		var values []string
		for _, v := range strings.Split(csv, ",") {
			v = strings.TrimSpace(v)
			if v != "" {
				values = append(values, v)
			}
		}
		claims[name] = values
	}
	return claims, true, nil
}

// parseOrderedStringMapping decodes a restricted `key: value` yaml
// mapping into an ordered slice, preserving document order via a
// yaml.Node walk (map decode into Go maps would lose order).
func parseOrderedStringMapping(block string) ([]EnvironmentRequirement, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(block), &root); err != nil {
		return nil, fmt.Errorf("environment requirements: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	mapping := root.Content[0]
	if mapping.Kind == 0 {
		return nil, nil
	}
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("environment requirements: expected a mapping")
	}

	out := make([]EnvironmentRequirement, 0, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		keyNode, valNode := mapping.Content[i], mapping.Content[i+1]
		if keyNode.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("environment requirements: non-scalar key at line %d", keyNode.Line)
		}
		if valNode.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("environment requirements: value for %q must be a plain string", keyNode.Value)
		}
		out = append(out, EnvironmentRequirement{
			Name:        keyNode.Value,
			Description: strings.TrimSpace(valNode.Value),
		})
	}
	return out, nil
}

func clampEnd(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// extractText flattens a heading's inline content into plain text,
// reusing the same ast.Walk traversal Parse uses for block structure:
// every *ast.Text descendant (including those nested inside a code span)
// contributes its bytes in document order, with a space inserted at a
// soft line break. Walking rather than hand-rolling FirstChild/
// NextSibling recursion means code spans need no special case — their
// text children are just more *ast.Text nodes the walk already visits.
func extractText(node ast.Node, source []byte) string {
	var sb strings.Builder
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		t, ok := n.(*ast.Text)
		if !ok {
			return ast.WalkContinue, nil
		}
		sb.Write(t.Segment.Value(source))
		if t.SoftLineBreak() {
			sb.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

// extractCodeContent returns the raw content of a fenced code block by
// concatenating its source lines directly into a byte slice (no
// intermediate strings.Builder needed since every line is already a
// byte-range view into source).
func extractCodeContent(n *ast.FencedCodeBlock, source []byte) string {
	lines := n.Lines()
	var raw []byte
	for i := 0; i < lines.Len(); i++ {
		raw = append(raw, lines.At(i).Value(source)...)
	}
	return strings.TrimRight(string(raw), "\n")
}

// headingLineBounds returns the byte offsets of the start and (exclusive,
// past the trailing newline) end of the source line containing a heading.
func headingLineBounds(n *ast.Heading, source []byte) (start, end int) {
	anchor := firstSegmentStart(n)
	if anchor < 0 {
		return 0, 0
	}
	start = anchor
	for start > 0 && source[start-1] != '\n' {
		start--
	}
	end = anchor
	for end < len(source) && source[end] != '\n' {
		end++
	}
	if end < len(source) {
		end++
	}
	return start, end
}

func firstSegmentStart(n ast.Node) int {
	if n.Lines().Len() > 0 {
		return n.Lines().At(0).Start
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			return t.Segment.Start
		}
		if s := firstSegmentStart(c); s >= 0 {
			return s
		}
	}
	return -1
}
