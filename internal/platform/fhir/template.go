package fhir

import (
	"embed"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
)

//go:embed templates/*.json
var templateFS embed.FS

var ErrUnresolvedToken = errors.New("unresolved template token")

var tokenPattern = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`)

var (
	templatesOnce sync.Once
	templates     map[string]Document
	templatesErr  error
)

// Template returns a fresh copy of the named embedded template
// (file name without the .json suffix).
func Template(name string) (Document, error) {
	templatesOnce.Do(loadTemplates)
	if templatesErr != nil {
		return nil, templatesErr
	}
	t, ok := templates[name]
	if !ok {
		return nil, fmt.Errorf("template %q not found", name)
	}
	return t.Clone(), nil
}

func loadTemplates() {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		templatesErr = fmt.Errorf("read templates: %w", err)
		return
	}
	templates = make(map[string]Document, len(entries))
	for _, e := range entries {
		data, err := templateFS.ReadFile(path.Join("templates", e.Name()))
		if err != nil {
			templatesErr = fmt.Errorf("read template %s: %w", e.Name(), err)
			return
		}
		doc, err := ParseDocument(data)
		if err != nil {
			templatesErr = fmt.Errorf("parse template %s: %w", e.Name(), err)
			return
		}
		templates[strings.TrimSuffix(e.Name(), ".json")] = doc
	}
}

// Render copies tmpl and substitutes every $token found in string leaves.
// A leaf that consists of exactly one token takes the substitution's own
// type (bool, number, string); tokens inside longer strings are replaced
// textually. The tree is never re-parsed, so values need no escaping.
func Render(tmpl Document, subs map[string]any) (Document, error) {
	doc := tmpl.Clone()
	missing := map[string]bool{}
	out := renderNode(doc, subs, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedToken, strings.Join(names, ", "))
	}
	return out.(Document), nil
}

func renderNode(node any, subs map[string]any, missing map[string]bool) any {
	switch val := node.(type) {
	case Document:
		for k, child := range val {
			val[k] = renderNode(child, subs, missing)
		}
		return val
	case map[string]any:
		for k, child := range val {
			val[k] = renderNode(child, subs, missing)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = renderNode(child, subs, missing)
		}
		return val
	case string:
		return renderString(val, subs, missing)
	default:
		return node
	}
}

func renderString(s string, subs map[string]any, missing map[string]bool) any {
	if !strings.Contains(s, "$") {
		return s
	}
	if tokenPattern.FindString(s) == s {
		v, ok := subs[s]
		if !ok {
			missing[s] = true
			return s
		}
		return v
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(tok string) string {
		v, ok := subs[tok]
		if !ok {
			missing[tok] = true
			return tok
		}
		return fmt.Sprint(v)
	})
}

// CodingIndex returns the index of the CodeableConcept in the array at
// field whose first coding system contains fragment, or -1.
func CodingIndex(doc Document, field, fragment string) int {
	arr, ok := doc[field].([]any)
	if !ok {
		return -1
	}
	for i := range arr {
		system := doc.String(field, i, "coding", 0, "system")
		if system != "" && strings.Contains(system, fragment) {
			return i
		}
	}
	return -1
}

// FindCoding returns the first coding of the concept selected by
// CodingIndex.
func FindCoding(doc Document, field, fragment string) (Coding, bool) {
	i := CodingIndex(doc, field, fragment)
	if i < 0 {
		return Coding{}, false
	}
	return Coding{
		System:  doc.String(field, i, "coding", 0, "system"),
		Code:    doc.String(field, i, "coding", 0, "code"),
		Display: doc.String(field, i, "coding", 0, "display"),
	}, true
}

// RemoveCoding deletes the concept selected by CodingIndex. The field is
// dropped entirely once its array is empty.
func RemoveCoding(doc Document, field, fragment string) bool {
	i := CodingIndex(doc, field, fragment)
	if i < 0 {
		return false
	}
	Prune(doc, field, i)
	if arr, ok := doc[field].([]any); ok && len(arr) == 0 {
		delete(doc, field)
	}
	return true
}
