// Package render substitutes named {{placeholders}} in message templates and
// formats values for the target locale.
package render

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/kalambet/insightline/internal/learning"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Vars is an ordered set of template variables. Names are unique; setting a
// name twice keeps the last value.
type Vars struct {
	names  []string
	values map[string]string
}

// NewVars returns an empty variable set.
func NewVars() *Vars {
	return &Vars{values: make(map[string]string)}
}

// Set assigns value to name. Blank names are ignored.
func (v *Vars) Set(name, value string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if _, ok := v.values[name]; !ok {
		v.names = append(v.names, name)
	}
	v.values[name] = value
}

// Get returns the value of name.
func (v *Vars) Get(name string) (string, bool) {
	if v == nil {
		return "", false
	}
	s, ok := v.values[name]
	return s, ok
}

// Names returns the variable names in insertion order.
func (v *Vars) Names() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.names))
	copy(out, v.names)
	return out
}

// Len returns the number of variables.
func (v *Vars) Len() int {
	if v == nil {
		return 0
	}
	return len(v.names)
}

// lookup resolves a placeholder name, falling back to its slug so that
// {{Total Vendas}} and {{total_vendas}} reach the same variable.
func (v *Vars) lookup(name string) (string, bool) {
	if s, ok := v.Get(name); ok {
		return s, true
	}
	if slug := Slug(name); slug != name {
		return v.Get(slug)
	}
	return "", false
}

// Template is a parsed message template.
type Template struct {
	src   string
	names []string
}

// Parse scans src for placeholders. Parsing never fails: text that does not
// look like a placeholder is left as is.
func Parse(src string) Template {
	t := Template{src: src}
	seen := make(map[string]bool)
	for _, m := range placeholderRE.FindAllStringSubmatch(src, -1) {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			t.names = append(t.names, name)
		}
	}
	return t
}

// Placeholders returns the distinct placeholder names in order of first use.
func (t Template) Placeholders() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Missing returns the placeholders vars cannot resolve.
func (t Template) Missing(vars *Vars) []string {
	var missing []string
	for _, name := range t.names {
		if _, ok := vars.lookup(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Render substitutes every placeholder vars can resolve. Unresolved
// placeholders are kept verbatim and returned so the caller can log them.
func (t Template) Render(vars *Vars) (string, []string) {
	var missing []string
	reported := make(map[string]bool)
	out := placeholderRE.ReplaceAllStringFunc(t.src, func(m string) string {
		name := placeholderRE.FindStringSubmatch(m)[1]
		if s, ok := vars.lookup(name); ok {
			return s
		}
		if !reported[name] {
			reported[name] = true
			missing = append(missing, name)
		}
		return m
	})
	return out, missing
}

// Slug lowercases name, strips accents and joins words with underscores:
// "Valor Líquido (R$)" becomes "valor_liquido_r".
func Slug(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range learning.Normalize(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}
