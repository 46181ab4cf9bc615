package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/insightline/internal/render"
	"github.com/kalambet/insightline/internal/storage"
)

// DefaultMaxExemplars bounds how many working queries go into a prompt.
const DefaultMaxExemplars = 5

// Composer assembles system prompts from the persona, the dataset's schema
// documentation and previously successful queries.
type Composer struct {
	catalog      *Catalog
	maxExemplars int
	loc          *time.Location
	formatter    *render.Formatter
}

// ComposerOptions configures a Composer.
type ComposerOptions struct {
	MaxExemplars int               // <= 0 uses DefaultMaxExemplars
	Location     *time.Location    // zone of "today"; nil is UTC
	Formatter    *render.Formatter // weekday names; nil is pt-BR
}

// NewComposer creates a Composer. A nil catalog uses Default().
func NewComposer(catalog *Catalog, opts ComposerOptions) *Composer {
	if catalog == nil {
		catalog = Default()
	}
	c := &Composer{
		catalog:      catalog,
		maxExemplars: opts.MaxExemplars,
		loc:          opts.Location,
		formatter:    opts.Formatter,
	}
	if c.maxExemplars <= 0 {
		c.maxExemplars = DefaultMaxExemplars
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	if c.formatter == nil {
		c.formatter = render.NewFormatter("pt-BR", "")
	}
	return c
}

// MaxExemplars returns the exemplar limit.
func (c *Composer) MaxExemplars() int { return c.maxExemplars }

// SystemPrompt builds the system message for a question about ds. The date
// is the calendar day of now in the deployment's zone.
func (c *Composer) SystemPrompt(ds storage.Dataset, exemplars []string, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(c.catalog.Persona))

	today := now.In(c.loc)
	fmt.Fprintf(&sb, "\n\nData de hoje: %s (%s).", today.Format("2006-01-02"), c.formatter.Weekday(today))

	if instr := strings.TrimSpace(c.catalog.Instructions); instr != "" {
		sb.WriteString("\n\n")
		sb.WriteString(instr)
	}

	if doc := strings.TrimSpace(ds.SchemaDoc); doc != "" {
		name := ds.Name
		if name == "" {
			name = ds.ID
		}
		fmt.Fprintf(&sb, "\n\n[Modelo de dados: %s]\n%s", name, doc)
	}

	if len(exemplars) > c.maxExemplars {
		exemplars = exemplars[:c.maxExemplars]
	}
	if len(exemplars) > 0 {
		sb.WriteString("\n\n[Consultas que já funcionaram para perguntas parecidas]")
		for i, q := range exemplars {
			fmt.Fprintf(&sb, "\n%d. %s", i+1, strings.TrimSpace(q))
		}
	}
	return sb.String()
}
