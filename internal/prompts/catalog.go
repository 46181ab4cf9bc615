// Package prompts loads the prompt catalog and composes system prompts.
package prompts

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/insightline/internal/learning"
)

//go:embed default.yaml
var defaultYAML []byte

// ToolSpec names and describes the query tool offered to the model.
type ToolSpec struct {
	Name             string `yaml:"name"`
	Description      string `yaml:"description"`
	QueryDescription string `yaml:"query_description"`
}

// Catalog holds every user-facing text the pipeline sends to the model or
// to the user.
type Catalog struct {
	Persona         string            `yaml:"persona"`
	Instructions    string            `yaml:"instructions"`
	Apology         string            `yaml:"apology"`
	TerminalApology string            `yaml:"terminal_apology"`
	Tool            ToolSpec          `yaml:"tool"`
	Intents         []learning.Bucket `yaml:"intents"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded prompt catalog: %v", err))
	}
	return c
}

// Parse decodes a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing prompt catalog: %w", err)
	}
	return &c, nil
}

// Load returns the embedded catalog overlaid with the file at path. An empty
// path returns the embedded catalog unchanged.
func Load(path string) (*Catalog, error) {
	base := Default()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompt catalog: %w", err)
	}
	override, err := Parse(data)
	if err != nil {
		return nil, err
	}
	base.merge(override)
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return base, nil
}

func (c *Catalog) merge(o *Catalog) {
	set := func(dst *string, src string) {
		if strings.TrimSpace(src) != "" {
			*dst = src
		}
	}
	set(&c.Persona, o.Persona)
	set(&c.Instructions, o.Instructions)
	set(&c.Apology, o.Apology)
	set(&c.TerminalApology, o.TerminalApology)
	set(&c.Tool.Name, o.Tool.Name)
	set(&c.Tool.Description, o.Tool.Description)
	set(&c.Tool.QueryDescription, o.Tool.QueryDescription)
	if len(o.Intents) > 0 {
		c.Intents = o.Intents
	}
}

// Validate checks that the texts the pipeline cannot work without are set.
func (c *Catalog) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Persona) == "" {
		errs = append(errs, errors.New("persona is empty"))
	}
	if strings.TrimSpace(c.Apology) == "" {
		errs = append(errs, errors.New("apology is empty"))
	}
	if strings.TrimSpace(c.TerminalApology) == "" {
		errs = append(errs, errors.New("terminal_apology is empty"))
	}
	if strings.TrimSpace(c.Tool.Name) == "" {
		errs = append(errs, errors.New("tool.name is empty"))
	}
	for i, b := range c.Intents {
		if strings.TrimSpace(b.Name) == "" {
			errs = append(errs, fmt.Errorf("intents[%d] has no name", i))
		}
	}
	return errors.Join(errs...)
}

// ToolSchema returns the JSON schema of the query tool's arguments.
func (c *Catalog) ToolSchema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": c.Tool.QueryDescription,
			},
		},
		"required": []string{"query"},
	}
	b, _ := json.Marshal(schema)
	return b
}
