package prompts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/insightline/internal/learning"
	"github.com/kalambet/insightline/internal/storage"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.Tool.Name != "execute_dax" {
		t.Errorf("Tool.Name = %q", c.Tool.Name)
	}
	if len(c.Intents) == 0 {
		t.Fatal("no intents in default catalog")
	}

	cl := learning.NewClassifier(c.Intents)
	if got := cl.Classify("Quanto faturamos ontem?"); got != "sales" {
		t.Errorf("Classify = %q, want sales", got)
	}
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	doc := "apology: Sorry, try again.\nintents:\n  - name: hr\n    keywords: [salario]\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Apology != "Sorry, try again." {
		t.Errorf("Apology = %q", c.Apology)
	}
	if c.Persona != Default().Persona {
		t.Error("Persona should keep the embedded value")
	}
	if len(c.Intents) != 1 || c.Intents[0].Name != "hr" {
		t.Errorf("Intents = %+v", c.Intents)
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Apology == "" {
		t.Error("Apology is empty")
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestToolSchema(t *testing.T) {
	var schema struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(Default().ToolSchema(), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if schema.Type != "object" || schema.Properties["query"] == nil || len(schema.Required) != 1 {
		t.Errorf("schema = %+v", schema)
	}
}

func TestSystemPrompt(t *testing.T) {
	comp := NewComposer(Default(), ComposerOptions{MaxExemplars: 2})
	ds := storage.Dataset{ID: "ds1", Name: "Vendas", SchemaDoc: "Tabela Vendas: Data, Loja, Valor"}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	got := comp.SystemPrompt(ds, []string{"EVALUATE A", "EVALUATE B", "EVALUATE C"}, now)

	for _, want := range []string{
		"analista de dados",
		"2026-03-02",
		"[Modelo de dados: Vendas]",
		"Tabela Vendas: Data, Loja, Valor",
		"1. EVALUATE A",
		"2. EVALUATE B",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "EVALUATE C") {
		t.Error("prompt exceeds exemplar limit")
	}
}

func TestSystemPrompt_DateInDeploymentZone(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}
	comp := NewComposer(nil, ComposerOptions{Location: loc})

	// 22:30 in São Paulo is already the next day in UTC.
	now := time.Date(2026, 10, 19, 22, 30, 0, 0, loc).UTC()
	got := comp.SystemPrompt(storage.Dataset{ID: "ds1"}, nil, now)

	if !strings.Contains(got, "Data de hoje: 2026-10-19 (segunda-feira).") {
		t.Errorf("prompt has wrong date:\n%s", got)
	}
}

func TestSystemPrompt_NoExemplars(t *testing.T) {
	got := NewComposer(nil, ComposerOptions{}).SystemPrompt(storage.Dataset{ID: "ds1"}, nil, time.Now())
	if strings.Contains(got, "[Consultas") {
		t.Errorf("unexpected exemplar section:\n%s", got)
	}
}
