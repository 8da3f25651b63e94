package actions

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/searchpulse/internal/storage"
)

//go:embed templates.yaml
var defaultTemplates []byte

// FallbackName is the template used when nothing else matches.
const FallbackName = "generic"

// Template is one rule of the action table.
type Template struct {
	Name         string           `yaml:"name"`
	Category     storage.Category `yaml:"category"`
	Source       string           `yaml:"source"`
	Keywords     []string         `yaml:"keywords"`
	ActionType   string           `yaml:"action_type"`
	Priority     string           `yaml:"priority"`
	Effort       string           `yaml:"effort"`
	Impact       ImpactSpec       `yaml:"impact"`
	Title        string           `yaml:"title"`
	Instructions string           `yaml:"instructions"`
}

type ImpactSpec struct {
	Multiplier float64 `yaml:"multiplier"`
}

// Catalog is a validated template table.
type Catalog struct {
	templates []Template
	fallback  Template
}

// DefaultCatalog returns the built-in templates.
func DefaultCatalog() *Catalog {
	c, err := ParseTemplates(defaultTemplates)
	if err != nil {
		panic("actions: built-in templates: " + err.Error())
	}
	return c
}

// LoadCatalog reads templates from path, or returns the built-in table when
// path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading templates: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes and validates a YAML template list. Exactly one
// template must be named "generic".
func ParseTemplates(data []byte) (*Catalog, error) {
	var list []Template
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}

	c := &Catalog{}
	seen := make(map[string]bool, len(list))
	for i, t := range list {
		if t.Name == "" {
			return nil, fmt.Errorf("template %d: missing name", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("template %s: duplicate name", t.Name)
		}
		seen[t.Name] = true
		if _, ok := tierWeight[t.Priority]; !ok {
			return nil, fmt.Errorf("template %s: unknown priority %q", t.Name, t.Priority)
		}
		if _, ok := effortWeight[t.Effort]; !ok {
			return nil, fmt.Errorf("template %s: unknown effort %q", t.Name, t.Effort)
		}
		if t.ActionType == "" || t.Title == "" {
			return nil, fmt.Errorf("template %s: action_type and title are required", t.Name)
		}
		if t.Impact.Multiplier < 0 {
			return nil, fmt.Errorf("template %s: negative impact multiplier", t.Name)
		}
		if t.Impact.Multiplier == 0 {
			t.Impact.Multiplier = 1
		}
		for j, k := range t.Keywords {
			t.Keywords[j] = strings.ToLower(k)
		}
		if t.Name == FallbackName {
			c.fallback = t
			continue
		}
		c.templates = append(c.templates, t)
	}
	if c.fallback.Name == "" {
		return nil, fmt.Errorf("templates: no %q fallback", FallbackName)
	}
	return c, nil
}

// Match picks the template for in: an exact (category, source) rule first,
// then the first rule whose keywords occur in the insight text, then the
// fallback. Keyword rules restricted to a category only match that category.
func (c *Catalog) Match(in storage.Insight) Template {
	for _, t := range c.templates {
		if t.Source != "" && t.Category == in.Category && t.Source == in.Source {
			return t
		}
	}

	text := strings.ToLower(in.Title + " " + in.Description)
	for _, t := range c.templates {
		if t.Category != "" && t.Category != in.Category {
			continue
		}
		for _, k := range t.Keywords {
			if k != "" && strings.Contains(text, k) {
				return t
			}
		}
	}
	return c.fallback
}

// Templates returns every rule including the fallback, in match order.
func (c *Catalog) Templates() []Template {
	out := make([]Template, 0, len(c.templates)+1)
	out = append(out, c.templates...)
	return append(out, c.fallback)
}

func (t Template) render(s string, in storage.Insight) string {
	return strings.NewReplacer(
		"{page}", in.Page,
		"{property}", in.Property,
		"{source}", in.Source,
		"{title}", in.Title,
	).Replace(s)
}
