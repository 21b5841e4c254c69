package prompt

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/db-agent/internal/core/ports"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type Category struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Examples string   `yaml:"examples"`
}

type Catalog struct {
	SystemTemplate  string     `yaml:"system_template"`
	DefaultCategory string     `yaml:"default_category"`
	Categories      []Category `yaml:"categories"`
}

// ParseCatalog decodes a YAML example catalog and validates its template.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("decode prompt catalog: %w", err)
	}
	if strings.TrimSpace(catalog.SystemTemplate) == "" {
		return nil, fmt.Errorf("prompt catalog: system_template is required")
	}
	for i := range catalog.Categories {
		for j, keyword := range catalog.Categories[i].Keywords {
			catalog.Categories[i].Keywords[j] = strings.ToLower(strings.TrimSpace(keyword))
		}
	}
	return &catalog, nil
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() *Catalog {
	catalog, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return catalog
}

// SelectExamples returns the example text of every category whose keywords
// occur in the message, in catalog order. The default category is used when
// nothing matched.
func (c *Catalog) SelectExamples(message string) string {
	lowered := strings.ToLower(message)
	selected := make([]string, 0, len(c.Categories))
	for _, category := range c.Categories {
		for _, keyword := range category.Keywords {
			if keyword != "" && strings.Contains(lowered, keyword) {
				selected = append(selected, strings.TrimSpace(category.Examples))
				break
			}
		}
	}
	if len(selected) == 0 && strings.TrimSpace(message) != "" {
		for _, category := range c.Categories {
			if category.Name == c.DefaultCategory {
				selected = append(selected, strings.TrimSpace(category.Examples))
				break
			}
		}
	}
	return strings.Join(selected, "\n\n")
}

type Builder struct {
	collections   ports.CollectionLister
	catalog       *Catalog
	tmpl          *template.Template
	documentLimit int
}

func NewBuilder(collections ports.CollectionLister, catalog *Catalog, documentLimit int) (*Builder, error) {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if documentLimit <= 0 {
		documentLimit = 50
	}
	tmpl, err := template.New("system").Option("missingkey=error").Parse(catalog.SystemTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse system template: %w", err)
	}
	return &Builder{
		collections:   collections,
		catalog:       catalog,
		tmpl:          tmpl,
		documentLimit: documentLimit,
	}, nil
}

func (b *Builder) SystemPrompt(ctx context.Context, userMessage string) (string, error) {
	names := []string{}
	if b.collections != nil {
		listed, err := b.collections.ListCollectionNames(ctx)
		if err != nil {
			// The model can still answer general questions without the listing.
			slog.Warn("prompt_collections_unavailable", "error", err)
		} else {
			names = listed
		}
	}

	var out bytes.Buffer
	err := b.tmpl.Execute(&out, struct {
		Collections string
		Examples    string
		Limit       int
	}{
		Collections: formatCollections(names),
		Examples:    b.catalog.SelectExamples(userMessage),
		Limit:       b.documentLimit,
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return out.String(), nil
}

var _ ports.PromptBuilder = (*Builder)(nil)

func formatCollections(names []string) string {
	quoted := make([]string, 0, len(names))
	for _, name := range names {
		quoted = append(quoted, fmt.Sprintf("%q", name))
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
