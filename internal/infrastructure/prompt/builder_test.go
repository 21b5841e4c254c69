package prompt

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeLister struct {
	names []string
	err   error
}

func (f fakeLister) ListCollectionNames(context.Context) ([]string, error) {
	return f.names, f.err
}

func TestDefaultCatalogParses(t *testing.T) {
	catalog := DefaultCatalog()
	if catalog.DefaultCategory != "search" {
		t.Fatalf("unexpected default category: %q", catalog.DefaultCategory)
	}
	names := make([]string, 0, len(catalog.Categories))
	for _, category := range catalog.Categories {
		names = append(names, category.Name)
		if strings.TrimSpace(category.Examples) == "" {
			t.Fatalf("category %q has no examples", category.Name)
		}
	}
	if strings.Join(names, ",") != "aggregation,crud,iterative,search,ui" {
		t.Fatalf("unexpected categories: %v", names)
	}
}

func TestSelectExamplesByKeyword(t *testing.T) {
	catalog := DefaultCatalog()

	agg := catalog.SelectExamples("How many users signed up?")
	if !strings.Contains(agg, "Aggregate Summary") || strings.Contains(agg, "Insert Data") {
		t.Fatalf("expected aggregation examples only, got %q", agg)
	}

	crud := catalog.SelectExamples("Please ADD a student")
	if !strings.Contains(crud, "Insert Data") || !strings.Contains(crud, "Mandatory Confirmation") {
		t.Fatalf("expected crud and iterative examples, got %q", crud)
	}

	fallback := catalog.SelectExamples("hello")
	if !strings.Contains(fallback, "Text Search") {
		t.Fatalf("expected default search examples, got %q", fallback)
	}

	if got := catalog.SelectExamples("   "); got != "" {
		t.Fatalf("expected no examples for empty message, got %q", got)
	}
}

func TestSystemPromptRendersCollectionsAndLimit(t *testing.T) {
	builder, err := NewBuilder(fakeLister{names: []string{"users", "orders"}}, nil, 25)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}

	prompt, err := builder.SystemPrompt(context.Background(), "count orders")
	if err != nil {
		t.Fatalf("SystemPrompt() error = %v", err)
	}
	if !strings.Contains(prompt, `DB_COLS: ["users", "orders"]`) {
		t.Fatalf("collections missing from prompt: %q", prompt)
	}
	if !strings.Contains(prompt, "Max 25 docs per query") {
		t.Fatalf("limit missing from prompt")
	}
	if !strings.Contains(prompt, `"type": "count"`) {
		t.Fatalf("expected aggregation example in prompt")
	}
}

func TestSystemPromptSurvivesListingFailure(t *testing.T) {
	builder, err := NewBuilder(fakeLister{err: errors.New("mongo down")}, nil, 0)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	prompt, err := builder.SystemPrompt(context.Background(), "hi")
	if err != nil {
		t.Fatalf("SystemPrompt() error = %v", err)
	}
	if !strings.Contains(prompt, "DB_COLS: []") || !strings.Contains(prompt, "Max 50 docs") {
		t.Fatalf("unexpected prompt: %q", prompt)
	}
}

func TestParseCatalogRejectsMissingTemplate(t *testing.T) {
	if _, err := ParseCatalog([]byte("categories: []\n")); err == nil {
		t.Fatalf("expected error for catalog without template")
	}
	if _, err := ParseCatalog([]byte("system_template: [unterminated")); err == nil {
		t.Fatalf("expected yaml decode error")
	}
}
