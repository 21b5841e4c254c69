package usecase

import (
	"strings"
	"testing"

	"github.com/kirillkom/db-agent/internal/core/domain"
)

func decodeAll(d *StreamDecoder, fragments ...string) string {
	var visible strings.Builder
	for _, fragment := range fragments {
		shown, _ := d.Push(fragment)
		visible.WriteString(shown)
	}
	visible.WriteString(d.Flush())
	return visible.String()
}

func TestStreamDecoderPassesPlainTextThrough(t *testing.T) {
	d := NewStreamDecoder()
	got := decodeAll(d, "There are ", "42 users ", "in total.")
	if got != "There are 42 users in total." {
		t.Fatalf("unexpected visible text: %q", got)
	}
	if d.Mode() != domain.ModeVisible {
		t.Fatalf("expected visible mode, got %s", d.Mode())
	}
}

func TestStreamDecoderHidesFenceSplitAcrossFragments(t *testing.T) {
	d := NewStreamDecoder()
	fragments := []string{"Let me check.\n", "``", "`js", "on\n{\"action\":", "\"get_schema\"}\n", "```", " trailing"}

	var visible strings.Builder
	for i, fragment := range fragments {
		shown, full := d.Push(fragment)
		visible.WriteString(shown)
		if !strings.HasSuffix(full, fragment) {
			t.Fatalf("fragment %d: accumulated text does not end with fragment", i)
		}
	}
	visible.WriteString(d.Flush())

	if visible.String() != "Let me check.\n" {
		t.Fatalf("unexpected visible text: %q", visible.String())
	}
	if d.Mode() != domain.ModeInHiddenBlock {
		t.Fatalf("expected hidden mode after fence")
	}
	if !strings.Contains(d.Text(), `"get_schema"`) {
		t.Fatalf("hidden block must still be accumulated, got %q", d.Text())
	}
}

func TestStreamDecoderNeverLeaksHiddenContentForAnySplit(t *testing.T) {
	prefix := "Checking the users collection now. "
	text := prefix + "```json\n{\"action\":\"query\",\"collection\":\"users\",\"type\":\"count\"}\n```\nDone."

	for i := 0; i <= len(text); i++ {
		for j := i; j <= len(text); j++ {
			d := NewStreamDecoder()
			got := decodeAll(d, text[:i], text[i:j], text[j:])
			if got != prefix {
				t.Fatalf("split (%d,%d): visible %q, want %q", i, j, got, prefix)
			}
		}
	}
}

func TestStreamDecoderReleasesAmbiguousTailWhenDisambiguated(t *testing.T) {
	d := NewStreamDecoder()

	shown, _ := d.Push("use `")
	if shown != "use " {
		t.Fatalf("expected backtick to be held back, got %q", shown)
	}
	shown, _ = d.Push("x` here")
	if shown != "`x` here" {
		t.Fatalf("expected held text released, got %q", shown)
	}
	if rest := d.Flush(); rest != "" {
		t.Fatalf("expected nothing left, got %q", rest)
	}
}

func TestStreamDecoderFlushReleasesTailAtEndOfStream(t *testing.T) {
	d := NewStreamDecoder()
	got := decodeAll(d, "ends with ``")
	if got != "ends with ``" {
		t.Fatalf("expected tail released on flush, got %q", got)
	}
}

func TestStreamDecoderMatchesMarkersCaseInsensitively(t *testing.T) {
	d := NewStreamDecoder()
	got := decodeAll(d, "Sure.```JSON\n{}")
	if got != "Sure." {
		t.Fatalf("unexpected visible text: %q", got)
	}
}

func TestStreamDecoderHidesDOMActionMarker(t *testing.T) {
	d := NewStreamDecoder()
	got := decodeAll(d, "Clicking save. [DOM_", "ACTION]{\"type\":\"click\",\"target\":\"#save\"}[/DOM_ACTION]")
	if got != "Clicking save. " {
		t.Fatalf("unexpected visible text: %q", got)
	}
}

func TestStreamDecoderHidesActionMarkerSplitIntoSmallFragments(t *testing.T) {
	text := `Deleting now. [ACTION]{"action":"delete","collection":"users","filter":{"name":"bob"}}[/ACTION]`
	var fragments []string
	for i := 0; i < len(text); i += 4 {
		fragments = append(fragments, text[i:min(i+4, len(text))])
	}

	d := NewStreamDecoder()
	got := decodeAll(d, fragments...)
	if got != "Deleting now. " {
		t.Fatalf("unexpected visible text: %q", got)
	}
	actions := ExtractActions(d.Text())
	if len(actions) != 1 || actions[0].Kind() != domain.ActionDelete {
		t.Fatalf("expected the hidden delete to be extracted, got %#v", actions)
	}
}

func TestStreamDecoderHidesBareFenceAroundObject(t *testing.T) {
	d := NewStreamDecoder()
	got := decodeAll(d, "Checking.\n``", "`\n", "{\"action\":\"get_schema\",\"collections\":[\"users\"]}\n```")
	if got != "Checking.\n" {
		t.Fatalf("unexpected visible text: %q", got)
	}
	if len(ExtractActions(d.Text())) != 1 {
		t.Fatalf("expected the fenced probe to be extracted from %q", d.Text())
	}

	d = NewStreamDecoder()
	if got := decodeAll(d, "Run:\n```\nmake test\n```"); got != "Run:\n```\nmake test\n```" {
		t.Fatalf("plain code fences must stay visible, got %q", got)
	}
}

func TestStreamDecoderUnterminatedBlockStaysHidden(t *testing.T) {
	d := NewStreamDecoder()
	got := decodeAll(d, "Answer:\n```json\n{\"action\":\"get_schema\"")
	if got != "Answer:\n" {
		t.Fatalf("unexpected visible text: %q", got)
	}
	if !strings.HasSuffix(d.Text(), `{"action":"get_schema"`) {
		t.Fatalf("expected unterminated block in accumulated text, got %q", d.Text())
	}
}

func TestStreamDecoderKeepsMultibyteText(t *testing.T) {
	d := NewStreamDecoder()
	got := decodeAll(d, "Привет, ", "мир `", "ok`")
	if got != "Привет, мир `ok`" {
		t.Fatalf("unexpected visible text: %q", got)
	}
}

func TestStreamDecoderReset(t *testing.T) {
	d := NewStreamDecoder()
	_ = decodeAll(d, "```json {}")
	d.Reset()
	if d.Mode() != domain.ModeVisible || d.Text() != "" {
		t.Fatalf("expected clean decoder after reset")
	}
	if got := decodeAll(d, "fresh"); got != "fresh" {
		t.Fatalf("unexpected visible text after reset: %q", got)
	}
}
