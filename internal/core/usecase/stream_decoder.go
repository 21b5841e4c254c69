package usecase

import (
	"strings"

	"github.com/kirillkom/db-agent/internal/core/domain"
)

const (
	jsonFenceMarker = "```json"
	bareFenceMarker = "```\n{"
	domActionMarker = "[DOM_ACTION]"
	actionMarker    = "[ACTION]"
)

// DefaultFenceMarkers open a hidden block in a model round. They cover every
// notation ExtractActions reads, so an executed action is never shown.
var DefaultFenceMarkers = []string{jsonFenceMarker, bareFenceMarker, domActionMarker, actionMarker}

// StreamDecoder splits one round of streamed model output into text that may
// be shown to the user and text that is only accumulated for extraction.
// Markers are matched ASCII case-insensitively. Once a marker is seen the rest
// of the round stays hidden. A tail that could still grow into a marker is
// held back until the next fragment decides it.
type StreamDecoder struct {
	markers []string

	full    strings.Builder
	emitted int
	mode    domain.DecoderMode
}

func NewStreamDecoder(markers ...string) *StreamDecoder {
	if len(markers) == 0 {
		markers = DefaultFenceMarkers
	}
	normalized := make([]string, 0, len(markers))
	for _, marker := range markers {
		if marker == "" {
			continue
		}
		normalized = append(normalized, asciiLower(marker))
	}
	return &StreamDecoder{markers: normalized}
}

// Push feeds one fragment and returns the newly visible text together with
// everything accumulated so far in this round.
func (d *StreamDecoder) Push(fragment string) (string, string) {
	d.full.WriteString(fragment)
	full := d.full.String()
	if d.mode == domain.ModeInHiddenBlock {
		return "", full
	}

	pending := full[d.emitted:]
	lowered := asciiLower(pending)
	if idx := d.firstMarker(lowered); idx >= 0 {
		d.mode = domain.ModeInHiddenBlock
		d.emitted = len(full)
		return pending[:idx], full
	}

	hold := d.ambiguousTail(lowered)
	visible := pending[:len(pending)-hold]
	d.emitted += len(visible)
	return visible, full
}

// Flush closes the round. A held-back tail is released only when no hidden
// block was opened, since end of stream proves it was plain text.
func (d *StreamDecoder) Flush() string {
	if d.mode == domain.ModeInHiddenBlock {
		return ""
	}
	full := d.full.String()
	rest := full[d.emitted:]
	d.emitted = len(full)
	return rest
}

func (d *StreamDecoder) Mode() domain.DecoderMode {
	return d.mode
}

func (d *StreamDecoder) Text() string {
	return d.full.String()
}

func (d *StreamDecoder) Reset() {
	d.full.Reset()
	d.emitted = 0
	d.mode = domain.ModeVisible
}

func (d *StreamDecoder) firstMarker(lowered string) int {
	first := -1
	for _, marker := range d.markers {
		idx := strings.Index(lowered, marker)
		if idx >= 0 && (first < 0 || idx < first) {
			first = idx
		}
	}
	return first
}

// ambiguousTail returns the length of the longest suffix of s that is a
// proper prefix of some marker.
func (d *StreamDecoder) ambiguousTail(s string) int {
	longest := 0
	for _, marker := range d.markers {
		n := min(len(marker)-1, len(s))
		for ; n > longest; n-- {
			if strings.HasSuffix(s, marker[:n]) {
				longest = n
				break
			}
		}
	}
	return longest
}

// asciiLower lowercases A-Z only so byte offsets stay aligned with the input.
func asciiLower(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			if b == nil {
				b = []byte(s)
			}
			b[i] = c + ('a' - 'A')
		}
	}
	if b == nil {
		return s
	}
	return string(b)
}
