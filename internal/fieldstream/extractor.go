// Package fieldstream extracts the value of a single string field from an
// incrementally streamed JSON envelope of the form {"<field>": "<value>"},
// forwarding value bytes as they arrive and suppressing the envelope.
package fieldstream

import (
	"fmt"
	"regexp"
	"strings"
)

type state int

const (
	stateSeekingPrefix state = iota
	stateStreamingValue
	stateDone
)

// Extractor is the per-call decode state for one generation stream. It is not
// safe for concurrent use; a stream is consumed by a single goroutine.
type Extractor struct {
	field    string
	buffer   string
	state    state
	emitted  int
	prefixRe *regexp.Regexp
	suffixRe *regexp.Regexp
}

// New returns an extractor for the declared field name.
func New(field string) *Extractor {
	return &Extractor{
		field: field,
		// Permissive structural match: open brace, optional whitespace, the
		// quoted field name, colon, optional whitespace, opening quote.
		prefixRe: regexp.MustCompile(`^\{\s*"` + regexp.QuoteMeta(field) + `"\s*:\s*"`),
		suffixRe: regexp.MustCompile(`"\s*\}?\s*$`),
	}
}

// Feed consumes one raw fragment and returns the value bytes to forward
// downstream. ok=false means nothing should be forwarded for this fragment.
func (e *Extractor) Feed(fragment string) (string, bool) {
	if fragment == "" || e.state == stateDone {
		return "", false
	}

	e.buffer += fragment
	// The generation service may emit escaped newlines mid-stream.
	e.buffer = strings.ReplaceAll(e.buffer, `\n`, "\n")

	if e.state == stateSeekingPrefix {
		if e.stillInsidePrefix() {
			return "", false
		}
		e.state = stateStreamingValue
	}

	// The terminal envelope close arrives as a raw fragment containing '}'.
	// A value that legitimately contains '}' stops streaming here; Final()
	// still returns everything received.
	closing := strings.Contains(fragment, "}")

	value := e.valueSoFar()
	if closing {
		e.state = stateDone
		value = e.suffixRe.ReplaceAllString(value, "")
	} else {
		value = holdBackStructuralTail(value)
	}

	if e.emitted >= len(value) {
		return "", false
	}
	out := value[e.emitted:]
	e.emitted = len(value)
	return out, true
}

// stillInsidePrefix reports whether the accumulated buffer is a prefix (strict
// or exact) of some whitespace permutation of the envelope open.
func (e *Extractor) stillInsidePrefix() bool {
	for _, candidate := range e.prefixCandidates() {
		if len(e.buffer) <= len(candidate) && strings.HasPrefix(candidate, e.buffer) {
			return true
		}
	}
	return false
}

// prefixCandidates enumerates the normalized permutations of brace, optional
// newline and 0-2 spaces observed ahead of the quoted field name.
func (e *Extractor) prefixCandidates() []string {
	quoted := fmt.Sprintf("%q", e.field)
	var out []string
	for _, nl := range []string{"", "\n"} {
		for _, pad := range []string{"", " ", "  "} {
			for _, sep := range []string{":", ": "} {
				out = append(out, "{"+nl+pad+quoted+sep+`"`)
			}
		}
	}
	return out
}

// valueSoFar strips the matched structural prefix from the normalized buffer.
func (e *Extractor) valueSoFar() string {
	if loc := e.prefixRe.FindStringIndex(e.buffer); loc != nil {
		return e.buffer[loc[1]:]
	}
	// Unexpected envelope shape: pass the stream through untouched.
	return e.buffer
}

// holdBackStructuralTail withholds bytes that may turn out to be the envelope
// close: a trailing backslash (possible half of an escaped newline) or the
// value's closing quote plus whitespace. They are emitted later if more value
// arrives, or dropped when the close is confirmed.
func holdBackStructuralTail(value string) string {
	if strings.HasSuffix(value, `\`) {
		return value[:len(value)-1]
	}
	trimmed := strings.TrimRight(value, " \t\n")
	if strings.HasSuffix(trimmed, `"`) {
		return trimmed[:len(trimmed)-1]
	}
	return value
}

// Final derives the canonical clean value from everything fed so far: the
// structural prefix and the trailing quote-brace are stripped from the
// normalized buffer. This is the value used for persistence and side effects.
func (e *Extractor) Final() string {
	out := strings.ReplaceAll(e.buffer, `\n`, "\n")
	out = e.prefixRe.ReplaceAllString(out, "")
	out = regexp.MustCompile(`"\s*\}\s*$`).ReplaceAllString(out, "")
	return out
}

// Buffer exposes the raw accumulated stream, mostly for diagnostics.
func (e *Extractor) Buffer() string {
	return e.buffer
}
