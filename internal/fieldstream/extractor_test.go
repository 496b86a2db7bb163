package fieldstream

import (
	"strings"
	"testing"
)

// splitEverywhere yields every two-part split of s.
func splitEverywhere(s string) [][]string {
	var out [][]string
	for i := 0; i <= len(s); i++ {
		out = append(out, []string{s[:i], s[i:]})
	}
	return out
}

func runStream(t *testing.T, field string, fragments []string) (forwarded, final string) {
	t.Helper()
	e := New(field)
	var sb strings.Builder
	for _, f := range fragments {
		if out, ok := e.Feed(f); ok {
			sb.WriteString(out)
		}
	}
	return sb.String(), e.Final()
}

func TestExtractorSingleFragment(t *testing.T) {
	forwarded, final := runStream(t, "story", []string{`{"story": "Once upon a time."}`})
	if forwarded != "Once upon a time." {
		t.Fatalf("forwarded = %q, want %q", forwarded, "Once upon a time.")
	}
	if final != "Once upon a time." {
		t.Fatalf("Final() = %q, want %q", final, "Once upon a time.")
	}
}

func TestExtractorEveryTwoPartSplit(t *testing.T) {
	const value = "The lighthouse door creaks open."
	stream := `{"story": "` + value + `"}`
	for _, parts := range splitEverywhere(stream) {
		forwarded, final := runStream(t, "story", parts)
		if forwarded != value {
			t.Fatalf("split %q|%q forwarded = %q, want %q", parts[0], parts[1], forwarded, value)
		}
		if final != value {
			t.Fatalf("split %q|%q Final() = %q, want %q", parts[0], parts[1], final, value)
		}
	}
}

func TestExtractorCharByChar(t *testing.T) {
	const value = "You rolled the dice."
	stream := `{"introduction": "` + value + `"}`
	fragments := make([]string, 0, len(stream))
	for _, r := range stream {
		fragments = append(fragments, string(r))
	}
	forwarded, final := runStream(t, "introduction", fragments)
	if forwarded != value {
		t.Fatalf("forwarded = %q, want %q", forwarded, value)
	}
	if final != value {
		t.Fatalf("Final() = %q, want %q", final, value)
	}
}

func TestExtractorWhitespaceVariants(t *testing.T) {
	const value = "A dragon circles overhead."
	for _, stream := range []string{
		`{"story":"` + value + `"}`,
		`{"story": "` + value + `"}`,
		`{ "story": "` + value + `"}`,
		`{ "story":"` + value + `"}`,
		"{\n\"story\":\"" + value + `"}`,
		"{\n \"story\": \"" + value + `"}`,
		"{\n  \"story\": \"" + value + `"}`,
	} {
		for _, parts := range splitEverywhere(stream) {
			forwarded, final := runStream(t, "story", parts)
			if forwarded != value {
				t.Fatalf("stream %q split %q|%q forwarded = %q", stream, parts[0], parts[1], forwarded)
			}
			if final != value {
				t.Fatalf("stream %q Final() = %q", stream, final)
			}
		}
	}
}

func TestExtractorEscapedNewlineNormalized(t *testing.T) {
	stream := `{"story": "line one\nline two"}`
	want := "line one\nline two"
	for _, parts := range splitEverywhere(stream) {
		forwarded, final := runStream(t, "story", parts)
		if forwarded != want {
			t.Fatalf("split %q|%q forwarded = %q, want %q", parts[0], parts[1], forwarded, want)
		}
		if final != want {
			t.Fatalf("Final() = %q, want %q", final, want)
		}
	}
}

func TestExtractorNeverForwardsEnvelope(t *testing.T) {
	const value = "Plain sailing."
	stream := `{"story": "` + value + `"}`
	for _, parts := range splitEverywhere(stream) {
		forwarded, _ := runStream(t, "story", parts)
		if strings.Contains(forwarded, `{"story"`) || strings.Contains(forwarded, "}") {
			t.Fatalf("split %q|%q leaked envelope bytes: %q", parts[0], parts[1], forwarded)
		}
	}
}

// A literal '}' inside the value trips the close heuristic and stops the
// stream early. That is a known limitation of the close detection, not a bug
// to paper over here.
func TestExtractorBraceInValueTruncatesStream(t *testing.T) {
	e := New("story")
	var sb strings.Builder
	for _, f := range []string{`{"story": "use the `, `map} then run`, ` far away"}`} {
		if out, ok := e.Feed(f); ok {
			sb.WriteString(out)
		}
	}
	if got := sb.String(); strings.Contains(got, "far away") {
		t.Fatalf("stream should have stopped at the close heuristic, forwarded %q", got)
	}
}

func TestExtractorFieldNameParameterized(t *testing.T) {
	forwarded, final := runStream(t, "plan", []string{`{"plan": `, `"Ambush at dawn."`, `}`})
	if forwarded != "Ambush at dawn." {
		t.Fatalf("forwarded = %q", forwarded)
	}
	if final != "Ambush at dawn." {
		t.Fatalf("Final() = %q", final)
	}
}

func TestExtractorEmptyFragmentsIgnored(t *testing.T) {
	e := New("story")
	if _, ok := e.Feed(""); ok {
		t.Fatalf("empty fragment should not forward")
	}
}
