package parley

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// feedAll runs the filter over the chunks and returns the collected thought
// text and the cleaned response.
func feedAll(set DelimiterSet, thinking bool, chunks []string) (thoughts, cleaned string) {
	var tb strings.Builder
	f := NewThoughtFilter(set, thinking, func(s string) { tb.WriteString(s) }, nil)
	for _, c := range chunks {
		f.Feed(c)
	}
	return tb.String(), f.Close()
}

func TestThoughtFilterBasicRegions(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantThoughts string
		wantCleaned  string
	}{
		{
			name:         "xml tags",
			input:        "<thinking>plan the answer</thinking>The answer is 4.",
			wantThoughts: "plan the answer",
			wantCleaned:  "The answer is 4.",
		},
		{
			name:         "region mid stream",
			input:        "First. <thinking>hmm</thinking>Second.",
			wantThoughts: "hmm",
			wantCleaned:  "First. Second.",
		},
		{
			name:         "bracket marker",
			input:        "[THINKING: weigh options]Done.",
			wantThoughts: " weigh options",
			wantCleaned:  "Done.",
		},
		{
			name:         "fenced block",
			input:        "```thinking\nstep one\nstep two```after",
			wantThoughts: "step one\nstep two",
			wantCleaned:  "after",
		},
		{
			name:         "no markers",
			input:        "Plain response with no markers.",
			wantThoughts: "",
			wantCleaned:  "Plain response with no markers.",
		},
		{
			name:         "multiple regions",
			input:        "<thinking>a</thinking>one <thinking>b</thinking>two",
			wantThoughts: "ab",
			wantCleaned:  "one two",
		},
		{
			name:         "unterminated region stays thought",
			input:        "visible <thinking>never closed",
			wantThoughts: "never closed",
			wantCleaned:  "visible",
		},
		{
			name:         "empty region",
			input:        "<thinking></thinking>text",
			wantThoughts: "",
			wantCleaned:  "text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thoughts, cleaned := feedAll(DefaultDelimiters(), true, []string{tt.input})
			if thoughts != tt.wantThoughts {
				t.Errorf("thoughts = %q, want %q", thoughts, tt.wantThoughts)
			}
			if cleaned != tt.wantCleaned {
				t.Errorf("cleaned = %q, want %q", cleaned, tt.wantCleaned)
			}
		})
	}
}

func TestThoughtFilterSplitDelimiters(t *testing.T) {
	// The opening tag arrives split across three chunks, the closing tag
	// across two. Chunk boundaries must not affect recognition.
	chunks := []string{"<thi", "nki", "ng>inner", " thought</think", "ing>outer"}
	thoughts, cleaned := feedAll(DefaultDelimiters(), true, chunks)
	if thoughts != "inner thought" {
		t.Errorf("thoughts = %q, want %q", thoughts, "inner thought")
	}
	if cleaned != "outer" {
		t.Errorf("cleaned = %q, want %q", cleaned, "outer")
	}
}

func TestThoughtFilterSingleByteChunks(t *testing.T) {
	input := "pre <thinking>abc</thinking> post"
	var chunks []string
	for _, r := range input {
		chunks = append(chunks, string(r))
	}
	thoughts, cleaned := feedAll(DefaultDelimiters(), true, chunks)
	if thoughts != "abc" {
		t.Errorf("thoughts = %q, want %q", thoughts, "abc")
	}
	if cleaned != "pre  post" {
		t.Errorf("cleaned = %q, want %q", cleaned, "pre  post")
	}
}

func TestThoughtFilterFalseOpen(t *testing.T) {
	// "<thinks" looks like an opener for a while but is plain text.
	thoughts, cleaned := feedAll(DefaultDelimiters(), true, []string{"a <thi", "nks b"})
	if thoughts != "" {
		t.Errorf("thoughts = %q, want empty", thoughts)
	}
	if cleaned != "a <thinks b" {
		t.Errorf("cleaned = %q, want %q", cleaned, "a <thinks b")
	}
}

func TestThoughtFilterLeadingPhrase(t *testing.T) {
	input := "Let me think about this... weighing the options\nHere is my answer."

	// Thinking on: the leading phrase opens a region to the newline.
	thoughts, cleaned := feedAll(DefaultDelimiters(), true, []string{input})
	if thoughts != " weighing the options" {
		t.Errorf("thoughts = %q", thoughts)
	}
	if cleaned != "Here is my answer." {
		t.Errorf("cleaned = %q", cleaned)
	}

	// Thinking off: leading phrases are plain text.
	thoughts, cleaned = feedAll(DefaultDelimiters(), false, []string{input})
	if thoughts != "" {
		t.Errorf("thoughts = %q, want empty with thinking off", thoughts)
	}
	if !strings.HasPrefix(cleaned, "Let me think about this...") {
		t.Errorf("cleaned = %q, leading phrase should remain", cleaned)
	}
}

func TestThoughtFilterLeadingPhraseNotAtStart(t *testing.T) {
	input := "Answer first. Let me think about this... more\nend"
	thoughts, cleaned := feedAll(DefaultDelimiters(), true, []string{input})
	if thoughts != "" {
		t.Errorf("thoughts = %q, phrase mid-stream must not open a region", thoughts)
	}
	if cleaned != input {
		t.Errorf("cleaned = %q, want input unchanged", cleaned)
	}
}

func TestThoughtFilterThinkingDisabledStillStrips(t *testing.T) {
	// Delimited regions are stripped from the response either way; thinking
	// mode only controls whether thought chunks are emitted.
	thoughts, cleaned := feedAll(DefaultDelimiters(), false, []string{"<thinking>secret</thinking>public"})
	if thoughts != "" {
		t.Errorf("thoughts = %q, want none with thinking off", thoughts)
	}
	if cleaned != "public" {
		t.Errorf("cleaned = %q, want %q", cleaned, "public")
	}
}

func TestThoughtFilterCustomDelimiters(t *testing.T) {
	set := DelimiterSet{Pairs: []Delimiter{{Open: "((", Close: "))"}}}
	thoughts, cleaned := feedAll(set, true, []string{"x ((y)) z"})
	if thoughts != "y" {
		t.Errorf("thoughts = %q", thoughts)
	}
	if cleaned != "x  z" {
		t.Errorf("cleaned = %q", cleaned)
	}
}

func TestThoughtFilterResponseAccumulates(t *testing.T) {
	f := NewThoughtFilter(DefaultDelimiters(), true, nil, nil)
	f.Feed("hello ")
	f.Feed("world")
	if got := f.Response(); got != "hello world" {
		t.Errorf("Response() = %q", got)
	}
	if got := f.Close(); got != "hello world" {
		t.Errorf("Close() = %q", got)
	}
}

// --- properties ---

// plainText generates content free of delimiter fragments.
var plainText = gen.RegexMatch(`[a-zA-Z0-9 .,!?]{0,80}`)

// chunkings splits s at pseudo-random rune boundaries derived from cuts.
func chunked(s string, cuts []int) []string {
	if len(s) == 0 {
		return nil
	}
	runes := []rune(s)
	var chunks []string
	prev := 0
	for _, c := range cuts {
		pos := prev + 1 + c%(len(runes)-prev)
		if pos >= len(runes) {
			break
		}
		chunks = append(chunks, string(runes[prev:pos]))
		prev = pos
	}
	chunks = append(chunks, string(runes[prev:]))
	return chunks
}

func TestThoughtFilterProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("plain text passes through unchanged under any chunking", prop.ForAll(
		func(text string, cuts []int) bool {
			_, cleaned := feedAll(DefaultDelimiters(), true, chunked(text, cuts))
			return cleaned == strings.TrimSpace(text)
		},
		plainText,
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.Property("thought region never reaches the response", prop.ForAll(
		func(pre, thought, post string, cuts []int) bool {
			full := pre + "<thinking>" + thought + "</thinking>" + post
			thoughts, cleaned := feedAll(DefaultDelimiters(), true, chunked(full, cuts))
			return thoughts == thought && cleaned == strings.TrimSpace(pre+post)
		},
		plainText, plainText, plainText,
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.Property("chunking never changes the outcome", prop.ForAll(
		func(pre, thought, post string, cuts []int) bool {
			full := pre + "<thinking>" + thought + "</thinking>" + post
			t1, c1 := feedAll(DefaultDelimiters(), true, []string{full})
			t2, c2 := feedAll(DefaultDelimiters(), true, chunked(full, cuts))
			return t1 == t2 && c1 == c2
		},
		plainText, plainText, plainText,
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
