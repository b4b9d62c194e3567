package parley

import "strings"

// Delimiter is an open/close pair bounding a thought region in model output.
type Delimiter struct {
	Open  string
	Close string
}

// DelimiterSet is the policy of recognized thought markers. The set is
// injected into the ThoughtFilter so callers (and tests) can substitute
// their own patterns.
type DelimiterSet struct {
	// Pairs are always recognized, regardless of thinking mode.
	Pairs []Delimiter
	// LeadingPhrases open a thought region only when they appear at the
	// very start of the stream and thinking mode is enabled. The region
	// closes at the first newline.
	LeadingPhrases []string
}

// DefaultDelimiters returns the stock marker set: XML-style thinking tags,
// fenced thinking blocks, bracketed markers, and a small list of leading
// phrases models commonly use to narrate reasoning.
func DefaultDelimiters() DelimiterSet {
	return DelimiterSet{
		Pairs: []Delimiter{
			{Open: "<thinking>", Close: "</thinking>"},
			{Open: "```thinking\n", Close: "```"},
			{Open: "[THINKING:", Close: "]"},
		},
		LeadingPhrases: []string{
			"Let me think about this...",
			"Let me consider...",
			"Hmm...",
		},
	}
}

// filterState is the position of the filter in its recognition machine.
// POSSIBLE_OPEN and POSSIBLE_CLOSE are represented implicitly: the filter
// is in stateOutside or stateInside with a buffered ambiguous suffix.
type filterState int

const (
	stateOutside filterState = iota
	stateInside
)

// ThoughtFilter splits a streamed token sequence into a thought stream and a
// cleaned response. Thought chunks are forwarded to onThought as they
// arrive (only when thinking is enabled); cleaned chunks go to onToken and
// accumulate into the final response.
//
// Ambiguous boundaries are resolved by lookahead: a suffix that could begin
// a delimiter is buffered until disambiguated, and flushed as ordinary
// content if it turns out not to be one. An unterminated thought region at
// end of stream stays a thought; it never leaks into the response.
type ThoughtFilter struct {
	set      DelimiterSet
	thinking bool

	onThought func(string)
	onToken   func(string)

	state   filterState
	buf     string
	closer  string // active close marker while stateInside
	atStart bool
	cleaned strings.Builder
}

// NewThoughtFilter creates a filter over the given delimiter set.
// When thinkingEnabled is false the machine still strips recognized thought
// regions from the response, but emits no thought chunks and ignores
// leading phrases.
func NewThoughtFilter(set DelimiterSet, thinkingEnabled bool, onThought, onToken func(string)) *ThoughtFilter {
	return &ThoughtFilter{
		set:       set,
		thinking:  thinkingEnabled,
		onThought: onThought,
		onToken:   onToken,
		atStart:   true,
	}
}

// Feed consumes one streamed chunk. Chunk boundaries carry no meaning;
// delimiters may be split across any number of chunks.
func (f *ThoughtFilter) Feed(chunk string) {
	if chunk == "" {
		return
	}
	f.buf += chunk

	for {
		switch f.state {
		case stateOutside:
			if !f.scanOutside() {
				return
			}
		case stateInside:
			if !f.scanInside() {
				return
			}
		}
	}
}

// Close flushes buffered state and returns the cleaned response, trimmed.
func (f *ThoughtFilter) Close() string {
	switch f.state {
	case stateInside:
		// Unterminated region: the remainder is thought.
		f.emitThought(f.buf)
	case stateOutside:
		// A buffered possible-open that never completed is plain text.
		f.emitClean(f.buf)
	}
	f.buf = ""
	return strings.TrimSpace(f.cleaned.String())
}

// Response returns the cleaned content accumulated so far.
func (f *ThoughtFilter) Response() string {
	return f.cleaned.String()
}

// scanOutside looks for an opening delimiter in the buffer. Returns false
// when no further progress is possible without more input.
func (f *ThoughtFilter) scanOutside() bool {
	// Leading phrases match only at position zero of the stream. Their
	// region runs to the next newline.
	if f.atStart && f.thinking {
		for _, p := range f.set.LeadingPhrases {
			if strings.HasPrefix(f.buf, p) {
				f.buf = f.buf[len(p):]
				f.closer = "\n"
				f.state = stateInside
				f.atStart = false
				return true
			}
		}
		for _, p := range f.set.LeadingPhrases {
			if len(f.buf) < len(p) && strings.HasPrefix(p, f.buf) {
				return false // could still become a leading phrase
			}
		}
	}

	openers := f.set.Pairs

	// Earliest complete opener wins.
	best := -1
	var bestOpen, bestClose string
	for _, d := range openers {
		if i := strings.Index(f.buf, d.Open); i >= 0 && (best < 0 || i < best) {
			best, bestOpen, bestClose = i, d.Open, d.Close
		}
	}
	if best >= 0 {
		f.emitClean(f.buf[:best])
		f.buf = f.buf[best+len(bestOpen):]
		f.closer = bestClose
		f.state = stateInside
		return true
	}

	// Hold back a suffix that could still become an opener (POSSIBLE_OPEN).
	hold := longestPrefixSuffix(f.buf, openerStrings(openers))
	f.emitClean(f.buf[:len(f.buf)-hold])
	f.buf = f.buf[len(f.buf)-hold:]
	return false
}

// scanInside looks for the active closing delimiter. Returns false when no
// further progress is possible without more input.
func (f *ThoughtFilter) scanInside() bool {
	if i := strings.Index(f.buf, f.closer); i >= 0 {
		f.emitThought(f.buf[:i])
		f.buf = f.buf[i+len(f.closer):]
		f.state = stateOutside
		return true
	}

	// Hold back a suffix that could still become the closer (POSSIBLE_CLOSE).
	hold := longestPrefixSuffix(f.buf, []string{f.closer})
	f.emitThought(f.buf[:len(f.buf)-hold])
	f.buf = f.buf[len(f.buf)-hold:]
	return false
}

func (f *ThoughtFilter) emitClean(s string) {
	if s == "" {
		return
	}
	if strings.TrimSpace(s) != "" {
		f.atStart = false
	}
	f.cleaned.WriteString(s)
	if f.onToken != nil {
		f.onToken(s)
	}
}

func (f *ThoughtFilter) emitThought(s string) {
	f.atStart = false
	if s == "" {
		return
	}
	if f.thinking && f.onThought != nil {
		f.onThought(s)
	}
}

func openerStrings(ds []Delimiter) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Open
	}
	return out
}

// longestPrefixSuffix returns the length of the longest suffix of s that is
// a strict prefix of any pattern. This is the lookahead window that must be
// buffered before the filter can classify it.
func longestPrefixSuffix(s string, patterns []string) int {
	max := 0
	for _, p := range patterns {
		limit := len(p) - 1
		if limit > len(s) {
			limit = len(s)
		}
		for k := limit; k > max; k-- {
			if strings.HasPrefix(p, s[len(s)-k:]) {
				max = k
				break
			}
		}
	}
	return max
}
