package parley

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCycleTrackerCompletion(t *testing.T) {
	tr := NewCycleTracker([]string{"a", "b", "c"}, 5, nil, 0, 0)

	if done := tr.RecordTurn("a", "one"); done {
		t.Error("cycle complete after 1 of 3 turns")
	}
	if done := tr.RecordTurn("b", "two"); done {
		t.Error("cycle complete after 2 of 3 turns")
	}
	if done := tr.RecordTurn("c", "three"); !done {
		t.Error("cycle not complete after all participants spoke")
	}
	if tr.CurrentCycle() != 1 {
		t.Errorf("CurrentCycle = %d, want 1", tr.CurrentCycle())
	}
	if spoken := tr.SpokenThisCycle(); len(spoken) != 0 {
		t.Errorf("spoken set not reset: %v", spoken)
	}
}

func TestCycleTrackerRepeatSpeakerDoesNotComplete(t *testing.T) {
	tr := NewCycleTracker([]string{"a", "b"}, 5, nil, 0, 0)
	tr.RecordTurn("a", "x")
	if done := tr.RecordTurn("a", "again"); done {
		t.Error("same speaker twice must not complete a two-party cycle")
	}
	if done := tr.RecordTurn("b", "y"); !done {
		t.Error("cycle should complete once b speaks")
	}
}

func TestCycleTrackerMaxCycles(t *testing.T) {
	tr := NewCycleTracker([]string{"a", "b"}, 2, nil, 0, 0)

	for _, id := range []string{"a", "b", "a"} {
		tr.RecordTurn(id, "talk talk talk talk talk")
		if stop, _ := tr.CheckTermination("talk"); stop {
			t.Fatalf("terminated early at cycle %d", tr.CurrentCycle())
		}
	}
	tr.RecordTurn("b", "talk talk talk talk talk")
	stop, reason := tr.CheckTermination("talk")
	if !stop || reason != "max_cycles" {
		t.Errorf("got (%v, %q), want (true, max_cycles)", stop, reason)
	}
}

func TestCycleTrackerKeyword(t *testing.T) {
	tests := []struct {
		name       string
		keywords   []string
		content    string
		wantStop   bool
		wantReason string
	}{
		{"exact", []string{"goodbye"}, "goodbye", true, "keyword:goodbye"},
		{"case insensitive", []string{"goodbye"}, "Well, GOODBYE then!", true, "keyword:goodbye"},
		{"substring", []string{"bye"}, "goodbye everyone", true, "keyword:bye"},
		{"no match", []string{"goodbye"}, "see you later", false, ""},
		{"first keyword wins", []string{"farewell", "bye"}, "farewell and bye", true, "keyword:farewell"},
		{"empty keyword ignored", []string{""}, "anything", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewCycleTracker([]string{"a", "b"}, 10, tt.keywords, 0, 0)
			stop, reason := tr.CheckTermination(tt.content)
			if stop != tt.wantStop || reason != tt.wantReason {
				t.Errorf("got (%v, %q), want (%v, %q)", stop, reason, tt.wantStop, tt.wantReason)
			}
		})
	}
}

func TestCycleTrackerSilence(t *testing.T) {
	long := strings.Repeat("x", 50)

	t.Run("two silent cycles trigger", func(t *testing.T) {
		tr := NewCycleTracker([]string{"a", "b"}, 10, nil, 2, 0)
		for range 2 {
			tr.RecordTurn("a", ".")
			tr.RecordTurn("b", "ok")
		}
		stop, reason := tr.CheckTermination("ok")
		if !stop || reason != "silence" {
			t.Errorf("got (%v, %q), want (true, silence)", stop, reason)
		}
	})

	t.Run("one loud turn resets the window", func(t *testing.T) {
		tr := NewCycleTracker([]string{"a", "b"}, 10, nil, 2, 0)
		tr.RecordTurn("a", ".")
		tr.RecordTurn("b", long)
		tr.RecordTurn("a", ".")
		tr.RecordTurn("b", ".")
		if stop, _ := tr.CheckTermination("."); stop {
			t.Error("terminated although the window contains a substantial turn")
		}
		tr.RecordTurn("a", ".")
		tr.RecordTurn("b", ".")
		stop, reason := tr.CheckTermination(".")
		if !stop || reason != "silence" {
			t.Errorf("got (%v, %q), want (true, silence)", stop, reason)
		}
	})

	t.Run("disabled by default", func(t *testing.T) {
		tr := NewCycleTracker([]string{"a", "b"}, 10, nil, 0, 0)
		for range 5 {
			tr.RecordTurn("a", ".")
			tr.RecordTurn("b", ".")
		}
		if stop, _ := tr.CheckTermination("."); stop {
			t.Error("silence detection fired although disabled")
		}
	})

	t.Run("custom min chars", func(t *testing.T) {
		tr := NewCycleTracker([]string{"a", "b"}, 10, nil, 1, 3)
		tr.RecordTurn("a", "okay") // 4 > 3, not silent
		tr.RecordTurn("b", "ok")
		if stop, _ := tr.CheckTermination("ok"); stop {
			t.Error("4-char turn counted as silence with cutoff 3")
		}
	})

	t.Run("whitespace is silence", func(t *testing.T) {
		tr := NewCycleTracker([]string{"a", "b"}, 10, nil, 1, 0)
		tr.RecordTurn("a", "   \n\t  ")
		tr.RecordTurn("b", " ")
		stop, reason := tr.CheckTermination(" ")
		if !stop || reason != "silence" {
			t.Errorf("got (%v, %q), want (true, silence)", stop, reason)
		}
	})
}

func TestCycleTrackerPredicateOrder(t *testing.T) {
	// Max cycles outranks keyword, keyword outranks silence.
	tr := NewCycleTracker([]string{"a", "b"}, 1, []string{"goodbye"}, 1, 0)
	tr.RecordTurn("a", ".")
	tr.RecordTurn("b", "goodbye")
	stop, reason := tr.CheckTermination("goodbye")
	if !stop || reason != "max_cycles" {
		t.Errorf("got (%v, %q), want (true, max_cycles)", stop, reason)
	}

	tr = NewCycleTracker([]string{"a", "b"}, 10, []string{"goodbye"}, 1, 0)
	tr.RecordTurn("a", ".")
	tr.RecordTurn("b", "goodbye")
	stop, reason = tr.CheckTermination("goodbye")
	if !stop || reason != "keyword:goodbye" {
		t.Errorf("got (%v, %q), want (true, keyword:goodbye)", stop, reason)
	}
}

func TestCycleTrackerReset(t *testing.T) {
	tr := NewCycleTracker([]string{"a", "b"}, 2, nil, 1, 0)
	tr.RecordTurn("a", ".")
	tr.RecordTurn("b", ".")
	tr.Reset()
	if tr.CurrentCycle() != 0 {
		t.Errorf("CurrentCycle after Reset = %d", tr.CurrentCycle())
	}
	if stop, _ := tr.CheckTermination("."); stop {
		t.Error("stale silence history survived Reset")
	}
}

func TestCycleTrackerCountingProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("round-robin turns complete cycles at exact multiples", prop.ForAll(
		func(n, turns int) bool {
			participants := make([]string, n)
			for i := range participants {
				participants[i] = string(rune('a' + i))
			}
			tr := NewCycleTracker(participants, 0, nil, 0, 0)
			for i := range turns {
				completed := tr.RecordTurn(participants[i%n], "content")
				if completed != ((i+1)%n == 0) {
					return false
				}
			}
			return tr.CurrentCycle() == turns/n
		},
		gen.IntRange(2, 8),
		gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}
