package loopdetect

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/buildd-ai/runner/internal/worker"
)

func readCall(path string, offset, limit *int) worker.ToolCall {
	in := map[string]any{"file_path": path}
	if offset != nil {
		in["offset"] = *offset
	}
	if limit != nil {
		in["limit"] = *limit
	}
	raw, _ := json.Marshal(in)
	return worker.ToolCall{Name: "Read", Input: raw}
}

func bashCall(cmd string) worker.ToolCall {
	raw, _ := json.Marshal(map[string]string{"command": cmd})
	return worker.ToolCall{Name: "Bash", Input: raw}
}

func intp(v int) *int { return &v }

// === Rule A: identical calls ===

func TestCheck_FiveIdenticalReads(t *testing.T) {
	var calls []worker.ToolCall
	for i := 0; i < 5; i++ {
		calls = append(calls, readCall("/a", nil, nil))
	}

	det, stuck := Check(calls)
	require.True(t, stuck)
	require.Equal(t, "Agent stuck: made 5 identical Read calls", det.Reason)
}

func TestCheck_FourIdenticalReadsDoNotTrigger(t *testing.T) {
	var calls []worker.ToolCall
	for i := 0; i < 4; i++ {
		calls = append(calls, readCall("/a", nil, nil))
	}

	_, stuck := Check(calls)
	require.False(t, stuck)
}

func TestCheck_ReadsWithDifferentOffsetsDoNotTrigger(t *testing.T) {
	// Paging through one file is progress, not a loop.
	var calls []worker.ToolCall
	for i := 0; i < 5; i++ {
		calls = append(calls, readCall("/a", intp(i*100), intp(100)))
	}

	_, stuck := Check(calls)
	require.False(t, stuck)
}

func TestCheck_ReadsWithDifferentLimitsDoNotTrigger(t *testing.T) {
	var calls []worker.ToolCall
	for i := 0; i < 5; i++ {
		calls = append(calls, readCall("/a", intp(0), intp(100+i)))
	}

	_, stuck := Check(calls)
	require.False(t, stuck)
}

func TestCheck_AbsentAndZeroOffsetAreDistinct(t *testing.T) {
	calls := []worker.ToolCall{
		readCall("/a", nil, nil),
		readCall("/a", intp(0), nil),
		readCall("/a", nil, nil),
		readCall("/a", intp(0), nil),
		readCall("/a", nil, nil),
	}

	_, stuck := Check(calls)
	require.False(t, stuck)
}

func TestCheck_IdenticalNonReadCallsByRawInput(t *testing.T) {
	var calls []worker.ToolCall
	for i := 0; i < 5; i++ {
		calls = append(calls, worker.ToolCall{Name: "Grep", Input: []byte(`{"pattern":"TODO"}`)})
	}

	det, stuck := Check(calls)
	require.True(t, stuck)
	require.Equal(t, "Agent stuck: made 5 identical Grep calls", det.Reason)
}

func TestCheck_OnlyTailCounts(t *testing.T) {
	// Five identical reads followed by a fresh call: no longer stuck.
	var calls []worker.ToolCall
	for i := 0; i < 5; i++ {
		calls = append(calls, readCall("/a", nil, nil))
	}
	calls = append(calls, readCall("/b", nil, nil))

	_, stuck := Check(calls)
	require.False(t, stuck)
}

// === Rule B: similar Bash commands ===

func TestCheck_EightSimilarBashCommands(t *testing.T) {
	var calls []worker.ToolCall
	for i := 0; i < 8; i++ {
		calls = append(calls, bashCall(fmt.Sprintf(`grep -r "pattern%d" src/`, i)))
	}

	det, stuck := Check(calls)
	require.True(t, stuck)
	require.Contains(t, det.Reason, "Agent stuck")
	// The reason references the normalized pattern's first 30 chars.
	require.Contains(t, det.Reason, `grep -r "" src/`)
}

func TestCheck_SevenSimilarBashCommandsDoNotTrigger(t *testing.T) {
	var calls []worker.ToolCall
	for i := 0; i < 7; i++ {
		calls = append(calls, bashCall(fmt.Sprintf(`grep -r "p%d" src/`, i)))
	}

	_, stuck := Check(calls)
	require.False(t, stuck)
}

func TestCheck_SingleQuotedArgsNormalized(t *testing.T) {
	var calls []worker.ToolCall
	for i := 0; i < 8; i++ {
		calls = append(calls, bashCall(fmt.Sprintf(`find . -name 'f%d.go'`, i)))
	}

	_, stuck := Check(calls)
	require.True(t, stuck)
}

func TestCheck_LongCommandsComparedOnFirst50Chars(t *testing.T) {
	prefix := "for f in $(ls); do wc -l $f; done # padpadpadpadpad"
	require.Greater(t, len(prefix), 50)

	var calls []worker.ToolCall
	for i := 0; i < 8; i++ {
		// Differs only after the 50-char truncation point.
		calls = append(calls, bashCall(fmt.Sprintf("%s tail-%d", prefix, i)))
	}

	_, stuck := Check(calls)
	require.True(t, stuck)
}

func TestCheck_MixedToolsBreakRuleB(t *testing.T) {
	var calls []worker.ToolCall
	for i := 0; i < 7; i++ {
		calls = append(calls, bashCall(`ls "dir"`))
	}
	calls = append(calls, readCall("/a", nil, nil))

	_, stuck := Check(calls)
	require.False(t, stuck)
}

func TestCheck_EmptyHistory(t *testing.T) {
	_, stuck := Check(nil)
	require.False(t, stuck)
}

// === Properties ===

func TestCheck_DistinctCallsNeverTrigger_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		var calls []worker.ToolCall
		for i := 0; i < n; i++ {
			// Every call reads a unique path, so no rule can fire.
			calls = append(calls, readCall(fmt.Sprintf("/file-%d", i), nil, nil))
		}
		if _, stuck := Check(calls); stuck {
			t.Fatal("distinct calls reported as stuck")
		}
	})
}

func TestCheck_FiveIdenticalAlwaysTrigger_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prefixLen := rapid.IntRange(0, 10).Draw(t, "prefixLen")
		path := rapid.StringMatching(`/[a-z]{1,20}`).Draw(t, "path")

		var calls []worker.ToolCall
		for i := 0; i < prefixLen; i++ {
			calls = append(calls, readCall(fmt.Sprintf("/prefix-%d", i), nil, nil))
		}
		for i := 0; i < 5; i++ {
			calls = append(calls, readCall(path, nil, nil))
		}

		det, stuck := Check(calls)
		if !stuck {
			t.Fatal("five identical trailing calls not reported")
		}
		if det.Reason != "Agent stuck: made 5 identical Read calls" {
			t.Fatalf("unexpected reason: %q", det.Reason)
		}
	})
}
