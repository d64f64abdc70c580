// Package loopdetect decides whether a worker's recent tool-call history
// indicates a stuck agent. Pure policy: the caller aborts with the reason.
package loopdetect

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/buildd-ai/runner/internal/worker"
)

const (
	// Window is how many trailing tool calls the detector inspects.
	Window = 8
	// identicalRun is the run length of identical calls that trips rule A.
	identicalRun = 5

	patternLen = 50
	reasonLen  = 30
)

var (
	doubleQuoted = regexp.MustCompile(`"[^"]*"`)
	singleQuoted = regexp.MustCompile(`'[^']*'`)
)

// Detection reports why the agent looks stuck.
type Detection struct {
	Reason string
}

// Check inspects the tail of a worker's tool-call history.
//
// Rule A: the last 5 calls share one canonical key. For Read the key is
// {name, file_path, offset, limit} so paging through a file never trips it;
// for every other tool it is {name, raw input}.
//
// Rule B: the last 8 calls are all Bash and their commands are equal after
// blanking quoted strings and truncating to 50 chars.
func Check(calls []worker.ToolCall) (Detection, bool) {
	if len(calls) >= identicalRun {
		tail := calls[len(calls)-identicalRun:]
		first := key(tail[0])
		same := true
		for _, c := range tail[1:] {
			if key(c) != first {
				same = false
				break
			}
		}
		if same {
			return Detection{
				Reason: fmt.Sprintf("Agent stuck: made %d identical %s calls", identicalRun, tail[0].Name),
			}, true
		}
	}

	if len(calls) >= Window {
		tail := calls[len(calls)-Window:]
		pattern := ""
		similar := true
		for i, c := range tail {
			if c.Name != "Bash" {
				similar = false
				break
			}
			p := normalizeCommand(bashCommand(c))
			if i == 0 {
				pattern = p
			} else if p != pattern {
				similar = false
				break
			}
		}
		if similar && pattern != "" {
			return Detection{
				Reason: "Agent stuck: repeating similar Bash commands: " + truncate(pattern, reasonLen),
			}, true
		}
	}

	return Detection{}, false
}

func key(c worker.ToolCall) string {
	if c.Name == "Read" {
		var in struct {
			FilePath string `json:"file_path"`
			Offset   *int   `json:"offset"`
			Limit    *int   `json:"limit"`
		}
		if err := json.Unmarshal(c.Input, &in); err == nil {
			return "Read|" + in.FilePath + "|" + optInt(in.Offset) + "|" + optInt(in.Limit)
		}
	}
	return c.Name + "|" + string(c.Input)
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func bashCommand(c worker.ToolCall) string {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(c.Input, &in); err != nil {
		return ""
	}
	return in.Command
}

// normalizeCommand blanks string literals so commands that differ only in
// their quoted arguments compare equal, then truncates.
func normalizeCommand(cmd string) string {
	cmd = doubleQuoted.ReplaceAllString(cmd, `""`)
	cmd = singleQuoted.ReplaceAllString(cmd, `''`)
	return truncate(cmd, patternLen)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
