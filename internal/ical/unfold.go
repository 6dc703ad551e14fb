package ical

import (
	"iter"
	"strings"
	"unicode/utf8"

	appLog "gwics/internal/log"
)

// LogicalLine is one unfolded content line together with the physical lines
// it was built from. The physical lines are kept so unmodeled properties can
// be written back byte for byte.
type LogicalLine struct {
	Physical []string
	Text     string
}

// Unfold returns the logical lines of an iCalendar payload.
//
// A physical line starting with a single space or tab continues the previous
// logical line: its leading whitespace character is dropped and the rest is
// appended with no separator. Only that one character goes; any further
// leading whitespace is content, so "A:foo" followed by "  bar" unfolds to
// "A:foo bar", not "A:foobar". Trailing carriage returns are stripped from
// every physical line. Blank lines are skipped and the last pending line is
// flushed at end of input.
//
// The sequence can be ranged over any number of times. Input that is not
// valid UTF-8 produces an empty sequence.
func Unfold(text string) iter.Seq[LogicalLine] {
	return func(yield func(LogicalLine) bool) {
		if !utf8.ValidString(text) {
			appLog.Warn("ical: payload is not valid UTF-8; nothing to unfold", "bytes", len(text))
			return
		}

		var (
			pending LogicalLine
			have    bool
			acc     strings.Builder
		)

		flush := func() bool {
			if !have {
				return true
			}
			pending.Text = acc.String()
			have = false
			acc.Reset()
			if pending.Text == "" {
				return true
			}
			return yield(pending)
		}

		for _, raw := range strings.Split(text, "\n") {
			line := strings.TrimRight(raw, "\r")

			if isContinuation(line) {
				if !have {
					// Continuation with nothing to continue: treat it as the
					// start of a line so its content is not lost.
					pending = LogicalLine{}
					have = true
				}
				pending.Physical = append(pending.Physical, line)
				acc.WriteString(line[1:])
				continue
			}

			if !flush() {
				return
			}
			pending = LogicalLine{Physical: []string{line}}
			have = true
			acc.WriteString(line)
		}

		flush()
	}
}

func isContinuation(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}
