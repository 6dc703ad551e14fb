package ical

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "gwics/internal/log"
)

const (
	// localLayout is a naive (floating) DATE-TIME. Naive instants are carried
	// as time.Time values in UTC so they compare and sort without a zone.
	localLayout = "20060102T150405"
	utcLayout   = "20060102T150405Z"

	// recurrenceHorizonYears bounds RRULE expansion relative to the clock.
	recurrenceHorizonYears = 10
)

// TransitionRule is one STANDARD or DAYLIGHT block of a VTIMEZONE: a single
// UTC offset change, either at a fixed local instant or recurring.
type TransitionRule struct {
	Kind string
	Name string

	// OffsetFrom / OffsetTo are nil when missing or malformed.
	OffsetFrom *time.Duration
	OffsetTo   *time.Duration

	start    *time.Time
	rawRRule string
	rule     *rrule.RRule
	anchor   time.Time
}

// NewTransitionRule starts a rule for a `BEGIN:<kind>` block.
func NewTransitionRule(kind string) *TransitionRule {
	return &TransitionRule{Kind: kind}
}

// Start returns the fixed transition instant. Rules bound to a recurrence
// have no fixed start.
func (r *TransitionRule) Start() (time.Time, bool) {
	if r.start == nil {
		return time.Time{}, false
	}
	return *r.start, true
}

// Recurring reports whether the rule is anchored to an RRULE.
func (r *TransitionRule) Recurring() bool {
	return r.rule != nil
}

// ParseLine consumes one logical line inside the STANDARD/DAYLIGHT block.
func (r *TransitionRule) ParseLine(line string) {
	switch {
	case strings.HasPrefix(line, "TZNAME:"):
		r.Name = line[len("TZNAME:"):]
	case strings.HasPrefix(line, "DTSTART:"):
		value := line[len("DTSTART:"):]
		t, err := time.Parse(localLayout, value)
		if err != nil {
			appLog.Warn("ical: ignoring malformed timezone DTSTART", "kind", r.Kind, "value", value)
			return
		}
		r.start = &t
		r.bindRecurrence()
	case strings.HasPrefix(line, "TZOFFSETFROM:"):
		r.OffsetFrom = parseOffset(line[len("TZOFFSETFROM:"):])
	case strings.HasPrefix(line, "TZOFFSETTO:"):
		r.OffsetTo = parseOffset(line[len("TZOFFSETTO:"):])
	case strings.HasPrefix(line, "RRULE:"):
		r.rawRRule = line[len("RRULE:"):]
		r.bindRecurrence()
	}
}

// bindRecurrence anchors the RRULE at DTSTART once both are known, whatever
// order they arrived in. The fixed start is then no longer exposed.
func (r *TransitionRule) bindRecurrence() {
	if r.start == nil || r.rawRRule == "" {
		return
	}
	opt, err := rrule.StrToROption(r.rawRRule)
	if err != nil {
		appLog.Warn("ical: ignoring malformed timezone RRULE", "kind", r.Kind, "rrule", r.rawRRule, "err", err)
		return
	}
	opt.Dtstart = *r.start
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Warn("ical: ignoring unusable timezone RRULE", "kind", r.Kind, "rrule", r.rawRRule, "err", err)
		return
	}
	r.rule = rule
	r.anchor = *r.start
	r.start = nil
}

// parseOffset converts `+HHMM` / `-HHMM` into a duration. Anything else
// yields nil.
func parseOffset(value string) *time.Duration {
	value = strings.TrimSpace(value)
	sign := time.Duration(1)
	switch {
	case strings.HasPrefix(value, "-"):
		sign = -1
		value = value[1:]
	case strings.HasPrefix(value, "+"):
		value = value[1:]
	}
	if len(value) != 4 {
		return nil
	}
	hours, err := strconv.Atoi(value[:2])
	if err != nil || hours < 0 {
		return nil
	}
	minutes, err := strconv.Atoi(value[2:])
	if err != nil || minutes < 0 || minutes > 59 {
		return nil
	}
	d := sign * (time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute)
	return &d
}

// Timezone is a VTIMEZONE definition local to one calendar payload.
type Timezone struct {
	// ID is the TZID, lower-cased and with quotes removed.
	ID    string
	Rules []*TransitionRule

	current *TransitionRule
	now     func() time.Time
}

// NewTimezone returns an empty timezone. now supplies the reference time for
// the recurrence horizon; nil means time.Now.
func NewTimezone(now func() time.Time) *Timezone {
	if now == nil {
		now = time.Now
	}
	return &Timezone{now: now}
}

// NormalizeTZID lower-cases a TZID and strips quotes, the form used as the
// timezone table key.
func NormalizeTZID(id string) string {
	id = strings.NewReplacer(`"`, "", `'`, "").Replace(id)
	return strings.ToLower(id)
}

// ParseLine consumes one logical line inside the VTIMEZONE block.
func (tz *Timezone) ParseLine(line string) {
	switch {
	case tz.current == nil && strings.HasPrefix(line, "TZID:"):
		tz.ID = NormalizeTZID(line[len("TZID:"):])
	case tz.current == nil && strings.HasPrefix(line, "BEGIN:"):
		tz.current = NewTransitionRule(line[len("BEGIN:"):])
	case tz.current != nil && strings.HasPrefix(line, "END:"):
		tz.Rules = append(tz.Rules, tz.current)
		tz.current = nil
	case tz.current != nil:
		tz.current.ParseLine(line)
	}
}

// transitions maps every known transition instant (unix seconds of the naive
// local time) to the rule effective from that instant. When two rules share
// an instant the later rule wins.
func (tz *Timezone) transitions() map[int64]*TransitionRule {
	out := make(map[int64]*TransitionRule)
	horizon := time.Date(tz.now().Year()+recurrenceHorizonYears+1, time.January, 1, 0, 0, 0, 0, time.UTC)

	for _, rule := range tz.Rules {
		if start, ok := rule.Start(); ok {
			out[start.Unix()] = rule
			continue
		}
		if rule.rule == nil {
			continue
		}
		for _, occ := range rule.rule.Between(rule.anchor, horizon, true) {
			out[occ.Unix()] = rule
		}
	}
	return out
}

// UTCOffset resolves the offset in effect at the naive local instant at.
//
// It is the offset-to of the latest transition at or before at. Before the
// first known transition, that transition's offset-from applies. ok is false
// when the timezone has no transitions at all.
func (tz *Timezone) UTCOffset(at time.Time) (offset time.Duration, ok bool) {
	changes := tz.transitions()
	if len(changes) == 0 {
		return 0, false
	}

	instants := make([]int64, 0, len(changes))
	for k := range changes {
		instants = append(instants, k)
	}
	sort.Slice(instants, func(i, j int) bool { return instants[i] < instants[j] })

	query := time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), at.Minute(), at.Second(), 0, time.UTC).Unix()

	var current *TransitionRule
	for _, instant := range instants {
		if query < instant {
			if current == nil {
				return durationOrZero(changes[instant].OffsetFrom), true
			}
			break
		}
		current = changes[instant]
	}
	return durationOrZero(current.OffsetTo), true
}

func durationOrZero(d *time.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return *d
}
