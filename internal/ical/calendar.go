// Package ical parses, compares and re-serializes the subset of iCalendar
// found in GroupWise export messages: VTIMEZONE definitions and VEVENTs with
// their organizer, attendees and attachments.
package ical

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	appLog "gwics/internal/log"
	"gwics/internal/model"
)

// DefaultProductID is written as PRODID by Serialize.
const DefaultProductID = "-//gwics//NONSGML groupwise-to-ics//EN"

var (
	// ErrUnknownTimezone is returned when a TZID parameter names a timezone
	// that the payload does not define, or one with no usable transitions.
	ErrUnknownTimezone = errors.New("ical: unknown timezone")
	// ErrInvalidDateTime is returned for a DATE-TIME that cannot be parsed.
	ErrInvalidDateTime = errors.New("ical: invalid date-time")
	// ErrAttachment is returned when an ATTACH placeholder cannot be
	// resolved to a stored payload.
	ErrAttachment = errors.New("ical: attachment resolution failed")
)

// ParseOptions carries the collaborators of one parse pass.
type ParseOptions struct {
	// Attachments are the payloads extracted from the enclosing message, in
	// message order.
	Attachments []model.Attachment
	// WriteAttachment stores a payload and returns its reference. Required
	// only when the payload contains `ATTACH:cid:...` placeholders.
	WriteAttachment AttachmentWriter

	// RecordIDProperty overrides DefaultRecordIDProperty.
	RecordIDProperty string
	// Location is the zone assumed for floating DATE-TIME values. Defaults
	// to time.Local.
	Location *time.Location
	// Now is the clock for the timezone recurrence horizon. Defaults to
	// time.Now.
	Now func() time.Time
}

// Calendar is the ordered list of events from one payload.
type Calendar struct {
	Events []*Event
}

type parseState int

const (
	stateTop parseState = iota
	stateTimezone
	stateEvent
)

// Parse reads one iCalendar payload.
//
// Timezones are collected into a table owned by this call; each event sees
// the timezones defined before it. Lines outside VTIMEZONE and VEVENT
// blocks are ignored. Parsing is lenient except for date-time conversion
// and attachment resolution, which abort with an error.
func Parse(payload []byte, opts ParseOptions) (*Calendar, error) {
	recordProp := opts.RecordIDProperty
	if recordProp == "" {
		recordProp = DefaultRecordIDProperty
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	cal := &Calendar{}
	table := make(TimezoneTable)
	queue := NewAttachmentQueue(opts.Attachments, opts.WriteAttachment)

	state := stateTop
	var (
		tz *Timezone
		ev *Event
	)

	for line := range Unfold(string(payload)) {
		text := strings.TrimSpace(line.Text)

		switch state {
		case stateTop:
			switch text {
			case "BEGIN:VTIMEZONE":
				tz = NewTimezone(opts.Now)
				state = stateTimezone
			case "BEGIN:VEVENT":
				ev = NewEvent(table)
				ev.recordIDProperty = recordProp
				ev.location = loc
				state = stateEvent
			}

		case stateTimezone:
			if text == "END:VTIMEZONE" {
				table[tz.ID] = tz
				tz = nil
				state = stateTop
				continue
			}
			tz.ParseLine(line.Text)

		case stateEvent:
			if text == "END:VEVENT" && ev.nested == 0 {
				cal.Events = append(cal.Events, ev)
				ev = nil
				state = stateTop
				continue
			}
			if err := ev.ParseLine(line, queue); err != nil {
				return nil, fmt.Errorf("ical: event %d: %w", len(cal.Events)+1, err)
			}
		}
	}

	if state != stateTop {
		appLog.Warn("ical: payload ended inside an open block; dropping it", "events", len(cal.Events))
	}
	if n := queue.Remaining(); n > 0 {
		appLog.Debug("ical: attachment parts without ATTACH placeholder", "count", n)
	}

	return cal, nil
}

// Append adds events, e.g. when aggregating several messages.
func (c *Calendar) Append(events ...*Event) {
	c.Events = append(c.Events, events...)
}

// IdentityKey is the value events are matched on across snapshots: the
// record id when set, the UID otherwise.
func IdentityKey(e *Event) string {
	if id := e.RecordID(); id != "" {
		return id
	}
	return e.UID()
}

// ByIdentity indexes the events by IdentityKey. A later event with the same
// key replaces an earlier one.
func (c *Calendar) ByIdentity() map[string]*Event {
	out := make(map[string]*Event, len(c.Events))
	for _, e := range c.Events {
		out[IdentityKey(e)] = e
	}
	return out
}

// Change holds both versions of an event whose content differs.
type Change struct {
	Old *Event
	New *Event
}

// Diff classifies events by identity key. The receiver of Calendar.Diff is
// the origin, its argument the destination.
type Diff struct {
	Changed   map[string]Change
	Removed   map[string]*Event
	Added     map[string]*Event
	Unchanged map[string]*Event
}

// Diff compares c (origin) with other (destination).
func (c *Calendar) Diff(other *Calendar) Diff {
	d := Diff{
		Changed:   make(map[string]Change),
		Removed:   make(map[string]*Event),
		Added:     make(map[string]*Event),
		Unchanged: make(map[string]*Event),
	}

	origin := c.ByIdentity()
	dest := other.ByIdentity()

	for key, old := range origin {
		cur, ok := dest[key]
		switch {
		case !ok:
			d.Removed[key] = old
		case old.Equal(cur):
			d.Unchanged[key] = old
		default:
			d.Changed[key] = Change{Old: old, New: cur}
		}
	}
	for key, cur := range dest {
		if _, ok := origin[key]; !ok {
			d.Added[key] = cur
		}
	}
	return d
}

// Summary lists the identity keys of each class in sorted order.
func (d Diff) Summary() model.DiffSummary {
	return model.DiffSummary{
		Changed:   sortedKeys(d.Changed),
		Removed:   sortedKeys(d.Removed),
		Added:     sortedKeys(d.Added),
		Unchanged: sortedKeys(d.Unchanged),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Serialize writes events inside a VCALENDAR envelope. An empty prodID
// means DefaultProductID.
func Serialize(events []*Event, prodID string) string {
	if prodID == "" {
		prodID = DefaultProductID
	}

	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("PRODID:" + prodID + "\r\n")
	b.WriteString("VERSION:2.0\r\n")
	for _, e := range events {
		b.WriteString(e.WireText())
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

// WireText serializes the whole calendar.
func (c *Calendar) WireText(prodID string) string {
	return Serialize(c.Events, prodID)
}
