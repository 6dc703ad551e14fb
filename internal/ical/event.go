package ical

import (
	"fmt"
	"path"
	"strings"
	"time"

	"gwics/internal/model"
)

// DefaultRecordIDProperty is the GroupWise record id property. When present
// it identifies an event instead of its UID.
const DefaultRecordIDProperty = "X-GWRECORDID"

// attachmentPlaceholder is what GroupWise writes as ATTACH value when the
// payload travels as a separate MIME part.
const attachmentPlaceholder = "cid:..."

type field int

const (
	passthrough field = iota
	fieldUID
	fieldRecordID
	fieldDTStamp
	fieldDTStart
	fieldDTEnd
	fieldSummary
	fieldLocation
	fieldDescription
	fieldStatus
	fieldOrganizer
)

// textProperties are stored as-is after a `NAME:` prefix.
var textProperties = []struct {
	name  string
	field field
}{
	{"UID", fieldUID},
	{"SUMMARY", fieldSummary},
	{"LOCATION", fieldLocation},
	{"DESCRIPTION", fieldDescription},
	{"STATUS", fieldStatus},
}

// TimezoneLookup resolves a TZID to a timezone parsed from the same payload.
type TimezoneLookup interface {
	Timezone(id string) (*Timezone, bool)
}

// TimezoneTable is the per-parse set of VTIMEZONE definitions keyed by
// normalized TZID.
type TimezoneTable map[string]*Timezone

// Timezone looks id up after normalizing it like a TZID parameter.
func (t TimezoneTable) Timezone(id string) (*Timezone, bool) {
	tz, ok := t[NormalizeTZID(id)]
	return tz, ok
}

// AttachmentWriter stores an attachment payload and returns the reference
// written as ATTACH value.
type AttachmentWriter func(filename string, payload []byte) (string, error)

// AttachmentQueue hands out extracted attachment payloads to `ATTACH:cid:...`
// placeholders. Pairing is positional: the n-th placeholder in line order
// gets the n-th payload.
type AttachmentQueue struct {
	payloads []model.Attachment
	next     int
	write    AttachmentWriter
}

// NewAttachmentQueue pairs payloads, in message order, with write.
func NewAttachmentQueue(payloads []model.Attachment, write AttachmentWriter) *AttachmentQueue {
	return &AttachmentQueue{payloads: payloads, write: write}
}

// Remaining is the number of payloads no placeholder has claimed yet.
func (q *AttachmentQueue) Remaining() int {
	if q == nil {
		return 0
	}
	return len(q.payloads) - q.next
}

func (q *AttachmentQueue) resolve(recordID string) (string, error) {
	if q == nil || q.next >= len(q.payloads) {
		return "", fmt.Errorf("%w: no payload left for placeholder", ErrAttachment)
	}
	if q.write == nil {
		return "", fmt.Errorf("%w: no attachment writer configured", ErrAttachment)
	}

	att := q.payloads[q.next]
	q.next++

	filename := att.Filename
	if filename == "" {
		filename = "unnamed"
	}
	if recordID != "" {
		filename = path.Join(recordID, filename)
	}

	ref, err := q.write(filename, att.Data)
	if err != nil {
		return "", fmt.Errorf("%w: write %q: %w", ErrAttachment, filename, err)
	}
	return ref, nil
}

type eventLine struct {
	field    field
	physical []string
}

// Event is a VEVENT reduced to the properties that matter for change
// detection, plus every other line kept verbatim for re-serialization.
type Event struct {
	recordIDProperty string
	timezones        TimezoneLookup
	location         *time.Location

	values      map[field]ParamValue
	lines       []eventLine
	attendees   []ParamValue
	attachments []ParamValue

	// nested counts open sub-components (VALARM...) whose lines are kept
	// verbatim.
	nested int
}

// NewEvent returns an empty event. timezones may be nil when no localized
// DTSTART/DTEND will be parsed.
func NewEvent(timezones TimezoneLookup) *Event {
	return &Event{
		recordIDProperty: DefaultRecordIDProperty,
		timezones:        timezones,
		location:         time.Local,
		values:           make(map[field]ParamValue),
	}
}

func (e *Event) propertyName(f field) string {
	switch f {
	case fieldUID:
		return "UID"
	case fieldRecordID:
		return e.recordIDProperty
	case fieldDTStamp:
		return "DTSTAMP"
	case fieldDTStart:
		return "DTSTART"
	case fieldDTEnd:
		return "DTEND"
	case fieldSummary:
		return "SUMMARY"
	case fieldLocation:
		return "LOCATION"
	case fieldDescription:
		return "DESCRIPTION"
	case fieldStatus:
		return "STATUS"
	case fieldOrganizer:
		return "ORGANIZER"
	}
	return ""
}

// set stores a known field exactly once: its previous line is removed and
// the new one appended.
func (e *Event) set(f field, v ParamValue) {
	if _, ok := e.values[f]; ok {
		for i, l := range e.lines {
			if l.field == f {
				e.lines = append(e.lines[:i], e.lines[i+1:]...)
				break
			}
		}
	}
	e.values[f] = v
	e.lines = append(e.lines, eventLine{field: f})
}

func (e *Event) text(f field) string {
	return e.values[f].Value
}

// UID returns the UID value, empty when absent.
func (e *Event) UID() string { return e.text(fieldUID) }

// RecordID returns the value of the record id property, empty when absent.
func (e *Event) RecordID() string { return e.text(fieldRecordID) }

// DTStamp returns the DTSTAMP value normalized to UTC.
func (e *Event) DTStamp() string { return e.text(fieldDTStamp) }

// Summary returns the SUMMARY text as written.
func (e *Event) Summary() string { return e.text(fieldSummary) }

// Location returns the LOCATION text as written.
func (e *Event) Location() string { return e.text(fieldLocation) }

// Description returns the DESCRIPTION text as written.
func (e *Event) Description() string { return e.text(fieldDescription) }

// Status returns the STATUS value as written.
func (e *Event) Status() string { return e.text(fieldStatus) }

// DTStart returns the start as stored: parameters (e.g. VALUE=DATE) plus a
// UTC or all-day value.
func (e *Event) DTStart() ParamValue { return e.values[fieldDTStart] }

// DTEnd returns the end in the same form as DTStart.
func (e *Event) DTEnd() ParamValue { return e.values[fieldDTEnd] }

// Organizer returns the ORGANIZER value and whether one was set.
func (e *Event) Organizer() (ParamValue, bool) {
	v, ok := e.values[fieldOrganizer]
	return v, ok
}

// The setters replace the field's previous line, if any, and append the new
// one after all other lines.

// SetUID sets UID.
func (e *Event) SetUID(v string) { e.set(fieldUID, TextValue(v)) }

// SetRecordID sets the record id property.
func (e *Event) SetRecordID(v string) { e.set(fieldRecordID, TextValue(v)) }

// SetDTStamp sets DTSTAMP verbatim.
func (e *Event) SetDTStamp(v string) { e.set(fieldDTStamp, TextValue(v)) }

// SetSummary sets SUMMARY.
func (e *Event) SetSummary(v string) { e.set(fieldSummary, TextValue(v)) }

// SetLocation sets LOCATION.
func (e *Event) SetLocation(v string) { e.set(fieldLocation, TextValue(v)) }

// SetDescription sets DESCRIPTION.
func (e *Event) SetDescription(v string) { e.set(fieldDescription, TextValue(v)) }

// SetStatus sets STATUS.
func (e *Event) SetStatus(v string) { e.set(fieldStatus, TextValue(v)) }

// SetDTStart sets DTSTART; v is stored as given, without UTC conversion.
func (e *Event) SetDTStart(v ParamValue) { e.set(fieldDTStart, v) }

// SetDTEnd sets DTEND; v is stored as given, without UTC conversion.
func (e *Event) SetDTEnd(v ParamValue) { e.set(fieldDTEnd, v) }

// SetOrganizer replaces the organizer.
func (e *Event) SetOrganizer(v ParamValue) {
	e.set(fieldOrganizer, v)
}

// Attendees returns the ATTENDEE values in input order, duplicates included.
func (e *Event) Attendees() []ParamValue {
	return append([]ParamValue(nil), e.attendees...)
}

// AddAttendee appends an attendee; duplicates are kept.
func (e *Event) AddAttendee(v ParamValue) {
	e.attendees = append(e.attendees, v)
}

// Attachments returns the ATTACH values in input order. Placeholders have
// already been replaced with the writer's references.
func (e *Event) Attachments() []ParamValue {
	return append([]ParamValue(nil), e.attachments...)
}

// AddAttachment appends an ATTACH value.
func (e *Event) AddAttachment(v ParamValue) {
	e.attachments = append(e.attachments, v)
}

// PassthroughLines returns the physical lines of every unmodeled property.
func (e *Event) PassthroughLines() []string {
	var out []string
	for _, l := range e.lines {
		if l.field == passthrough {
			out = append(out, l.physical...)
		}
	}
	return out
}

// ParseLine consumes one logical line between BEGIN:VEVENT and END:VEVENT.
// attachments may be nil when the payload has no attachment parts.
func (e *Event) ParseLine(line LogicalLine, attachments *AttachmentQueue) error {
	text := line.Text

	if e.nested > 0 || strings.HasPrefix(text, "BEGIN:") {
		switch {
		case strings.HasPrefix(text, "BEGIN:"):
			e.nested++
		case strings.HasPrefix(text, "END:"):
			e.nested--
		}
		e.keep(line)
		return nil
	}

	switch {
	case strings.HasPrefix(text, "DTSTART"):
		v, err := e.datetimeToUTC(text[len("DTSTART"):])
		if err != nil {
			return fmt.Errorf("DTSTART: %w", err)
		}
		e.SetDTStart(v)
		return nil
	case strings.HasPrefix(text, "DTEND"):
		v, err := e.datetimeToUTC(text[len("DTEND"):])
		if err != nil {
			return fmt.Errorf("DTEND: %w", err)
		}
		e.SetDTEnd(v)
		return nil
	case strings.HasPrefix(text, "DTSTAMP:"):
		v, err := e.datetimeToUTC(text[len("DTSTAMP"):])
		if err != nil {
			return fmt.Errorf("DTSTAMP: %w", err)
		}
		e.SetDTStamp(v.Value)
		return nil
	case strings.HasPrefix(text, e.recordIDProperty+":"):
		e.SetRecordID(text[len(e.recordIDProperty)+1:])
		return nil
	case strings.HasPrefix(text, "ORGANIZER"):
		e.SetOrganizer(ParseParamValue(text[len("ORGANIZER"):]))
		return nil
	case strings.HasPrefix(text, "ATTENDEE"):
		e.AddAttendee(ParseParamValue(text[len("ATTENDEE"):]))
		return nil
	case strings.HasPrefix(text, "ATTACH"):
		attach := ParseParamValue(text[len("ATTACH"):])
		if strings.EqualFold(attach.Value, attachmentPlaceholder) {
			ref, err := attachments.resolve(e.RecordID())
			if err != nil {
				return err
			}
			attach.Value = ref
		}
		e.AddAttachment(attach)
		return nil
	}

	for _, p := range textProperties {
		if strings.HasPrefix(text, p.name+":") {
			e.set(p.field, TextValue(text[len(p.name)+1:]))
			return nil
		}
	}

	e.keep(line)
	return nil
}

func (e *Event) keep(line LogicalLine) {
	e.lines = append(e.lines, eventLine{physical: line.Physical})
}

// datetimeToUTC normalizes the `[;params]:value` tail of a date-time
// property to UTC. TZID-localized values are resolved against the payload's
// VTIMEZONEs, floating values against the host wall clock. Dates and values
// already in UTC pass through.
func (e *Event) datetimeToUTC(raw string) (ParamValue, error) {
	v := ParseParamValue(raw)

	if tzid, ok := v.Param("TZID"); ok {
		if !strings.Contains(v.Value, "T") {
			return v, nil
		}
		var (
			tz    *Timezone
			found bool
		)
		if e.timezones != nil {
			tz, found = e.timezones.Timezone(tzid)
		}
		if !found {
			return v, fmt.Errorf("%w: %q", ErrUnknownTimezone, tzid)
		}
		local, err := time.Parse(localLayout, v.Value)
		if err != nil {
			return v, fmt.Errorf("%w: %q", ErrInvalidDateTime, v.Value)
		}
		offset, ok := tz.UTCOffset(local)
		if !ok {
			return v, fmt.Errorf("%w: %q has no transitions", ErrUnknownTimezone, tzid)
		}
		v.Value = local.Add(-offset).Format(utcLayout)
		v.Del("TZID")
		return v, nil
	}

	if strings.Contains(v.Value, "T") && !strings.HasSuffix(v.Value, "Z") {
		loc := e.location
		if loc == nil {
			loc = time.Local
		}
		local, err := time.ParseInLocation(localLayout, v.Value, loc)
		if err != nil {
			return v, fmt.Errorf("%w: %q", ErrInvalidDateTime, v.Value)
		}
		v.Value = local.UTC().Format(utcLayout)
	}
	return v, nil
}

// WireText renders the event as a VEVENT block. Modeled and passthrough
// lines come first in their recorded order, then attendees, then
// attachments. Each group is emitted even when empty.
func (e *Event) WireText() string {
	lines := make([]string, 0, len(e.lines))
	for _, l := range e.lines {
		if l.field == passthrough {
			lines = append(lines, l.physical...)
			continue
		}
		lines = append(lines, e.propertyName(l.field)+e.values[l.field].Encode())
	}

	attendees := make([]string, 0, len(e.attendees))
	for _, a := range e.attendees {
		attendees = append(attendees, "ATTENDEE"+a.Encode())
	}
	attachments := make([]string, 0, len(e.attachments))
	for _, a := range e.attachments {
		attachments = append(attachments, "ATTACH"+a.Encode())
	}

	return "BEGIN:VEVENT\r\n" +
		strings.Join(lines, "\r\n") + "\r\n" +
		strings.Join(attendees, "\r\n") + "\r\n" +
		strings.Join(attachments, "\r\n") + "\r\n" +
		"END:VEVENT\r\n"
}

// Equal reports whether two events carry the same modeled fields and the
// same attendees in any order. Attachments and passthrough lines are not
// compared.
//
// Attendees compare as a multiset rather than a set: a repeated attendee
// counts, so [A, A] is not equal to [A].
func (e *Event) Equal(o *Event) bool {
	if e == nil || o == nil {
		return e == o
	}
	if len(e.values) != len(o.values) {
		return false
	}
	for f, v := range e.values {
		ov, ok := o.values[f]
		if !ok || !v.Equal(ov) {
			return false
		}
	}

	if len(e.attendees) != len(o.attendees) {
		return false
	}
	counts := make(map[string]int, len(e.attendees))
	for _, a := range e.attendees {
		counts[a.canonical()]++
	}
	for _, a := range o.attendees {
		k := a.canonical()
		if counts[k] == 0 {
			return false
		}
		counts[k]--
	}
	return true
}
