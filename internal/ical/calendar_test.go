package ical

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwics/internal/model"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func parse(t *testing.T, payload []byte) *Calendar {
	t.Helper()
	cal, err := Parse(payload, ParseOptions{Location: time.UTC, Now: fixedClock(2026)})
	require.NoError(t, err)
	return cal
}

func eventLines(uid string, joeCN, joeURI string) []string {
	return []string{
		"BEGIN:VEVENT",
		"UID:" + uid,
		"DTSTAMP:20131007T194119Z",
		"DTSTART:20131008T130000Z",
		"DTEND:20131008T133000Z",
		"TRANSP:OPAQUE",
		"SEQUENCE:2",
		"SUMMARY:test summary",
		"LOCATION:test location",
		"DESCRIPTION:test description",
		"CLASS:PUBLIC",
		"ORGANIZER;CN=Joe Hacker:MAILTO:joe@hacker.com",
		"ATTENDEE;CUTYPE=INDIVIDUAL;ROLE=REQ-PARTICIPANT;PARTSTAT=ACCEPTED;",
		" RSVP=TRUE;CN=" + joeCN + ";LANGUAGE=en:MAILTO:",
		" " + joeURI,
		"ATTENDEE;CUTYPE=INDIVIDUAL;ROLE=REQ-PARTICIPANT;PARTSTAT=NEEDS-ACTION;",
		" RSVP=TRUE;LANGUAGE=en:MAILTO:alice@hacker.com",
		"END:VEVENT",
	}
}

func calendarPayload(events ...[]string) []byte {
	lines := []string{
		"BEGIN:VCALENDAR",
		"PRODID:-//Ximian//NONSGML Evolution Calendar//EN",
		"VERSION:2.0",
		"METHOD:REQUEST",
	}
	for _, e := range events {
		lines = append(lines, e...)
	}
	lines = append(lines, "END:VCALENDAR")
	return crlf(lines...)
}

var addedEventLines = []string{
	"BEGIN:VEVENT",
	"UID:added-event-uid",
	"DTSTAMP:20131009T194119Z",
	"DTSTART:20131010T130000Z",
	"DTEND:20131010T133000Z",
	"SUMMARY:added event summary",
	"ORGANIZER;CN=Joe Hacker:MAILTO:joe@hacker.com",
	"ATTENDEE;CUTYPE=INDIVIDUAL;ROLE=REQ-PARTICIPANT;PARTSTAT=NEEDS-ACTION;",
	" RSVP=TRUE;LANGUAGE=en:MAILTO:bob@hacker.com",
	"END:VEVENT",
}

func TestParse_Event(t *testing.T) {
	cal := parse(t, calendarPayload(eventLines("20131007T194020Z-3587-100-1732-0@laptop", "Joe HACKER", "joe@hacker.com")))
	require.Len(t, cal.Events, 1)

	expected := NewEvent(nil)
	expected.SetUID("20131007T194020Z-3587-100-1732-0@laptop")
	expected.SetDTStamp("20131007T194119Z")
	expected.SetDTStart(ParseParamValue(":20131008T130000Z"))
	expected.SetDTEnd(ParseParamValue(":20131008T133000Z"))
	expected.SetSummary("test summary")
	expected.SetLocation("test location")
	expected.SetDescription("test description")
	organizer := TextValue("MAILTO:joe@hacker.com")
	organizer.Set("CN", "Joe Hacker")
	expected.SetOrganizer(organizer)
	expected.AddAttendee(attendee("", "NEEDS-ACTION", "MAILTO:alice@hacker.com"))
	expected.AddAttendee(attendee("Joe HACKER", "ACCEPTED", "MAILTO:joe@hacker.com"))

	got := cal.Events[0]
	assert.True(t, expected.Equal(got))
	assert.Equal(t, "test summary", got.Summary())
	assert.Equal(t, "20131007T194119Z", got.DTStamp())
	assert.Equal(t, ":20131008T130000Z", got.DTStart().Encode())
	assert.Equal(t, []string{"TRANSP:OPAQUE", "SEQUENCE:2", "CLASS:PUBLIC"}, got.PassthroughLines())
}

func TestParse_TimezoneTableFeedsEvents(t *testing.T) {
	lines := []string{"BEGIN:VCALENDAR", "BEGIN:VTIMEZONE"}
	lines = append(lines, parisLines...)
	lines = append(lines,
		"END:VTIMEZONE",
		"BEGIN:VEVENT",
		"UID:tz-event",
		"DTSTART;TZID=/freeassociation.sourceforge.net/Tzfile/Europe/Paris:20131008T130000",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	cal := parse(t, crlf(lines...))
	require.Len(t, cal.Events, 1)
	assert.Equal(t, ":20131008T110000Z", cal.Events[0].DTStart().Encode())
}

func TestParse_UnknownTimezoneAborts(t *testing.T) {
	_, err := Parse(crlf(
		"BEGIN:VCALENDAR",
		"BEGIN:VEVENT",
		"UID:x",
		"DTSTART;TZID=Nowhere:20131008T130000",
		"END:VEVENT",
		"END:VCALENDAR",
	), ParseOptions{})
	assert.ErrorIs(t, err, ErrUnknownTimezone)
}

func TestParse_NoCalendarData(t *testing.T) {
	cal, err := Parse([]byte("just some text\r\n"), ParseOptions{})
	require.NoError(t, err)
	assert.Empty(t, cal.Events)
}

func TestParse_RecordIDProperty(t *testing.T) {
	payload := crlf(
		"BEGIN:VCALENDAR",
		"BEGIN:VEVENT",
		"UID:uid-1",
		"X-OTHERID:rec-9",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	cal, err := Parse(payload, ParseOptions{RecordIDProperty: "X-OTHERID"})
	require.NoError(t, err)
	require.Len(t, cal.Events, 1)
	assert.Equal(t, "rec-9", cal.Events[0].RecordID())
	assert.Contains(t, cal.Events[0].WireText(), "X-OTHERID:rec-9\r\n")
}

func TestParse_AttachmentsResolvedInOrder(t *testing.T) {
	payload := crlf(
		"BEGIN:VCALENDAR",
		"BEGIN:VEVENT",
		"UID:first",
		"ATTACH:cid:...",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:second",
		"X-GWRECORDID:rec-2",
		"ATTACH:cid:...",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	var names []string
	cal, err := Parse(payload, ParseOptions{
		Attachments: []model.Attachment{
			{Filename: "one.txt", Data: []byte("1")},
			{Filename: "two.txt", Data: []byte("2")},
		},
		WriteAttachment: func(name string, _ []byte) (string, error) {
			names = append(names, name)
			return "ref:" + name, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one.txt", "rec-2/two.txt"}, names)
	assert.Equal(t, "ref:one.txt", cal.Events[0].Attachments()[0].Value)
	assert.Equal(t, "ref:rec-2/two.txt", cal.Events[1].Attachments()[0].Value)
}

func TestIdentityKey_PrefersRecordID(t *testing.T) {
	e := NewEvent(nil)
	e.SetUID("uid-1")
	assert.Equal(t, "uid-1", IdentityKey(e))

	e.SetRecordID("rec-1")
	assert.Equal(t, "rec-1", IdentityKey(e))

	cal := &Calendar{}
	cal.Append(e)
	d := cal.Diff(cal)
	assert.Equal(t, []string{"rec-1"}, d.Summary().Unchanged)
}

func TestDiff_SelfIsUnchanged(t *testing.T) {
	cal := parse(t, calendarPayload(
		eventLines("a", "Joe HACKER", "joe@hacker.com"),
		eventLines("b", "Joe HACKER", "joe@hacker.com"),
	))
	d := cal.Diff(cal)
	assert.Empty(t, d.Changed)
	assert.Empty(t, d.Removed)
	assert.Empty(t, d.Added)
	assert.Equal(t, []string{"a", "b"}, d.Summary().Unchanged)
	assert.True(t, d.Summary().Empty())
}

func TestDiff_Added(t *testing.T) {
	old := parse(t, calendarPayload(eventLines("old-event-uid", "Joe HACKER", "joe@hacker.com")))
	cur := parse(t, calendarPayload(eventLines("old-event-uid", "Joe HACKER", "joe@hacker.com"), addedEventLines))

	d := old.Diff(cur)
	assert.Empty(t, d.Changed)
	assert.Empty(t, d.Removed)
	assert.Equal(t, []string{"added-event-uid"}, d.Summary().Added)
	assert.Equal(t, []string{"old-event-uid"}, d.Summary().Unchanged)

	// Reversed, the same event is reported as removed.
	back := cur.Diff(old)
	assert.Equal(t, []string{"added-event-uid"}, back.Summary().Removed)
}

func TestDiff_Changed(t *testing.T) {
	old := parse(t, calendarPayload(eventLines("changed-event-uid", "Joe HACKER", "joe@hacker.com")))
	cur := parse(t, calendarPayload(eventLines("changed-event-uid", "Bob HACKER", "bob@hacker.com")))

	d := old.Diff(cur)
	assert.Empty(t, d.Unchanged)
	assert.Empty(t, d.Removed)
	assert.Empty(t, d.Added)
	require.Contains(t, d.Changed, "changed-event-uid")

	change := d.Changed["changed-event-uid"]
	assert.Same(t, old.Events[0], change.Old)
	assert.Same(t, cur.Events[0], change.New)
}

func TestDiff_AttachmentsDoNotCount(t *testing.T) {
	withAttach := append([]string{}, eventLines("same", "Joe HACKER", "joe@hacker.com")...)
	withAttach = append(withAttach[:len(withAttach)-1], "ATTACH:http://example.com/file", "END:VEVENT")

	old := parse(t, calendarPayload(eventLines("same", "Joe HACKER", "joe@hacker.com")))
	cur := parse(t, calendarPayload(withAttach))
	require.Len(t, cur.Events[0].Attachments(), 1)

	assert.True(t, old.Events[0].Equal(cur.Events[0]))
	assert.Equal(t, []string{"same"}, old.Diff(cur).Summary().Unchanged)
}

func TestSerialize_RoundTrip(t *testing.T) {
	cal := parse(t, calendarPayload(eventLines("rt", "Joe HACKER", "joe@hacker.com")))
	text := cal.WireText("")

	assert.True(t, strings.HasPrefix(text, "BEGIN:VCALENDAR\r\nPRODID:"+DefaultProductID+"\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\n"))
	assert.True(t, strings.HasSuffix(text, "END:VEVENT\r\nEND:VCALENDAR\r\n"))
	assert.Contains(t, text, "ATTENDEE;CUTYPE=INDIVIDUAL;ROLE=REQ-PARTICIPANT;PARTSTAT=ACCEPTED;RSVP=TRUE;CN=Joe HACKER;LANGUAGE=en:MAILTO:joe@hacker.com\r\n")

	again := parse(t, []byte(text))
	require.Len(t, again.Events, 1)
	assert.True(t, cal.Events[0].Equal(again.Events[0]))
	assert.Equal(t, cal.Events[0].WireText(), again.Events[0].WireText())
}

func TestSerialize_CustomProductID(t *testing.T) {
	out := Serialize(nil, "-//Example//EN")
	assert.Equal(t, "BEGIN:VCALENDAR\r\nPRODID:-//Example//EN\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n", out)
}
