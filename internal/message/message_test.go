package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calendarBody = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:x\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

func mailLines(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

// TestExtract_SinglePartCalendar tests a message whose whole body is the calendar
func TestExtract_SinglePartCalendar(t *testing.T) {
	raw := mailLines(
		"Mime-Version: 1.0",
		"X-Mailer: GroupWise 2012",
		"Subject: Title",
		"Date: Wed, 15 Jan 2014 14:46:00 +0000",
		"Message-ID: <xxxxxx@hacker.com>",
		`From: "Joe Hacker" <joe@hacker.com>`,
		"To: Bob Hacker <bob@hacker.com>",
		"Content-Type: text/calendar",
		"",
		calendarBody,
	)

	got, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "<xxxxxx@hacker.com>", got.MessageID)
	assert.Equal(t, calendarBody, string(got.Payload))
	assert.Empty(t, got.Attachments)
}

// TestExtract_MultipartWithAttachments tests payload and attachment collection
func TestExtract_MultipartWithAttachments(t *testing.T) {
	raw := mailLines(
		"Mime-Version: 1.0",
		"Subject: Meeting",
		"Message-ID: <multi@hacker.com>",
		`Content-Type: multipart/mixed; boundary="BOUNDARY"`,
		"",
		"--BOUNDARY",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Please join.",
		"--BOUNDARY",
		`Content-Type: text/calendar; method=REQUEST; charset=utf-8`,
		"",
		strings.TrimSuffix(calendarBody, "\r\n"),
		"--BOUNDARY",
		`Content-Type: text/plain; name="foo.txt"`,
		`Content-Disposition: attachment; filename="foo.txt"`,
		"Content-Transfer-Encoding: base64",
		"",
		"c29tZSBjb250ZW50",
		"--BOUNDARY",
		"Content-Type: application/octet-stream",
		"Content-Disposition: attachment",
		"",
		"raw bytes",
		"--BOUNDARY--",
		"",
	)

	got, err := Extract(raw)
	require.NoError(t, err)
	assert.Contains(t, string(got.Payload), "UID:x")

	require.Len(t, got.Attachments, 2)
	assert.Equal(t, "foo.txt", got.Attachments[0].Filename)
	assert.Equal(t, "text/plain", got.Attachments[0].ContentType)
	assert.Equal(t, "some content", string(got.Attachments[0].Data))

	assert.Equal(t, "", got.Attachments[1].Filename)
	assert.Equal(t, "raw bytes", string(got.Attachments[1].Data))
}

// TestExtract_NoCalendar tests that a message without calendar data is not an error
func TestExtract_NoCalendar(t *testing.T) {
	raw := mailLines(
		"Subject: hello",
		"Content-Type: text/plain",
		"",
		"nothing to see",
	)
	got, err := Extract(raw)
	require.NoError(t, err)
	assert.Nil(t, got.Payload)
}

// TestExtract_Latin1Calendar tests charset conversion of the calendar part
func TestExtract_Latin1Calendar(t *testing.T) {
	raw := append(mailLines(
		"Subject: latin1",
		"Content-Type: text/calendar; charset=iso-8859-1",
		"",
		"SUMMARY:caf",
	), 0xe9)

	got, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "SUMMARY:café", string(got.Payload))
}
