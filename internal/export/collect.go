// Package export turns a mail store of GroupWise messages into one calendar
// and keeps the serialized output up to date.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gwics/internal/ical"
	appLog "gwics/internal/log"
	"gwics/internal/message"
	"gwics/internal/source"
)

// Options configures Collect.
type Options struct {
	WriteAttachment  ical.AttachmentWriter
	RecordIDProperty string
	Location         *time.Location
	Now              func() time.Time
}

// Collected is the merged result of one pass over a source.
type Collected struct {
	Calendar *ical.Calendar
	Messages int
	Skipped  int
}

// Collect parses every message of src and merges the events by identity
// key. When several messages carry the same event, the one with the newest
// DTSTAMP wins; on equal stamps the later message wins. Events with neither
// record id nor UID cannot be matched and are dropped.
//
// Broken messages are logged and skipped. Attachment failures abort the
// whole pass since the output would otherwise reference missing payloads.
func Collect(ctx context.Context, src source.MessageSource, opts Options) (*Collected, error) {
	// Remote sources hold a session for the duration of one pass.
	if closer, ok := src.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				appLog.Error("export: closing message source failed", err)
			}
		}()
	}

	ids, err := src.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: list messages: %w", err)
	}

	out := &Collected{Calendar: &ical.Calendar{}}
	index := make(map[string]int)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.Messages++

		cal, err := parseMessage(ctx, src, id, opts)
		if err != nil {
			if errors.Is(err, ical.ErrAttachment) || errors.Is(err, context.Canceled) {
				return nil, fmt.Errorf("export: message %s: %w", id, err)
			}
			appLog.Error("export: skipping message", err, "id", id)
			out.Skipped++
			continue
		}
		if cal == nil {
			out.Skipped++
			continue
		}

		for _, ev := range cal.Events {
			key := ical.IdentityKey(ev)
			if key == "" {
				appLog.Warn("export: event without record id or UID dropped", "id", id)
				continue
			}
			if i, ok := index[key]; ok {
				if ev.DTStamp() >= out.Calendar.Events[i].DTStamp() {
					out.Calendar.Events[i] = ev
				}
				continue
			}
			index[key] = len(out.Calendar.Events)
			out.Calendar.Append(ev)
		}
	}

	appLog.Info("export: collected",
		"messages", out.Messages,
		"skipped", out.Skipped,
		"events", len(out.Calendar.Events),
	)
	return out, nil
}

// parseMessage returns nil without error for messages that carry no
// calendar payload.
func parseMessage(ctx context.Context, src source.MessageSource, id string, opts Options) (*ical.Calendar, error) {
	raw, err := src.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	msg, err := message.Extract(raw)
	if err != nil {
		return nil, err
	}
	if msg.Payload == nil {
		appLog.Warn("export: message has no text/calendar part", "id", id, "message_id", msg.MessageID)
		return nil, nil
	}

	return ical.Parse(msg.Payload, ical.ParseOptions{
		Attachments:      msg.Attachments,
		WriteAttachment:  opts.WriteAttachment,
		RecordIDProperty: opts.RecordIDProperty,
		Location:         opts.Location,
		Now:              opts.Now,
	})
}
