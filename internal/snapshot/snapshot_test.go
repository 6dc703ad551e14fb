package snapshot

import (
	"context"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCalendar = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:one\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"SUMMARY:First\r\n" +
	"\r\n" +
	"\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:two\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"SUMMARY:Second\r\n" +
	"\r\n" +
	"\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calendar.ics")
	require.NoError(t, os.WriteFile(path, []byte(sampleCalendar), 0o644))

	res, err := NewLoader(t.TempDir()).Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, sampleCalendar, string(res.Body))
	assert.False(t, res.FromCache)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := NewLoader(t.TempDir()).Load(context.Background(), filepath.Join(t.TempDir(), "nope.ics"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLoad_EmptyLocation(t *testing.T) {
	_, err := NewLoader(t.TempDir()).Load(context.Background(), "")
	assert.Error(t, err)
}

func TestLoad_URLUsesConditionalGet(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleCalendar))
	}))
	defer srv.Close()

	loader := NewLoader(t.TempDir())

	first, err := loader.Load(context.Background(), srv.URL+"/secret-token/calendar.ics")
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, sampleCalendar, string(first.Body))

	second, err := loader.Load(context.Background(), srv.URL+"/secret-token/calendar.ics")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, sampleCalendar, string(second.Body))
	assert.Equal(t, int32(2), hits.Load())
}

func TestLoad_URLFallsBackToCacheOnError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(sampleCalendar))
	}))
	defer srv.Close()

	loader := NewLoader(t.TempDir())
	_, err := loader.Load(context.Background(), srv.URL)
	require.NoError(t, err)

	fail.Store(true)
	res, err := loader.Load(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, sampleCalendar, string(res.Body))
}

func TestLoad_URLErrorWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewLoader(t.TempDir()).Load(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://cal.example.com/...(redacted)", redactURL("https://cal.example.com/private/abc123/basic.ics"))
	assert.Equal(t, "http://host:8080/...(redacted)", redactURL("http://host:8080"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}

func TestVerify(t *testing.T) {
	n, err := Verify(sampleCalendar)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestVerify_EmptyCalendar(t *testing.T) {
	n, err := Verify("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:x\r\nEND:VCALENDAR\r\n")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
