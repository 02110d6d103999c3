package normalize

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipsentry/internal/model"
)

func TestParseTimestampFormats(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2024-05-01T12:00:00Z",
		"2024-05-01T12:00:00+00:00",
		"2024-05-01 12:00:00",
		"2024-05-01T12:00:00",
		"1714564800",
		"1714564800000",
	} {
		got, err := ParseTimestamp(in, time.UTC)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
	if _, err := ParseTimestamp("yesterday", time.UTC); err == nil {
		t.Fatalf("expected error for free text")
	}
}

func TestParseOutcomeAliases(t *testing.T) {
	cases := map[string]model.Outcome{
		"":        model.OutcomeSuccess,
		"OK":      model.OutcomeSuccess,
		"failed":  model.OutcomeFailure,
		"Reject":  model.OutcomeFailure,
		"denied":  model.OutcomeBlocked,
		"timeout": model.OutcomeError,
	}
	for in, want := range cases {
		got, err := ParseOutcome(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseOutcome("maybe")
	assert.Error(t, err)
}

func TestFromMapAliasesAndMetadata(t *testing.T) {
	body := `[{"timestamp":"2024-05-01T12:00:00Z","ip":"10.0.0.1","result":"failed","username":"root","dport":22,"proto":"TCP","region":"eu"}]`
	events, err := DecodeBody(strings.NewReader(body), "application/json", "", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "10.0.0.1", ev.Identity)
	assert.Equal(t, model.OutcomeFailure, ev.Outcome)
	require.NotNil(t, ev.User)
	assert.Equal(t, "root", *ev.User)
	require.NotNil(t, ev.DestPort)
	assert.Equal(t, 22, *ev.DestPort)
	assert.Equal(t, "tcp", ev.Protocol)
	assert.Equal(t, "eu", ev.Metadata["region"])
	assert.NotEmpty(t, ev.EventID)
}

func TestMissingIdentityDefaults(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"ts":"2024-05-01T12:00:00Z","event_id":"e1"}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultIdentity, ev.Identity)
	assert.Equal(t, "e1", ev.EventID)
	assert.Equal(t, model.OutcomeSuccess, ev.Outcome)
	assert.Nil(t, ev.User)
}

func TestMissingTimestampRejected(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"source_ip":"10.0.0.1"}`))
	assert.Error(t, err)
}

func TestPortOutOfRangeRejected(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"ts":"2024-05-01T12:00:00Z","dest_port":70000}`))
	assert.Error(t, err)
}

func TestDecodeWrapperObject(t *testing.T) {
	body := `{"events":[{"ts":"2024-05-01T12:00:00Z","source_ip":"a"},{"ts":"2024-05-01T12:00:01Z","source_ip":"b"}]}`
	events, err := DecodeBody(strings.NewReader(body), "application/json", "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[1].Identity)
}

func TestDecodeNDJSON(t *testing.T) {
	body := "{\"ts\":\"2024-05-01T12:00:00Z\",\"source_ip\":\"a\"}\n\n{\"ts\":\"2024-05-01T12:00:01Z\",\"source_ip\":\"b\",\"outcome\":\"blocked\"}\n"
	events, err := DecodeBody(strings.NewReader(body), "application/x-ndjson", "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.OutcomeBlocked, events[1].Outcome)

	_, err = DecodeBody(strings.NewReader("{\"ts\":\"2024-05-01T12:00:00Z\"}\nnot json\n"), "", "", 0)
	assert.Error(t, err)
}

func TestDecodeGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`[{"ts":"2024-05-01T12:00:00Z","source_ip":"a"}]`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	events, err := DecodeBody(bytes.NewReader(buf.Bytes()), "application/json", "gzip", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	events, err = DecodeBody(bytes.NewReader(buf.Bytes()), "application/json", "", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestDecodeEmptyBody(t *testing.T) {
	events, err := DecodeBody(strings.NewReader("  \n"), "application/json", "", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecodeGzipBombRejected(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	line := []byte("{\"ts\":\"2024-05-01T12:00:00Z\",\"source_ip\":\"a\"}\n")
	for written := 0; written <= 1<<20; written += len(line) {
		_, err := zw.Write(line)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.Less(t, buf.Len(), 64<<10)

	_, err := DecodeBody(bytes.NewReader(buf.Bytes()), "application/x-ndjson", "gzip", 1<<20)
	require.ErrorIs(t, err, ErrBodyTooLarge)

	events, err := DecodeBody(bytes.NewReader(buf.Bytes()), "application/x-ndjson", "gzip", 4<<20)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestDecodePlainBodyLimit(t *testing.T) {
	body := `[{"ts":"2024-05-01T12:00:00Z","source_ip":"a"}]`
	_, err := DecodeBody(strings.NewReader(body), "application/json", "", 10)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}
