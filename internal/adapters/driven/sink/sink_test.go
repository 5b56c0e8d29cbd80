package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

func testRecords() []domain.CanonicalRecord {
	return []domain.CanonicalRecord{
		{
			Entity: "accounts",
			Key:    "00000000-0000-0000-0000-000000000001",
			ETag:   `W/"101"`,
			Fields: map[string]any{
				"name":       "Fourth Coffee",
				"revenue":    json.Number("1500000.25"),
				"modifiedon": time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC),
			},
		},
		{Entity: "accounts", Key: "00000000-0000-0000-0000-000000000002", Deleted: true},
	}
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		out = append(out, line)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "records.jsonl")

	sink, err := OpenJSONL(path)
	require.NoError(t, err)
	require.NoError(t, sink.Deliver(context.Background(), "accounts", testRecords()))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close(), "second close is a no-op")

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "accounts", lines[0]["entity"])
	assert.Equal(t, `W/"101"`, lines[0]["etag"])
	fields := lines[0]["fields"].(map[string]any)
	assert.Equal(t, "2026-02-01T08:30:00Z", fields["modifiedon"])
	assert.Equal(t, 1500000.25, fields["revenue"])
	assert.Equal(t, true, lines[1]["deleted"])
	assert.NotContains(t, lines[1], "fields")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestJSONLSink_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")

	for range 2 {
		sink, err := OpenJSONL(path)
		require.NoError(t, err)
		require.NoError(t, sink.Deliver(context.Background(), "accounts", testRecords()[:1]))
		require.NoError(t, sink.Close())
	}
	assert.Len(t, readLines(t, path), 2)
}

func TestJSONLSink_Errors(t *testing.T) {
	sink, err := OpenJSONL(filepath.Join(t.TempDir(), "records.jsonl"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Deliver(ctx, "accounts", testRecords()), context.Canceled)

	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Deliver(context.Background(), "accounts", testRecords()), ErrClosed)
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	require.NoError(t, sink.Deliver(context.Background(), "accounts", testRecords()))
	require.NoError(t, sink.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"entity":"accounts","key":"00000000-0000-0000-0000-000000000002","deleted":true}`, lines[1])
}

// fakeKafkaWriter records produced messages.
type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := newKafkaSink(w, "d365.records")

	require.NoError(t, sink.Deliver(context.Background(), "accounts", testRecords()))
	require.Len(t, w.msgs, 2)

	msg := w.msgs[0]
	assert.Equal(t, "accounts/00000000-0000-0000-0000-000000000001", string(msg.Key))
	assert.Equal(t, []kafka.Header{
		{Key: HeaderEntity, Value: []byte("accounts")},
		{Key: HeaderDeleted, Value: []byte("false")},
	}, msg.Headers)

	var env map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", env["key"])
	assert.Equal(t, "true", string(w.msgs[1].Headers[1].Value))

	require.NoError(t, sink.Deliver(context.Background(), "accounts", nil))
	assert.Len(t, w.msgs, 2, "empty pages produce nothing")

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &fakeKafkaWriter{err: errors.New("leader not available")}
	sink := newKafkaSink(w, "d365.records")

	err := sink.Deliver(context.Background(), "accounts", testRecords())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "d365.records")
}

func TestNew(t *testing.T) {
	dir := t.TempDir()

	s, err := New(domain.SinkSettings{Type: domain.SinkJSONL}, dir)
	require.NoError(t, err)
	require.IsType(t, &JSONLSink{}, s)
	assert.Equal(t, filepath.Join(dir, DefaultJSONLFile), s.(*JSONLSink).Path())
	require.NoError(t, s.Close())

	s, err = New(domain.SinkSettings{Type: domain.SinkStdout}, dir)
	require.NoError(t, err)
	assert.IsType(t, &WriterSink{}, s)

	s, err = New(domain.SinkSettings{Type: domain.SinkKafka, Brokers: []string{"localhost:9092"}, Topic: "t"}, dir)
	require.NoError(t, err)
	assert.IsType(t, &KafkaSink{}, s)
	require.NoError(t, s.Close())

	_, err = New(domain.SinkSettings{Type: domain.SinkKafka}, dir)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = New(domain.SinkSettings{Type: "s3"}, dir)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
