package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/config"
)

type recordingSink struct {
	entries []*Entry
	err     error
}

func (s *recordingSink) Record(_ context.Context, entry *Entry) error {
	s.entries = append(s.entries, entry)
	return s.err
}

func TestLogRecorder_WritesEventLine(t *testing.T) {
	var buf bytes.Buffer
	rec := NewLogRecorder(slog.New(slog.NewTextHandler(&buf, nil)))

	entry := NewEntry(EventAuthFailed)
	entry.Username = "reseller"
	entry.Client = "203.0.113.7"
	require.NoError(t, rec.Record(context.Background(), entry))

	out := buf.String()
	require.Contains(t, out, "level=WARN")
	require.Contains(t, out, "AUTH_FAILED")
	require.Contains(t, out, "username=reseller")
	require.Contains(t, out, "client=203.0.113.7")
	require.NotContains(t, out, "reference_id")
}

func TestNewEntry(t *testing.T) {
	a := NewEntry(EventAction)
	b := NewEntry(EventAction)
	require.NotEqual(t, a.ID, b.ID)
	require.False(t, a.CreatedAt.IsZero())
}

func TestMulti_TriesEveryRecorder(t *testing.T) {
	failing := &recordingSink{err: errors.New("clickhouse down")}
	healthy := &recordingSink{}

	err := Multi{failing, healthy}.Record(context.Background(), NewEntry(EventOrderPlaced))
	require.ErrorContains(t, err, "clickhouse down")
	require.Len(t, failing.entries, 1)
	require.Len(t, healthy.entries, 1)

	require.NoError(t, Multi{healthy}.Record(context.Background(), NewEntry(EventOrderPlaced)))
	require.NoError(t, Discard{}.Record(context.Background(), NewEntry(EventOrderPlaced)))
}

func TestClickHouseOptions_AsyncInsert(t *testing.T) {
	opts := clickHouseOptions(config.ClickHouseConfig{
		Host:     "clickhouse:9000",
		Database: "dhru",
		User:     "default",
		Password: "secret",
	})

	require.Equal(t, []string{"clickhouse:9000"}, opts.Addr)
	require.Equal(t, "dhru", opts.Auth.Database)
	require.Equal(t, 1, opts.Settings["async_insert"])
	require.Equal(t, 0, opts.Settings["wait_for_async_insert"])
}
