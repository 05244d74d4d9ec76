package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileSink(t *testing.T) (*FileSink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export", "audit.jsonl")
	sink, err := NewSink(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)
	fs, ok := sink.(*FileSink)
	require.True(t, ok)
	t.Cleanup(func() { _ = fs.Close() })
	return fs, path
}

func entryAt(id string, ts time.Time, action Action, itemID, result string) Entry {
	e := Entry{ID: id, Timestamp: ts.UnixMilli(), Action: action, ItemID: itemID, Actor: ActorUser, Result: result, PreviousHash: Genesis}
	e.CurrentHash = ComputeHash(e)
	return e
}

func TestNewSink(t *testing.T) {
	sink, err := NewSink(nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOpSink{}, sink)

	sink, err = NewSink(&Config{Enabled: false, Type: FileAuditType})
	require.NoError(t, err)
	assert.IsType(t, &NoOpSink{}, sink)

	_, err = NewSink(&Config{Enabled: true, Type: "database"})
	assert.Error(t, err)

	_, err = NewSink(&Config{Enabled: true, Type: FileAuditType})
	assert.Error(t, err, "file_path is required")
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	ctx := context.Background()
	sink, path := newFileSink(t)
	now := time.Now()

	require.NoError(t, sink.Write(ctx, entryAt("a", now, ItemAdded, "x", ResultSuccess)))
	require.NoError(t, sink.Write(ctx, entryAt("b", now.Add(time.Second), ItemDeleted, "x", ResultSuccess)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":"a"`)
	assert.Contains(t, lines[1], `"action":"ITEM_DELETED"`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileSinkQuery(t *testing.T) {
	ctx := context.Background()
	sink, _ := newFileSink(t)
	base := time.Now().Add(-time.Hour)

	entries := []Entry{
		entryAt("1", base, VaultOpened, "", ResultSuccess),
		entryAt("2", base.Add(1*time.Minute), ItemAdded, "x", ResultSuccess),
		entryAt("3", base.Add(2*time.Minute), ItemAccessed, "x", Failure("integrity")),
		entryAt("4", base.Add(3*time.Minute), KeyRotated, "", ResultSuccess),
		entryAt("5", base.Add(4*time.Minute), ItemDeleted, "x", ResultSuccess),
	}
	for _, e := range entries {
		require.NoError(t, sink.Write(ctx, e))
	}

	ids := func(r QueryResult) []string {
		var out []string
		for _, e := range r.Entries {
			out = append(out, e.ID)
		}
		return out
	}

	t.Run("AllNewestFirst", func(t *testing.T) {
		res, err := sink.Query(QueryOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"5", "4", "3", "2", "1"}, ids(res))
		assert.Equal(t, 5, res.TotalCount)
	})

	t.Run("ByItem", func(t *testing.T) {
		res, err := sink.Query(QueryOptions{ItemID: "x"})
		require.NoError(t, err)
		assert.Equal(t, []string{"5", "3", "2"}, ids(res))
	})

	t.Run("FailuresOnly", func(t *testing.T) {
		failed := false
		res, err := sink.Query(QueryOptions{Success: &failed})
		require.NoError(t, err)
		assert.Equal(t, []string{"3"}, ids(res))
	})

	t.Run("SecurityCritical", func(t *testing.T) {
		res, err := sink.Query(QueryOptions{Security: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"4"}, ids(res))
	})

	t.Run("LimitAndOffset", func(t *testing.T) {
		res, err := sink.Query(QueryOptions{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"4", "3"}, ids(res))
		assert.True(t, res.HasMore)
	})

	t.Run("SinceFromCache", func(t *testing.T) {
		since := base.Add(90 * time.Second)
		res, err := sink.Query(QueryOptions{Since: &since})
		require.NoError(t, err)
		assert.Equal(t, []string{"5", "4", "3"}, ids(res))
	})
}

func TestFileSinkReopensAfterClose(t *testing.T) {
	ctx := context.Background()
	sink, _ := newFileSink(t)

	require.NoError(t, sink.Write(ctx, entryAt("a", time.Now(), ItemAdded, "", ResultSuccess)))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Write(ctx, entryAt("b", time.Now(), ItemAdded, "", ResultSuccess)))

	res, err := sink.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 2)
}

type fakeSyslog struct {
	levels []string
	closed bool
}

func (f *fakeSyslog) Err(string) error    { f.levels = append(f.levels, "err"); return nil }
func (f *fakeSyslog) Notice(string) error { f.levels = append(f.levels, "notice"); return nil }
func (f *fakeSyslog) Info(string) error   { f.levels = append(f.levels, "info"); return nil }
func (f *fakeSyslog) Close() error        { f.closed = true; return nil }

func TestSyslogSinkSeverity(t *testing.T) {
	ctx := context.Background()
	w := &fakeSyslog{}
	sink := &SyslogSink{writer: w}
	now := time.Now()

	require.NoError(t, sink.Write(ctx, entryAt("1", now, ItemAdded, "x", ResultSuccess)))
	require.NoError(t, sink.Write(ctx, entryAt("2", now, KeyRotated, "", ResultSuccess)))
	require.NoError(t, sink.Write(ctx, entryAt("3", now, ItemAccessed, "x", Failure("bad signature"))))
	require.NoError(t, sink.Write(ctx, entryAt("4", now, IntegrityFailure, "", ResultSuccess)))
	assert.Equal(t, []string{"info", "notice", "err", "err"}, w.levels)

	sink.logLevel = "error"
	require.NoError(t, sink.Write(ctx, entryAt("5", now, ItemAdded, "x", ResultSuccess)))
	assert.Len(t, w.levels, 4, "routine entries are dropped at error level")

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
	assert.Error(t, sink.Write(ctx, entryAt("6", now, ItemAdded, "", ResultSuccess)))
}

type failingAppender struct {
	err error
}

func (f *failingAppender) LogAction(context.Context, Record) (Entry, error) {
	if f.err != nil {
		return Entry{}, f.err
	}
	return Entry{}, nil
}

func TestRecorderDegradedCondition(t *testing.T) {
	ctx := context.Background()
	appender := &failingAppender{}
	rec := NewRecorder(appender, nil)

	assert.True(t, rec.Record(ctx, Record{Action: ItemAdded}))
	assert.False(t, rec.Status().Degraded)

	appender.err = errors.New("disk full")
	assert.False(t, rec.Record(ctx, Record{Action: ItemAdded}))
	assert.False(t, rec.Record(ctx, Record{Action: ItemDeleted}))

	status := rec.Status()
	assert.True(t, status.Degraded)
	assert.Equal(t, 2, status.Missed)
	assert.Equal(t, "disk full", status.LastError)
	assert.False(t, status.Since.IsZero())

	// a later success does not hide the gap
	appender.err = nil
	assert.True(t, rec.Record(ctx, Record{Action: ItemAdded}))
	assert.True(t, rec.Status().Degraded)

	rec.Acknowledge()
	assert.False(t, rec.Status().Degraded)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("KEY_ROTATED")
	require.NoError(t, err)
	assert.Equal(t, KeyRotated, a)

	_, err = ParseAction("key_rotated")
	assert.Error(t, err)
}
