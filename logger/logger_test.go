package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "chatroom", zerolog.InfoLevel)

	l.Debug("hidden")
	l.Info("user joined", Field{Key: "name", Value: "alice"})
	l.With(Field{Key: "conn", Value: 7}).Warn("slow peer")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "user joined", lines[0]["message"])
	assert.Equal(t, "alice", lines[0]["name"])
	assert.Equal(t, "chatroom", lines[0]["service"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, float64(7), lines[1]["conn"])
	assert.Equal(t, "warn", lines[1]["level"])
	assert.NoError(t, l.Close())
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("nothing")
	assert.NoError(t, l.Close())
	assert.NotNil(t, l.With(Field{Key: "k", Value: 1}))
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, level)

	level, err = ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestDailyFileWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDailyFileWriter("chat", dir)
	require.NoError(t, err)

	day := time.Date(2026, 10, 18, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day }
	_, err = w.Write([]byte("one\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "chat_2026-10-18.log"), w.CurrentLogFile())

	day = day.Add(2 * time.Minute)
	_, err = w.Write([]byte("two\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "chat_2026-10-19.log"), w.CurrentLogFile())

	data, err := os.ReadFile(filepath.Join(dir, "chat_2026-10-19.log"))
	require.NoError(t, err)
	assert.Equal(t, "two\n", string(data))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, "", w.CurrentLogFile())
	_, err = w.Write([]byte("late"))
	assert.Error(t, err)
}

func TestNewFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := NewFile("chat", dir, zerolog.InfoLevel)
	require.NoError(t, err)
	l.Info("ready")
	require.NoError(t, l.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "chat_"))
}
