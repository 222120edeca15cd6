package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestZerologLogger(t *testing.T) {
	t.Run("adds service and fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewZerologLogger(zerolog.New(&buf), "motorlink", zerolog.DebugLevel)

		l.Info("connected", F("conn_id", 3))

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "motorlink", lines[0]["service"])
		assert.Equal(t, "connected", lines[0]["message"])
		assert.Equal(t, float64(3), lines[0]["conn_id"])
		assert.Contains(t, lines[0], "time")
	})

	t.Run("filters below level", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewZerologLogger(zerolog.New(&buf), "motorlink", zerolog.WarnLevel)

		l.Debug("d")
		l.Info("i")
		l.Warn("w")
		l.Error("e", Err(assert.AnError))

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 2)
		assert.Equal(t, "w", lines[0]["message"])
		assert.Equal(t, assert.AnError.Error(), lines[1]["error"])
	})

	t.Run("with derives fields without touching parent", func(t *testing.T) {
		var buf bytes.Buffer
		parent := NewZerologLogger(zerolog.New(&buf), "motorlink", zerolog.InfoLevel)
		child := parent.With(F("component", "session"))

		child.Info("child")
		parent.Info("parent")

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 2)
		assert.Equal(t, "session", lines[0]["component"])
		assert.NotContains(t, lines[1], "component")
		assert.NoError(t, child.Close())
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Info("ignored", F("k", "v"))
	assert.NoError(t, l.With(F("a", 1)).Close())
	assert.NoError(t, l.Close())
}

func TestDailyFileWriter(t *testing.T) {
	t.Run("writes to dated file", func(t *testing.T) {
		dir := t.TempDir()
		w, err := NewDailyFileWriter("motorlink", dir)
		require.NoError(t, err)
		defer w.Close()

		_, err = w.Write([]byte("hello\n"))
		require.NoError(t, err)

		want := filepath.Join(dir, "motorlink_"+time.Now().Format(dateLayout)+".log")
		assert.Equal(t, want, w.CurrentLogFile())
		data, err := os.ReadFile(want)
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(data))
	})

	t.Run("rotates when date changes", func(t *testing.T) {
		dir := t.TempDir()
		w, err := NewDailyFileWriter("motorlink", dir)
		require.NoError(t, err)
		defer w.Close()

		w.mu.Lock()
		w.now = func() time.Time { return time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC) }
		w.mu.Unlock()

		_, err = w.Write([]byte("next day\n"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "motorlink_2030-01-02.log"), w.CurrentLogFile())
	})

	t.Run("close is idempotent and blocks writes", func(t *testing.T) {
		w, err := NewDailyFileWriter("motorlink", t.TempDir())
		require.NoError(t, err)

		require.NoError(t, w.Close())
		require.NoError(t, w.Close())
		_, err = w.Write([]byte("x"))
		assert.Error(t, err)
		assert.Empty(t, w.CurrentLogFile())
	})

	t.Run("missing directory fails", func(t *testing.T) {
		_, err := NewDailyFileWriter("motorlink", filepath.Join(t.TempDir(), "nope"))
		assert.Error(t, err)
	})
}

func TestNewZerologFileLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := NewZerologFileLogger("motorlink", dir, zerolog.InfoLevel)
	require.NoError(t, err)

	l.Info("to file")
	require.NoError(t, l.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"to file"`)
}
