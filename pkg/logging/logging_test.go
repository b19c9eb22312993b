package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogger(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		Flush()
		require.NoError(t, Init(Options{}))
	})
}

func TestInitRejectsBadOptions(t *testing.T) {
	resetLogger(t)
	assert.Error(t, Init(Options{Level: "loud"}))
	assert.Error(t, Init(Options{Format: "xml"}))
}

func TestJSONOutputCarriesNode(t *testing.T) {
	resetLogger(t)
	require.NoError(t, Init(Options{Level: "debug", Format: "json"}))

	var buf bytes.Buffer
	SetOutput(&buf)
	Debugf("[parser] peer parsed (peer=%s)", "abc")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "[parser] peer parsed (peer=abc)", line["msg"])
	assert.Equal(t, GetNodeID(), line["node"])
	assert.NotEmpty(t, line["node"])
	assert.True(t, IsDebug())
}

func TestLevelFiltersMessages(t *testing.T) {
	resetLogger(t)
	require.NoError(t, Init(Options{Level: "warn"}))

	var buf bytes.Buffer
	SetOutput(&buf)
	Logf("hidden")
	Debugf("hidden")
	assert.Empty(t, buf.String())

	Warnf("visible %d", 1)
	assert.Contains(t, buf.String(), "visible 1")
	assert.False(t, IsDebug())
}

func TestWithFields(t *testing.T) {
	resetLogger(t)
	require.NoError(t, Init(Options{Format: "json"}))

	var buf bytes.Buffer
	SetOutput(&buf)
	WithFields(map[string]interface{}{"subscription": "s1"}).Info("opened")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "s1", line["subscription"])
	assert.Contains(t, line, "node")
}

func TestFileOutput(t *testing.T) {
	resetLogger(t)
	path := filepath.Join(t.TempDir(), "wg.log")
	require.NoError(t, Init(Options{File: path, MaxSizeMB: 1}))

	Logf("written to file")
	Flush()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "written to file")
}
