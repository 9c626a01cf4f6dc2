package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetLevel("info")
		SetOutput(os.Stdout)
	})

	SetLevel("warn")
	Infof("scheduler: tick users=%d", 3)
	Warnf("scheduler: backoff user=%s", "u1")

	out := buf.String()
	assert.NotContains(t, out, "tick users=3")
	assert.Contains(t, out, "backoff user=u1")
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetJSON(true)
	t.Cleanup(func() {
		SetJSON(false)
		SetOutput(os.Stdout)
	})

	Errorf("recorder: commit failed user=%s", "u2")

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "recorder: commit failed user=u2", entry["msg"])
}

func TestScopedAttributes(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetJSON(true)
	t.Cleanup(func() {
		SetJSON(false)
		SetOutput(os.Stdout)
	})

	log := With("user_id", "u1").With("cycle_id", "c-9")
	log.Warnf("cycle: stale quote symbol=%s", "XAUUSD")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "c-9", entry["cycle_id"])
	assert.Equal(t, "cycle: stale quote symbol=XAUUSD", entry["msg"])
}
