package logger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSettlement_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()
	ts := time.Date(2025, 3, 4, 5, 6, 7, 891_000_000, time.FixedZone("x", 3600))
	require.Equal(t, "2025-03-04T04:06:07.891Z", formatRFC3339Millis(ts))
}

func TestSettlement_Logger_JSONDropsEmptyStrings(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWithOptions(Options{JSON: true, Writer: &buf})
	log.Info("draw: completed", "round_id", 7, "note", "")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "draw: completed", rec["msg"])
	require.EqualValues(t, 7, rec["round_id"])
	_, hasNote := rec["note"]
	require.False(t, hasNote)
}

func TestSettlement_Logger_VerboseEnablesDebug(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWithOptions(Options{Verbose: true, JSON: true, Writer: &buf})
	log.Debug("claim: debug line")
	require.Contains(t, buf.String(), "claim: debug line")

	buf.Reset()
	quiet := NewWithOptions(Options{JSON: true, Writer: &buf})
	quiet.Debug("claim: debug line")
	require.Empty(t, buf.String())
}
