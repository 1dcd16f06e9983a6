package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"":       FormatTable,
		"table":  FormatTable,
		" JSON ": FormatJSON,
		"yml":    FormatYAML,
		"yaml":   FormatYAML,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFormat("xml")
	assert.ErrorContains(t, err, "invalid output format")
}

func TestPrintTable(t *testing.T) {
	tbl := NewTable("database", "busy", "idle")
	tbl.AddRow("tenant_a", "2", "1")
	tbl.AddRow("tenant_b", "0", "4")

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatTable, tbl))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "DATABASE")
	assert.Contains(t, lines[1], "tenant_a")
	assert.Equal(t, 2, tbl.Len())
}

func TestPrintPairs(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintPairs(&buf, [][2]string{{"Phase", "RUNNING"}, {"PID", "42"}}))

	out := buf.String()
	assert.Contains(t, out, "Phase")
	assert.Contains(t, out, "RUNNING")
	assert.Contains(t, out, "42")
}

func TestPrintFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatTable, map[string]int{"in_flight": 3}))
	assert.JSONEq(t, `{"in_flight": 3}`, buf.String())
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	data := struct {
		Phase string `yaml:"phase"`
		PIDs  []int  `yaml:"pids"`
	}{"DRAINING", []int{1, 2}}

	require.NoError(t, Print(&buf, FormatYAML, data))
	assert.Equal(t, "phase: DRAINING\npids:\n  - 1\n  - 2\n", buf.String())
}
