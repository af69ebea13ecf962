package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestMessages(t *testing.T) {
	tests := []struct {
		name   string
		write  func(*bytes.Buffer)
		prefix string
		text   string
	}{
		{name: "success", write: func(b *bytes.Buffer) { Success(b, "created %d rules", 3) }, prefix: "✓", text: "created 3 rules"},
		{name: "error", write: func(b *bytes.Buffer) { Error(b, "failed: %s", "boom") }, prefix: "✗", text: "failed: boom"},
		{name: "warn", write: func(b *bytes.Buffer) { Warn(b, "careful") }, prefix: "⚠", text: "careful"},
		{name: "info", write: func(b *bytes.Buffer) { Info(b, "no envelopes") }, text: "no envelopes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.write(&buf)
			assert.True(t, strings.HasPrefix(buf.String(), tt.prefix))
			assert.Contains(t, buf.String(), tt.text)
			assert.True(t, strings.HasSuffix(buf.String(), "\n"))
		})
	}
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, map[string]int{"count": 2}))
	assert.Equal(t, "{\n  \"count\": 2\n}\n", buf.String())
}

func TestTable_Render(t *testing.T) {
	table := NewTable("ID", "STATUS")
	table.AddRow("env-1", "queued")
	table.AddRow("envelope-22", "sent")

	var buf bytes.Buffer
	table.Render(&buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "ID           STATUS  ", lines[0])
	assert.Equal(t, "-----------  ------  ", lines[1])
	assert.Equal(t, "env-1        queued  ", lines[2])
	assert.Equal(t, "envelope-22  sent    ", lines[3])
}
