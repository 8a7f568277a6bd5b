package util

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{
		{Header: "DEVICE", Key: "id"},
		{Header: "ADDRESS", Key: "addr"},
	}, []map[string]interface{}{
		{"id": "dev-a", "addr": "10.0.0.1:7788"},
		{"id": "dev-long-name", "addr": "h:1"},
	})

	assert.Equal(t, ""+
		"DEVICE        ADDRESS\n"+
		"------------- -------------\n"+
		"dev-a         10.0.0.1:7788\n"+
		"dev-long-name h:1\n", buf.String())
}

func TestRenderTableIgnoresColorCodes(t *testing.T) {
	prev := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{
		{Header: "STATUS", Key: "status"},
		{Header: "ID", Key: "id"},
	}, []map[string]interface{}{
		{"status": color.GreenString("up"), "id": "a"},
	})

	lines := bytes.Split(buf.Bytes(), []byte("\n"))
	assert.Equal(t, "STATUS ID", string(lines[0]))
	assert.Equal(t, color.GreenString("up")+"     a", string(lines[2]))
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{{Header: "X", Key: "x"}}, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}
