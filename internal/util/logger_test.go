package util

import (
	"bytes"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)
	defer InitLoggerTo(os.Stdout, false)

	GetLogger().Debug("hidden")
	GetLogger().Info("shown", "peer", "dev-a")
	Tracef("trace %d", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.NotContains(t, buf.String(), "trace 1")
	assert.Contains(t, buf.String(), "msg=shown peer=dev-a")

	buf.Reset()
	InitLoggerTo(&buf, true)
	assert.True(t, IsVerbose())
	Tracef("trace %d", 2)
	assert.Contains(t, buf.String(), `msg="trace 2"`)
}

func TestSetupGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)
	defer InitLoggerTo(os.Stdout, false)
	defer log.SetOutput(os.Stderr)

	SetupGlobalLogger()
	log.Printf("from %s", "library")
	assert.Contains(t, buf.String(), `msg="from library"`)
	assert.NotContains(t, buf.String(), `library\n`)
}
