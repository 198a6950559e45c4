package hooks

import (
	"bytes"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestContextHook_AddsCallSite(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New()
	logger.Out = &buf
	logger.Formatter = &log.JSONFormatter{}
	logger.AddHook(NewContextHook())

	logger.WithField("node", "n1").Info("hello")
	assert.Contains(t, buf.String(), `"file:line":`)
	assert.Contains(t, buf.String(), "context_hook_test.go")
}

func TestTrimFile(t *testing.T) {
	assert.Equal(t, "rm/registry/registry.go", trimFile("/src/github.com/twitter/gridsched/rm/registry/registry.go"))
	assert.Equal(t, "/tmp/x.go", trimFile("/tmp/x.go"))
}
