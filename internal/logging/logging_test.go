package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Format: "json", Output: &buf})

	Component(logger, ComponentBroker).Debug("published")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "published", entry["msg"])
	assert.Equal(t, ComponentBroker, entry[FieldComponent])
	assert.Equal(t, "debug", entry["level"])
}

func TestNewBadLevelFallsBackToInfo(t *testing.T) {
	logger := New(Options{Level: "loud"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestComponentNilLogger(t *testing.T) {
	entry := Component(nil, ComponentHTTP)
	assert.NotPanics(t, func() { entry.Info("dropped") })
}
