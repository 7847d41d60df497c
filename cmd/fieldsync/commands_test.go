package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/zangezia/fieldsync/pkg/models"
)

func sampleStatus() models.Status {
	return models.Status{
		Sync:    models.SyncState{PendingCount: 3, FailedCount: 1, LastError: "boom", AuthRequired: true},
		Network: models.NetworkState{Online: true, Reason: "backend reachable"},
		Queue:   models.QueueStats{Pending: 3, Failed: 1, Oldest: time.Now().Add(-time.Hour)},
		Metrics: models.DeviceMetrics{FreeDiskBytes: 3 << 30},
	}
}

func TestPrintStatusYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, "yaml", sampleStatus()))

	var doc map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 3, doc["sync"]["pending_count"])
	assert.Equal(t, true, doc["network"]["online"])
}

func TestPrintStatusTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, "", sampleStatus()))

	out := buf.String()
	assert.Contains(t, out, "Pending")
	assert.Contains(t, out, "1 hour ago")
	assert.Contains(t, out, "3.0 GiB")
	assert.Contains(t, out, "auth login")
	assert.Contains(t, out, "never ran")
}

func TestPrintStatusUnknownFormat(t *testing.T) {
	assert.Error(t, printStatus(&bytes.Buffer{}, "toml", sampleStatus()))
}
