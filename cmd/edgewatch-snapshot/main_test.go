package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"edgewatch/internal/database"
	"edgewatch/internal/explorer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func observation(id, stargate, status string) explorer.Observation {
	return explorer.Observation{DeviceID: id, HostName: "h-" + id, Stargate: stargate, Location: "-", Arch: "x86", Status: status}
}

func TestBuildReport(t *testing.T) {
	snapshot := []explorer.Observation{
		observation("b", "ams", "Offline"),
		observation("a", "ams", "Just now"),
		observation("c", "fra", "2 days ago"),
	}

	report := buildReport("page.html", time.Unix(0, 0), snapshot, true)
	assert.Equal(t, 3, report.Observed)
	assert.Equal(t, 2, report.Online)
	assert.Equal(t, map[string]int{"ams": 2, "fra": 1}, report.Stargates)
	require.Len(t, report.Hosts, 3)
	assert.Equal(t, "a", report.Hosts[0].DeviceID)

	assert.Empty(t, buildReport("x", time.Unix(0, 0), snapshot, false).Hosts)
}

func TestDryRun(t *testing.T) {
	ts := int64(100)
	current := []database.Host{
		{DeviceID: "a", Stargate: "ams", Status: "Offline", OnlineNotification: database.NotificationPending},
		{DeviceID: "b", Stargate: "ams", Status: "Offline", OnlineNotification: database.NotificationDone, FirstOnlineTimestamp: &ts},
	}
	snapshot := []explorer.Observation{
		observation("a", "ams", "Just now"),
		observation("b", "ams", "Offline"),
		observation("n", "fra", "Offline"),
		observation("m", "fra", "Online"),
	}

	summary := dryRun(snapshot, current, time.Unix(1700000000, 0), 5)
	assert.False(t, summary.Bootstrap)
	assert.Empty(t, summary.Anomaly)
	assert.Equal(t, []string{"a"}, summary.ConfirmOnline)
	assert.Equal(t, []string{"n"}, summary.InsertPending)
	assert.Equal(t, []string{"m"}, summary.InsertOnline)
	assert.ElementsMatch(t, []string{"came_online a", "new_host m"}, summary.Events)

	boot := dryRun(snapshot, nil, time.Unix(1700000000, 0), 5)
	assert.True(t, boot.Bootstrap)
	assert.Empty(t, boot.Events)
}

func TestWriteReport(t *testing.T) {
	report := buildReport("page.html", time.Unix(0, 0), []explorer.Observation{observation("a", "ams", "Online")}, false)
	path := filepath.Join(t.TempDir(), "report.yaml")
	require.NoError(t, writeReport(report, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, yaml.NewDecoder(bytes.NewReader(data)).Decode(&decoded))
	assert.Equal(t, 1, decoded.Observed)
	assert.Equal(t, 1, decoded.Stargates["ams"])
}
