//go:build !integration

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/live"
	"github.com/sells-group/geoattend/internal/model"
)

func TestWatchCallbacks_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	cb := watchCallbacks(&buf)

	cb.OnStatus(live.Status{State: live.StateConnected})
	cb.OnSnapshot(model.Snapshot{TenantID: "school-a"})
	cb.OnEvent(model.ZoneEvent{ID: "e1", EventType: model.EventEnter})

	var lines []watchLine
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var l watchLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.Len(t, lines, 3)

	assert.Equal(t, "status", lines[0].Type)
	assert.Equal(t, live.Status{State: live.StateConnected}.String(), lines[0].Status)
	assert.Equal(t, "snapshot", lines[1].Type)
	require.NotNil(t, lines[1].Snapshot)
	assert.Equal(t, "school-a", lines[1].Snapshot.TenantID)
	assert.Equal(t, "event", lines[2].Type)
	require.NotNil(t, lines[2].Event)
	assert.Equal(t, "e1", lines[2].Event.ID)
}
