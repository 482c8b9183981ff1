//go:build !integration

package main

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/offline"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	seen []model.LocationSample
}

func (r *recordingSubmitter) Submit(_ context.Context, s model.LocationSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s)
	return nil
}

func (r *recordingSubmitter) subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.seen))
	for _, s := range r.seen {
		out = append(out, s.SubjectID)
	}
	return out
}

func openQueue(t *testing.T) *offline.SQLiteQueue {
	t.Helper()
	q, err := offline.OpenSQLite(filepath.Join(t.TempDir(), "agent.db"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

const agentInputLines = `{"tenant_id":"school-a","subject_id":"s1","latitude":1,"longitude":1,"captured_at":"2025-09-01T04:55:00Z"}

not json
{"tenant_id":"school-a","subject_id":"s2","latitude":1,"longitude":1,"captured_at":"2025-09-01T04:55:05Z"}
`

func TestRunAgent_DrainsThenExits(t *testing.T) {
	q := openQueue(t)
	sub := &recordingSubmitter{}
	rep := offline.NewReplayer(q, sub, offline.ReplayerConfig{RPS: 1000, IdlePoll: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runAgent(ctx, q, rep, strings.NewReader(agentInputLines), false, 10*time.Millisecond))

	assert.Equal(t, []string{"s1", "s2"}, sub.subjects())
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunAgent_FollowRunsUntilCancelled(t *testing.T) {
	q := openQueue(t)
	sub := &recordingSubmitter{}
	rep := offline.NewReplayer(q, sub, offline.ReplayerConfig{RPS: 1000, IdlePoll: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runAgent(ctx, q, rep, strings.NewReader(agentInputLines), true, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(sub.subjects()) == 2 }, 5*time.Second, 10*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("agent exited early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestEnqueueSamples_SkipsUndecodableLines(t *testing.T) {
	q := openQueue(t)
	notified := 0
	n, err := enqueueSamples(context.Background(), q, strings.NewReader(agentInputLines), func() { notified++ })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, notified)

	entries, err := q.Drain(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "s1", entries[0].Sample.SubjectID)
}
