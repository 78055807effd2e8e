package termagent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/lens/internal/ai"
	"github.com/neboloop/lens/internal/logging"
)

func init() {
	logging.Disable()
}

// recordingReporter captures every report.
type recordingReporter struct {
	mu        sync.Mutex
	statuses  []string
	logs      []string
	completes []struct{ result, err string }
	done      chan struct{}
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{done: make(chan struct{}, 4)}
}

func (r *recordingReporter) ReportStatus(agentID, status, observation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status+":"+observation)
}

func (r *recordingReporter) ReportComplete(agentID, result, errMsg string) {
	r.mu.Lock()
	r.completes = append(r.completes, struct{ result, err string }{result, errMsg})
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recordingReporter) ReportLog(agentID, line, stream string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, line)
}

func (r *recordingReporter) completeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completes)
}

func (r *recordingReporter) firstComplete() (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completes[0].result, r.completes[0].err
}

// keywordObserver classifies by substring: terminal when the window has the
// marker, otherwise working with a fixed summary.
type keywordObserver struct {
	marker  string
	summary string
}

func (o *keywordObserver) Classify(ctx context.Context, window string) (*ai.Observation, error) {
	if strings.Contains(window, o.marker) {
		return &ai.Observation{State: ai.ObserverSuccess, Summary: "finished: " + o.marker}, nil
	}
	return &ai.Observation{State: ai.ObserverWorking, Summary: o.summary}, nil
}

func TestAgentSuccess(t *testing.T) {
	reporter := newRecordingReporter()
	agent, err := Start(context.Background(), Config{
		AgentID:  "agent-1",
		Goal:     "echo all-done",
		Command:  "sh",
		Args:     []string{"-c"},
		Observer: &keywordObserver{marker: "all-done"},
		Reporter: reporter,
	})
	require.NoError(t, err)

	select {
	case <-agent.Done():
	case <-time.After(20 * time.Second):
		t.Fatal("agent never finished")
	}

	require.Equal(t, 1, reporter.completeCount(), "terminal event fires exactly once")
	result, errMsg := reporter.firstComplete()
	assert.Empty(t, errMsg)
	assert.Contains(t, result, "all-done")
}

func TestAgentSpawnFailedMissingWorkdir(t *testing.T) {
	reporter := newRecordingReporter()
	_, err := Start(context.Background(), Config{
		AgentID:          "agent-1",
		Goal:             "echo hi",
		Command:          "sh",
		Args:             []string{"-c"},
		WorkingDirectory: "/definitely/not/a/directory",
		Observer:         &keywordObserver{marker: "never"},
		Reporter:         reporter,
	})
	require.Error(t, err)

	require.Equal(t, 1, reporter.completeCount())
	_, errMsg := reporter.firstComplete()
	assert.Equal(t, "spawn_failed", errMsg)
}

func TestAgentSpawnFailedBadCommand(t *testing.T) {
	reporter := newRecordingReporter()
	_, err := Start(context.Background(), Config{
		AgentID:  "agent-1",
		Goal:     "whatever",
		Command:  "/no/such/binary",
		Observer: &keywordObserver{marker: "never"},
		Reporter: reporter,
	})
	require.Error(t, err)
	require.Equal(t, 1, reporter.completeCount())
	_, errMsg := reporter.firstComplete()
	assert.Equal(t, "spawn_failed", errMsg)
}

func TestAgentKill(t *testing.T) {
	reporter := newRecordingReporter()
	agent, err := Start(context.Background(), Config{
		AgentID:  "agent-1",
		Goal:     "sleep 60",
		Command:  "sh",
		Args:     []string{"-c"},
		Observer: &keywordObserver{marker: "never-appears", summary: "sleeping"},
		Reporter: reporter,
	})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	agent.Kill()

	select {
	case <-agent.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("killed agent never tore down")
	}

	require.Equal(t, 1, reporter.completeCount())
	_, errMsg := reporter.firstComplete()
	assert.Equal(t, "killed", errMsg)
}

func TestAgentKillIdempotent(t *testing.T) {
	reporter := newRecordingReporter()
	agent, err := Start(context.Background(), Config{
		AgentID:  "agent-1",
		Goal:     "sleep 60",
		Command:  "sh",
		Args:     []string{"-c"},
		Observer: &keywordObserver{marker: "never", summary: "sleeping"},
		Reporter: reporter,
	})
	require.NoError(t, err)

	agent.Kill()
	agent.Kill()

	select {
	case <-agent.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("agent never tore down")
	}
	assert.Equal(t, 1, reporter.completeCount())
}

func TestAgentCoalescesWorkingObservations(t *testing.T) {
	reporter := newRecordingReporter()
	agent, err := Start(context.Background(), Config{
		AgentID:  "agent-1",
		Goal:     "echo step; sleep 3; echo terminal-marker",
		Command:  "sh",
		Args:     []string{"-c"},
		Observer: &keywordObserver{marker: "terminal-marker", summary: "working on it"},
		Reporter: reporter,
	})
	require.NoError(t, err)

	select {
	case <-agent.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("agent never finished")
	}

	reporter.mu.Lock()
	statuses := append([]string{}, reporter.statuses...)
	reporter.mu.Unlock()

	// The idle tick classifies repeatedly during the sleep; identical
	// working observations must collapse to one status update.
	working := 0
	for _, s := range statuses {
		if strings.HasPrefix(s, "running:") {
			working++
		}
	}
	assert.LessOrEqual(t, working, 1, "identical working observations must coalesce: %v", statuses)
	assert.Equal(t, 1, reporter.completeCount())
}

func TestAgentStreamsLogs(t *testing.T) {
	reporter := newRecordingReporter()
	agent, err := Start(context.Background(), Config{
		AgentID:    "agent-1",
		Goal:       "echo line-one; echo final-marker",
		Command:    "sh",
		Args:       []string{"-c"},
		StreamLogs: true,
		Observer:   &keywordObserver{marker: "final-marker"},
		Reporter:   reporter,
	})
	require.NoError(t, err)
	<-agent.Done()

	reporter.mu.Lock()
	logs := strings.Join(reporter.logs, "\n")
	reporter.mu.Unlock()
	assert.Contains(t, logs, "line-one")
}
