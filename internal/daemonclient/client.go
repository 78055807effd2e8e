// Package daemonclient is the desktop side of the control plane: one
// long-lived WebSocket to the server with reconnection and heartbeating,
// dispatching spawn/kill commands to local terminal agents.
package daemonclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/neboloop/lens/internal/ai"
	"github.com/neboloop/lens/internal/config"
	"github.com/neboloop/lens/internal/logging"
	"github.com/neboloop/lens/internal/protocol"
	"github.com/neboloop/lens/internal/termagent"
)

const (
	// Reconnect policy: base 1s, x1.5, cap 30s, give up after 10
	// consecutive failures.
	backoffBase     = 1 * time.Second
	backoffFactor   = 1.5
	backoffCap      = 30 * time.Second
	maxReconnects   = 10
	writeWait       = 10 * time.Second
	restCallTimeout = 10 * time.Second
)

// Client runs the daemon's server link and the local agent pool.
type Client struct {
	cfg      config.Daemon
	observer ai.ObserverClient

	connMu sync.Mutex
	conn   *websocket.Conn
	sendMu sync.Mutex

	agentsMu sync.Mutex
	agents   map[string]*termagent.Agent

	buffer *offlineBuffer
	http   *http.Client
}

// New creates the client.
func New(cfg config.Daemon, observer ai.ObserverClient) *Client {
	return &Client{
		cfg:      cfg,
		observer: observer,
		agents:   make(map[string]*termagent.Agent),
		buffer:   newOfflineBuffer(),
		http:     &http.Client{Timeout: restCallTimeout},
	}
}

// Run maintains the connection until ctx is cancelled. It returns an error
// only when the reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	bo := newBackoff()
	failures := 0

	for {
		if ctx.Err() != nil {
			c.shutdownAgents()
			return nil
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.shutdownAgents()
			return nil
		}
		if err == nil {
			// Served a session; start the policy fresh.
			bo.Reset()
			failures = 0
			continue
		}

		failures++
		if failures >= maxReconnects {
			c.shutdownAgents()
			return fmt.Errorf("giving up after %d reconnect attempts: %w", failures, err)
		}
		wait := bo.NextBackOff()
		logging.Warnf("[Daemon] Connection failed (%d/%d), retrying in %s: %v", failures, maxReconnects, wait, err)
		select {
		case <-ctx.Done():
			c.shutdownAgents()
			return nil
		case <-time.After(wait):
		}
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.Multiplier = backoffFactor
	bo.MaxInterval = backoffCap
	bo.RandomizationFactor = 0
	return bo
}

// connectAndServe dials, flushes buffered events, and pumps frames until
// the connection dies. A nil return means the session was established and
// later dropped; an error means the dial itself failed.
func (c *Client) connectAndServe(ctx context.Context) error {
	wsURL, err := controlPlaneURL(c.cfg.ServerURL, c.cfg.Token)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}
	logging.Infof("[Daemon] Connected to %s", c.cfg.ServerURL)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	// Hello heartbeat so the server learns capacity immediately, then the
	// offline backlog in order: completes first, then latest statuses.
	c.sendHeartbeat()
	completes, statuses := c.buffer.drain()
	for _, cp := range completes {
		c.send(protocol.TypeComplete, cp)
	}
	for _, su := range statuses {
		c.send(protocol.TypeStatusUpdate, su)
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go c.heartbeatLoop(hbCtx)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			logging.Warnf("[Daemon] Connection lost: %v", err)
			return nil
		}
		env, err := protocol.Decode(message)
		if err != nil {
			logging.Warnf("[Daemon] Dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(ctx, env)
	}
}

// controlPlaneURL converts the http(s) server URL to the ws(s) endpoint.
func controlPlaneURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/daemon"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dispatch handles one server command. Unknown types are logged and
// dropped.
func (c *Client) dispatch(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		c.send(protocol.TypePong, nil)

	case protocol.TypeSpawnAgent:
		var cmd protocol.SpawnAgent
		if err := protocol.DecodePayload(env, &cmd); err != nil {
			logging.Warnf("[Daemon] Bad spawn_agent: %v", err)
			return
		}
		c.handleSpawn(ctx, cmd)

	case protocol.TypeKillAgent:
		var cmd protocol.KillAgent
		if err := protocol.DecodePayload(env, &cmd); err != nil {
			logging.Warnf("[Daemon] Bad kill_agent: %v", err)
			return
		}
		c.handleKill(cmd.AgentID)

	default:
		logging.Warnf("[Daemon] Dropping unknown frame type %q", env.Type)
	}
}

// handleSpawn starts one terminal agent, enforcing local capacity.
func (c *Client) handleSpawn(ctx context.Context, cmd protocol.SpawnAgent) {
	c.agentsMu.Lock()
	if len(c.agents) >= c.cfg.Capacity {
		c.agentsMu.Unlock()
		logging.Warnf("[Daemon] Rejecting spawn %s: at capacity (%d)", cmd.AgentID, c.cfg.Capacity)
		c.ReportComplete(cmd.AgentID, "", "capacity")
		return
	}
	c.agentsMu.Unlock()

	workDir := cmd.WorkingDirectory
	if workDir == "" {
		workDir = c.cfg.WorkDir
	}

	agent, err := termagent.Start(ctx, termagent.Config{
		AgentID:          cmd.AgentID,
		Goal:             cmd.Goal,
		WorkingDirectory: workDir,
		Command:          c.cfg.CLICommand,
		Args:             c.cfg.CLIArgs,
		StreamLogs:       cmd.Options.StreamLogs,
		Observer:         c.observer,
		Reporter:         c,
	})
	if err != nil {
		// Start already reported spawn_failed.
		logging.Errorf("[Daemon] Spawn %s failed: %v", cmd.AgentID, err)
		return
	}

	c.agentsMu.Lock()
	c.agents[cmd.AgentID] = agent
	c.agentsMu.Unlock()

	go func() {
		<-agent.Done()
		c.agentsMu.Lock()
		delete(c.agents, cmd.AgentID)
		c.agentsMu.Unlock()
	}()
}

func (c *Client) handleKill(agentID string) {
	c.agentsMu.Lock()
	agent := c.agents[agentID]
	c.agentsMu.Unlock()
	if agent == nil {
		logging.Warnf("[Daemon] kill_agent for unknown agent %s", agentID)
		return
	}
	agent.Kill()
}

func (c *Client) shutdownAgents() {
	c.agentsMu.Lock()
	agents := make([]*termagent.Agent, 0, len(c.agents))
	for _, agent := range c.agents {
		agents = append(agents, agent)
	}
	c.agentsMu.Unlock()
	for _, agent := range agents {
		agent.Kill()
	}
	for _, agent := range agents {
		<-agent.Done()
	}
}

// heartbeatLoop reports the live view every heartbeat period while this
// connection lasts.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeat()
		}
	}
}

func (c *Client) sendHeartbeat() {
	c.agentsMu.Lock()
	running := make([]string, 0, len(c.agents))
	for id := range c.agents {
		running = append(running, id)
	}
	c.agentsMu.Unlock()

	hb := protocol.Heartbeat{
		RunningAgentIDs: running,
		Capacity:        c.cfg.Capacity - len(running),
		Version:         protocol.Version,
	}
	if !c.send(protocol.TypeHeartbeat, hb) {
		// Socket down: best-effort REST fallback. The server records it only
		// while it still holds a socket connection for this user.
		c.restPost("/api/daemon/heartbeat", hb)
	}
}

// send writes one frame if connected. The write mutex keeps the single
// writer invariant.
func (c *Client) send(frameType string, payload any) bool {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return false
	}
	data, err := protocol.Encode(frameType, payload)
	if err != nil {
		logging.Errorf("[Daemon] Encode %s: %v", frameType, err)
		return false
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.Warnf("[Daemon] Write %s failed: %v", frameType, err)
		return false
	}
	return true
}

// ReportStatus implements termagent.Reporter. Offline updates are buffered
// most-recent-wins.
func (c *Client) ReportStatus(agentID, status, observation string) {
	su := protocol.StatusUpdate{AgentID: agentID, Status: status, Observation: observation}
	if !c.send(protocol.TypeStatusUpdate, su) {
		c.buffer.addStatus(su)
	}
}

// ReportComplete implements termagent.Reporter. Offline terminal events are
// buffered FIFO and replayed on reconnect.
func (c *Client) ReportComplete(agentID, result, errMsg string) {
	cp := protocol.Complete{AgentID: agentID, Result: result, Error: errMsg}
	if !c.send(protocol.TypeComplete, cp) {
		c.buffer.addComplete(cp)
	}
}

// ReportLog implements termagent.Reporter. Log lines are best-effort and
// dropped while offline.
func (c *Client) ReportLog(agentID, line, stream string) {
	c.send(protocol.TypeLog, protocol.Log{AgentID: agentID, Line: line, Stream: stream})
}

// restPost is the REST fallback for non-urgent state.
func (c *Client) restPost(path string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	endpoint := strings.TrimSuffix(c.cfg.ServerURL, "/") + path
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
