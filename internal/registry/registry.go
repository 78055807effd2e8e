// Package registry maintains the server side of the daemon control plane
// and the authoritative projection of SubAgent state into persistence.
package registry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/neboloop/lens/internal/fault"
	"github.com/neboloop/lens/internal/logging"
	"github.com/neboloop/lens/internal/protocol"
	"github.com/neboloop/lens/internal/store"
)

// killedByRequest is the error string daemons report when a kill command
// terminated the agent; the registry maps it to the killed status.
const killedByRequest = "killed"

// Store is the persistence surface the registry writes agent state through.
type Store interface {
	CreateSubAgent(ctx context.Context, agent *store.SubAgent) error
	GetSubAgent(ctx context.Context, agentID string) (*store.SubAgent, error)
	ListSubAgents(ctx context.Context, userID string, limit int) ([]store.SubAgent, error)
	CountActiveSubAgents(ctx context.Context, userID string) (int, error)
	UpdateSubAgentStatus(ctx context.Context, agentID string, status store.SubAgentStatus, observation string) error
	CompleteSubAgent(ctx context.Context, agentID string, status store.SubAgentStatus, result, errMsg string) (*store.SubAgent, error)
}

// TokenVerifier authenticates daemon bearer tokens.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// Options tune the registry.
type Options struct {
	Heartbeat        time.Duration // heartbeat window; absent after two missed
	MaxAgentsPerUser int
	KillGrace        time.Duration
}

// SpawnOptions are caller knobs for one spawn.
type SpawnOptions struct {
	WorkingDirectory string
	StreamLogs       bool
}

// Registry owns live daemon handles, keyed by userId. One connection per
// user; the newest connection wins.
type Registry struct {
	store  Store
	tokens TokenVerifier
	opts   Options

	mu      sync.RWMutex
	daemons map[string]*daemonConn

	waitMu  sync.Mutex
	waiters map[string][]chan *store.SubAgent

	killMu      sync.Mutex
	killPending map[string]bool

	upgrader websocket.Upgrader
}

// New creates a registry.
func New(st Store, tokens TokenVerifier, opts Options) *Registry {
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.MaxAgentsPerUser == 0 {
		opts.MaxAgentsPerUser = 3
	}
	if opts.KillGrace == 0 {
		opts.KillGrace = 15 * time.Second
	}
	return &Registry{
		store:       st,
		tokens:      tokens,
		opts:        opts,
		daemons:     make(map[string]*daemonConn),
		waiters:     make(map[string][]chan *store.SubAgent),
		killPending: make(map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket authenticates and upgrades a daemon connection at
// /ws/daemon?token=… . Bad tokens are rejected with 401 before upgrade.
func (r *Registry) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := r.tokens.Verify(token)
	if err != nil {
		logging.Warnf("[Registry] Rejected daemon connection: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logging.Errorf("[Registry] Upgrade failed for %s: %v", userID, err)
		return
	}

	daemon := newDaemonConn(userID, conn)
	r.register(daemon)

	go daemon.writePump()
	go r.readPump(daemon)
}

// register installs the connection, displacing any previous one.
func (r *Registry) register(daemon *daemonConn) {
	r.mu.Lock()
	if existing, ok := r.daemons[daemon.userID]; ok {
		logging.Infof("[Registry] Replacing daemon connection for %s", daemon.userID)
		existing.shutdown()
	}
	r.daemons[daemon.userID] = daemon
	r.mu.Unlock()
	logging.Infof("[Registry] Daemon connected: %s", daemon.userID)
}

// unregister removes the connection if it is still the registered one.
func (r *Registry) unregister(daemon *daemonConn) {
	r.mu.Lock()
	if existing, ok := r.daemons[daemon.userID]; ok && existing == daemon {
		delete(r.daemons, daemon.userID)
	}
	r.mu.Unlock()
	daemon.shutdown()
	logging.Infof("[Registry] Daemon disconnected: %s", daemon.userID)
}

// readPump consumes frames from one daemon until the connection dies.
func (r *Registry) readPump(daemon *daemonConn) {
	defer r.unregister(daemon)

	daemon.conn.SetReadLimit(readLimitBytes)
	readWindow := 2*r.opts.Heartbeat + pingInterval
	daemon.conn.SetReadDeadline(time.Now().Add(readWindow))
	daemon.conn.SetPongHandler(func(string) error {
		daemon.conn.SetReadDeadline(time.Now().Add(readWindow))
		return nil
	})

	for {
		_, message, err := daemon.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warnf("[Registry] Read error for %s: %v", daemon.userID, err)
			}
			return
		}
		daemon.conn.SetReadDeadline(time.Now().Add(readWindow))

		env, err := protocol.Decode(message)
		if err != nil {
			logging.Warnf("[Registry] Dropping malformed frame from %s: %v", daemon.userID, err)
			continue
		}
		r.dispatch(daemon, env)
	}
}

// dispatch routes one daemon frame. Unknown types are logged and dropped.
func (r *Registry) dispatch(daemon *daemonConn, env *protocol.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case protocol.TypePong:
		daemon.markHeartbeat(nil)

	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := protocol.DecodePayload(env, &hb); err != nil {
			logging.Warnf("[Registry] Bad heartbeat from %s: %v", daemon.userID, err)
			return
		}
		daemon.markHeartbeat(&hb)

	case protocol.TypeStatusUpdate:
		var su protocol.StatusUpdate
		if err := protocol.DecodePayload(env, &su); err != nil {
			logging.Warnf("[Registry] Bad status_update from %s: %v", daemon.userID, err)
			return
		}
		r.ApplyStatusUpdate(ctx, daemon.userID, su.AgentID, su.Status, su.Observation)

	case protocol.TypeComplete:
		var cp protocol.Complete
		if err := protocol.DecodePayload(env, &cp); err != nil {
			logging.Warnf("[Registry] Bad complete from %s: %v", daemon.userID, err)
			return
		}
		r.ApplyComplete(ctx, daemon.userID, cp.AgentID, cp.Result, cp.Error)

	case protocol.TypeLog:
		var lg protocol.Log
		if err := protocol.DecodePayload(env, &lg); err != nil {
			return
		}
		r.ApplyLog(daemon.userID, lg.AgentID, lg.Line, lg.Stream)

	default:
		logging.Warnf("[Registry] Dropping unknown frame type %q from %s", env.Type, daemon.userID)
	}
}

// connected returns the live connection for userID if it is fresh enough.
func (r *Registry) connected(userID string) *daemonConn {
	r.mu.RLock()
	daemon := r.daemons[userID]
	r.mu.RUnlock()
	if daemon == nil {
		return nil
	}
	// Absent after two missed heartbeat windows.
	if daemon.heartbeatAge() > 2*r.opts.Heartbeat {
		return nil
	}
	return daemon
}

// DaemonStatus reports connectivity for the status tool.
func (r *Registry) DaemonStatus(userID string) (connected bool, lastHeartbeatAge time.Duration) {
	r.mu.RLock()
	daemon := r.daemons[userID]
	r.mu.RUnlock()
	if daemon == nil {
		return false, 0
	}
	age := daemon.heartbeatAge()
	return age <= 2*r.opts.Heartbeat, age
}

// SpawnAgent writes a SubAgent record in spawning state, then sends the
// spawn command. The record-first order guarantees a completion can never
// arrive for an unknown agent; the command is sent at most once.
func (r *Registry) SpawnAgent(ctx context.Context, userID, goal string, opts SpawnOptions) (string, error) {
	daemon := r.connected(userID)
	if daemon == nil {
		return "", fault.New(fault.KindCapacity, fault.CodeDaemonUnavailable, "no daemon connected for user")
	}

	active, err := r.store.CountActiveSubAgents(ctx, userID)
	if err != nil {
		return "", fault.Wrap(fault.KindUpstream, fault.CodeServiceUnavailable, "count active agents", err)
	}
	if active >= r.opts.MaxAgentsPerUser {
		return "", fault.Newf(fault.KindCapacity, fault.CodeQuotaExceeded,
			"user has %d running agents (max %d)", active, r.opts.MaxAgentsPerUser)
	}

	agent := &store.SubAgent{
		AgentID:          uuid.NewString(),
		UserID:           userID,
		Goal:             goal,
		WorkingDirectory: opts.WorkingDirectory,
	}
	if err := r.store.CreateSubAgent(ctx, agent); err != nil {
		return "", fault.Wrap(fault.KindUpstream, fault.CodeServiceUnavailable, "persist subagent", err)
	}

	ok := daemon.sendFrame(protocol.TypeSpawnAgent, protocol.SpawnAgent{
		AgentID:          agent.AgentID,
		Goal:             goal,
		WorkingDirectory: opts.WorkingDirectory,
		Options:          protocol.SpawnOptions{StreamLogs: opts.StreamLogs},
	})
	if !ok {
		// The record exists; fail it so the task surface sees a terminal state.
		r.ApplyComplete(ctx, userID, agent.AgentID, "", "spawn command not delivered")
		return "", fault.New(fault.KindCapacity, fault.CodeDaemonUnavailable, "daemon send queue unavailable")
	}

	logging.Infof("[Registry] Spawned agent %s for %s: %s", agent.AgentID, userID, goal)
	return agent.AgentID, nil
}

// WaitForCompletion suspends until the agent reaches a terminal state, the
// timeout expires (TIMEOUT, agent left running), or ctx is cancelled.
func (r *Registry) WaitForCompletion(ctx context.Context, agentID string, timeout time.Duration) (*store.SubAgent, error) {
	agent, err := r.store.GetSubAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status.Terminal() {
		return agent, nil
	}

	ch := make(chan *store.SubAgent, 1)
	r.addWaiter(agentID, ch)
	defer r.removeWaiter(agentID, ch)

	// Re-check after registering so a completion that landed between the
	// read and the registration is not missed.
	agent, err = r.store.GetSubAgent(ctx, agentID)
	if err == nil && agent.Status.Terminal() {
		return agent, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, fault.Wrap(fault.KindTimeout, fault.CodeCancelled, "wait cancelled", ctx.Err())
	case <-timer.C:
		return nil, fault.New(fault.KindTimeout, fault.CodeTimeout, "agent did not finish in time")
	case final := <-ch:
		return final, nil
	}
}

func (r *Registry) addWaiter(agentID string, ch chan *store.SubAgent) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	r.waiters[agentID] = append(r.waiters[agentID], ch)
}

func (r *Registry) removeWaiter(agentID string, ch chan *store.SubAgent) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	chans := r.waiters[agentID]
	for i, c := range chans {
		if c == ch {
			r.waiters[agentID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(r.waiters[agentID]) == 0 {
		delete(r.waiters, agentID)
	}
}

func (r *Registry) notifyWaiters(agentID string, agent *store.SubAgent) {
	r.waitMu.Lock()
	chans := r.waiters[agentID]
	delete(r.waiters, agentID)
	r.waitMu.Unlock()
	for _, ch := range chans {
		ch <- agent
	}
}

// KillAgent requests termination. Idempotent: a second call for an already
// terminal or kill-pending agent sends nothing. If no terminal event
// arrives within the grace period the record is marked killed.
func (r *Registry) KillAgent(ctx context.Context, agentID string) error {
	agent, err := r.store.GetSubAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status.Terminal() {
		return nil
	}

	r.killMu.Lock()
	if r.killPending[agentID] {
		r.killMu.Unlock()
		return nil
	}
	r.killPending[agentID] = true
	r.killMu.Unlock()

	if daemon := r.connected(agent.UserID); daemon != nil {
		daemon.sendFrame(protocol.TypeKillAgent, protocol.KillAgent{AgentID: agentID})
	}

	// Grace timer: if the daemon never acks, force the terminal record.
	go func() {
		defer func() {
			r.killMu.Lock()
			delete(r.killPending, agentID)
			r.killMu.Unlock()
		}()
		time.Sleep(r.opts.KillGrace)
		current, err := r.store.GetSubAgent(context.Background(), agentID)
		if err != nil || current.Status.Terminal() {
			return
		}
		final, err := r.store.CompleteSubAgent(context.Background(), agentID, store.AgentKilled, "", "timeout_on_kill")
		if err != nil {
			logging.Errorf("[Registry] Kill grace write for %s: %v", agentID, err)
			return
		}
		logging.Warnf("[Registry] Agent %s killed by grace timer", agentID)
		r.notifyWaiters(agentID, final)
	}()

	return nil
}

// GetAgent is a read-through projection, refusing cross-user access.
func (r *Registry) GetAgent(ctx context.Context, agentID, callerUserID string) (*store.SubAgent, error) {
	agent, err := r.store.GetSubAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if callerUserID != "" && agent.UserID != callerUserID {
		return nil, fault.New(fault.KindAuth, fault.CodeForbidden, "agent belongs to another user")
	}
	return agent, nil
}

// ListAgents returns the user's agents.
func (r *Registry) ListAgents(ctx context.Context, userID string) ([]store.SubAgent, error) {
	return r.store.ListSubAgents(ctx, userID, 0)
}

// ApplyStatusUpdate projects a daemon status event into persistence. Also
// used by the REST fallback path.
func (r *Registry) ApplyStatusUpdate(ctx context.Context, userID, agentID, status, observation string) {
	agent, err := r.store.GetSubAgent(ctx, agentID)
	if err != nil {
		logging.Warnf("[Registry] status_update for unknown agent %s: %v", agentID, err)
		return
	}
	if agent.UserID != userID {
		logging.Warnf("[Registry] Dropping status_update for %s: user mismatch", agentID)
		return
	}

	var next store.SubAgentStatus
	switch status {
	case string(store.AgentRunning):
		next = store.AgentRunning
	case string(store.AgentAwaitingInput):
		next = store.AgentAwaitingInput
	default:
		logging.Warnf("[Registry] Dropping status_update for %s: unknown status %q", agentID, status)
		return
	}
	if err := r.store.UpdateSubAgentStatus(ctx, agentID, next, observation); err != nil {
		logging.Errorf("[Registry] Persist status for %s: %v", agentID, err)
	}
}

// ApplyComplete projects a terminal daemon event into persistence and wakes
// waiters. The first terminal event wins; duplicates are dropped by the
// store with a warning. Also used by the REST fallback path.
func (r *Registry) ApplyComplete(ctx context.Context, userID, agentID, result, errMsg string) {
	agent, err := r.store.GetSubAgent(ctx, agentID)
	if err != nil {
		logging.Warnf("[Registry] complete for unknown agent %s: %v", agentID, err)
		return
	}
	if agent.UserID != userID {
		logging.Warnf("[Registry] Dropping complete for %s: user mismatch", agentID)
		return
	}

	status := store.AgentCompleted
	switch {
	case errMsg == killedByRequest:
		status = store.AgentKilled
	case errMsg != "":
		status = store.AgentFailed
	}

	final, err := r.store.CompleteSubAgent(ctx, agentID, status, result, errMsg)
	if err != nil {
		logging.Errorf("[Registry] Persist complete for %s: %v", agentID, err)
		return
	}
	logging.Infof("[Registry] Agent %s terminal: %s", agentID, final.Status)
	r.notifyWaiters(agentID, final)
}

// ApplyLog surfaces a streamed terminal line. Also used by the REST
// fallback path.
func (r *Registry) ApplyLog(userID, agentID, line, stream string) {
	logging.Infof("[Agent %s/%s] %s: %s", userID, agentID, stream, line)
}

// MarkHeartbeat records a REST-fallback heartbeat against the connection
// currently registered for userID. When no socket connection is registered
// the heartbeat is not recorded and the daemon stays absent. Socket
// heartbeats take the direct path in dispatch.
func (r *Registry) MarkHeartbeat(userID string, hb *protocol.Heartbeat) {
	r.mu.RLock()
	daemon := r.daemons[userID]
	r.mu.RUnlock()
	if daemon != nil {
		daemon.markHeartbeat(hb)
	}
}

// Shutdown closes every connection.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, daemon := range r.daemons {
		daemon.shutdown()
	}
	r.daemons = make(map[string]*daemonConn)
}

// IsNotFound reports whether err is the store's missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
