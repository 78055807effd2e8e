// Package protocol pins the daemon <-> server wire format. Every frame is a
// JSON document with a mandatory "type" discriminator; unknown types are
// logged and dropped by the receiver, never acted on.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol revision carried in heartbeats.
const Version = 1

// Frame types, server -> daemon.
const (
	TypeSpawnAgent = "spawn_agent"
	TypeKillAgent  = "kill_agent"
	TypePing       = "ping"
)

// Frame types, daemon -> server.
const (
	TypePong         = "pong"
	TypeHeartbeat    = "heartbeat"
	TypeStatusUpdate = "status_update"
	TypeLog          = "log"
	TypeComplete     = "complete"
)

// Envelope carries the discriminator plus the raw payload so the receiver
// can dispatch before fully decoding.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SpawnAgent commands the daemon to start one TerminalAgent.
type SpawnAgent struct {
	AgentID          string       `json:"agentId"`
	Goal             string       `json:"goal"`
	WorkingDirectory string       `json:"workingDirectory,omitempty"`
	Options          SpawnOptions `json:"options"`
}

// SpawnOptions are per-agent execution knobs.
type SpawnOptions struct {
	StreamLogs bool `json:"streamLogs,omitempty"`
}

// KillAgent commands the daemon to terminate one TerminalAgent.
type KillAgent struct {
	AgentID string `json:"agentId"`
}

// Heartbeat reports the daemon's live view every heartbeat period, and as
// the first frame after (re)connect.
type Heartbeat struct {
	RunningAgentIDs []string `json:"runningAgentIds"`
	Capacity        int      `json:"capacity"`
	Version         int      `json:"version"`
}

// StatusUpdate reports an agent's observed state transition.
type StatusUpdate struct {
	AgentID     string `json:"agentId"`
	Status      string `json:"status"`
	Observation string `json:"observation,omitempty"`
}

// Log streams one line of terminal output when the spawn requested it.
type Log struct {
	AgentID string `json:"agentId"`
	Line    string `json:"line"`
	Stream  string `json:"stream"`
}

// Complete reports an agent's terminal outcome. Exactly one of Result or
// Error is set.
type Complete struct {
	AgentID string `json:"agentId"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Encode wraps a payload in an Envelope and marshals it.
func Encode(frameType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", frameType, err)
		}
		raw = data
	}
	return json.Marshal(Envelope{Type: frameType, Payload: raw})
}

// Decode unmarshals an envelope from raw bytes.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame missing type discriminator")
	}
	return &env, nil
}

// DecodePayload unmarshals an envelope payload into v.
func DecodePayload(env *Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s frame has empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
