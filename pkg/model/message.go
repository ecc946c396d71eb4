package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of frame sent to connected teams.
// Clients must ignore types they do not recognize.
type MessageType string

const (
	MessageNewTask        MessageType = "new_task"
	MessageAvailableTasks MessageType = "available_tasks"
	MessageContestStatus  MessageType = "contest_status"
	MessagePing           MessageType = "ping"
)

// Envelope is the frame delivered over a team connection.
type Envelope struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEnvelope stamps a message with the current UTC time.
func NewEnvelope(typ MessageType, data any) Envelope {
	return Envelope{Type: typ, Data: data, Timestamp: time.Now().UTC()}
}

// Encode serializes the envelope without HTML escaping, so raw task content
// reaches the client byte-for-byte as stored.
func (e Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// InboundEnvelope is an envelope decoded without interpreting its data.
type InboundEnvelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DecodeEnvelope parses a frame. Unknown types are not an error.
func DecodeEnvelope(b []byte) (InboundEnvelope, error) {
	var env InboundEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// ContestState is the lifecycle of the issuance schedule.
type ContestState string

const (
	ContestIdle      ContestState = "idle"
	ContestRunning   ContestState = "running"
	ContestCompleted ContestState = "completed"
)

// ContestStatus is the payload of a contest_status message and of GET /contest.
type ContestStatus struct {
	Status         ContestState `json:"status"`
	TotalTasks     int          `json:"total_tasks"`
	IssuedTasks    int          `json:"issued_tasks"`
	RemainingTasks int          `json:"remaining_tasks"`
	ConnectedTeams int          `json:"connected_teams,omitempty"`
}

// Ping is the payload of a heartbeat frame.
type Ping struct {
	Team string `json:"team"`
}
