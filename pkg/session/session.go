// Package session tracks live call sessions from webhook arrival to teardown.
package session

import (
	"time"
)

// Status is a call session's lifecycle stage. Transitions only move forward;
// see statusRank.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusConnecting  Status = "connecting"
	StatusActive      Status = "active"
	StatusEnded       Status = "ended"
	StatusFailed      Status = "failed"
)

// statusRank orders statuses so a stale writer can never move a session
// backwards. The two terminal statuses share a rank: whichever lands first
// wins and the other is dropped.
var statusRank = map[Status]int{
	StatusInitialized: 0,
	StatusConnecting:  1,
	StatusActive:      2,
	StatusEnded:       3,
	StatusFailed:      3,
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

func (s Status) valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CallSession is a snapshot of one phone call bridged to an agent. Values
// handed out by the registry are copies; mutate through the registry only.
type CallSession struct {
	ConversationID string            `json:"conversation_id"`
	CallerPhone    string            `json:"caller_phone"`
	CallerName     string            `json:"caller_name,omitempty"`
	AgentID        string            `json:"agent_id"`
	AgentName      string            `json:"agent_name"`
	CountryCode    string            `json:"country_code"`
	Language       string            `json:"language"`
	Status         Status            `json:"status"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        time.Time         `json:"end_time,omitzero"`
	CustomContext  map[string]string `json:"custom_context,omitempty"`
}

// Duration returns the session length, using now for sessions still open.
func (s CallSession) Duration(now time.Time) time.Duration {
	end := s.EndTime
	if end.IsZero() {
		end = now
	}
	return end.Sub(s.StartTime)
}
