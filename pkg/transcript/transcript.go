// Package transcript records and persists the text of bridged conversations.
package transcript

import (
	"time"
)

// Speaker identifies which side of the call produced an entry.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Entry is a single utterance in a conversation transcript. Seq is assigned
// by the recorder and is strictly increasing within a conversation.
type Entry struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	// AudioSeconds holds the spoken duration when the upstream reports it.
	AudioSeconds float64 `json:"audio_seconds,omitempty"`
}

// Conversation is the full stored record of one bridged call.
type Conversation struct {
	ConversationID string            `json:"conversation_id"`
	AgentID        string            `json:"agent_id"`
	AgentName      string            `json:"agent_name"`
	CallerPhone    string            `json:"caller_phone"`
	CallerName     string            `json:"caller_name,omitempty"`
	Language       string            `json:"language"`
	CountryCode    string            `json:"country_code"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        time.Time         `json:"end_time,omitzero"`
	Status         string            `json:"status"`
	Entries        []Entry           `json:"entries"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Summary is the list-view projection of a conversation.
type Summary struct {
	ConversationID  string    `json:"conversation_id"`
	AgentID         string    `json:"agent_id"`
	AgentName       string    `json:"agent_name"`
	CallerPhone     string    `json:"caller_phone"`
	CallerName      string    `json:"caller_name,omitempty"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time,omitzero"`
	DurationSeconds int       `json:"duration_seconds"`
	EntryCount      int       `json:"entry_count"`
	Language        string    `json:"language"`
	CountryCode     string    `json:"country_code"`
	Status          string    `json:"status"`
}

// Summarize projects a conversation into its list form.
func (c *Conversation) Summarize() Summary {
	dur := 0
	if !c.EndTime.IsZero() {
		dur = int(c.EndTime.Sub(c.StartTime).Seconds())
	}
	return Summary{
		ConversationID:  c.ConversationID,
		AgentID:         c.AgentID,
		AgentName:       c.AgentName,
		CallerPhone:     c.CallerPhone,
		CallerName:      c.CallerName,
		StartTime:       c.StartTime,
		EndTime:         c.EndTime,
		DurationSeconds: dur,
		EntryCount:      len(c.Entries),
		Language:        c.Language,
		CountryCode:     c.CountryCode,
		Status:          c.Status,
	}
}
