// Package agentclient speaks the conversational-agent socket protocol and
// turns its wire messages into typed events for the bridge.
package agentclient

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind discriminates classified agent wire messages.
type EventKind string

const (
	// EventReady means the agent acknowledged conversation initiation.
	EventReady EventKind = "ready"
	// EventAgentAudio carries a chunk of agent speech.
	EventAgentAudio EventKind = "agent_audio"
	// EventUserTranscript is the agent service's transcription of the caller.
	EventUserTranscript EventKind = "user_transcript"
	// EventAgentTranscript is the agent's spoken response as text.
	EventAgentTranscript EventKind = "agent_transcript"
	// EventHeartbeat is a keep-alive; higher layers ignore it.
	EventHeartbeat EventKind = "heartbeat"
	// EventRemoteError means the remote service reported a fault. Non-fatal
	// unless the socket closes right after.
	EventRemoteError EventKind = "remote_error"
	// EventUnrecognized is the forward-compatibility catch-all. Logged, never
	// an error.
	EventUnrecognized EventKind = "unrecognized"
)

// Event is one classified inbound agent message. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Event struct {
	Kind EventKind
	// SessionToken is set for EventReady.
	SessionToken string
	// Audio is set for EventAgentAudio, already base64-decoded.
	Audio []byte
	// Text is set for the transcript kinds and EventRemoteError.
	Text string
	// Raw is the original wire message, kept for EventUnrecognized logging.
	Raw json.RawMessage
}

type wireMessage struct {
	Type string `json:"type"`

	InitiationMetadata struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event"`

	AudioEvent struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event"`

	UserTranscriptEvent struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcript_event"`

	AgentResponseEvent struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`

	PingEvent struct {
		EventID int `json:"event_id"`
	} `json:"ping_event"`

	Error json.RawMessage `json:"error"`
}

// classify maps one raw wire message to exactly one event. Unparseable JSON
// is an error (the caller logs and skips the message); everything parseable
// but unknown becomes EventUnrecognized.
func classify(data []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("agentclient: malformed message: %w", err)
	}

	if len(msg.Error) > 0 && string(msg.Error) != "null" {
		return Event{Kind: EventRemoteError, Text: rawToText(msg.Error)}, nil
	}

	switch msg.Type {
	case "conversation_initiation_metadata":
		return Event{Kind: EventReady, SessionToken: msg.InitiationMetadata.ConversationID}, nil
	case "user_transcript":
		return Event{Kind: EventUserTranscript, Text: msg.UserTranscriptEvent.UserTranscript}, nil
	case "agent_response":
		return Event{Kind: EventAgentTranscript, Text: msg.AgentResponseEvent.AgentResponse}, nil
	case "ping":
		return Event{Kind: EventHeartbeat}, nil
	}

	// Audio arrives both with and without a type tag depending on upstream
	// version; the presence of the payload field is what counts.
	if msg.AudioEvent.AudioBase64 != "" {
		audio, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
		if err != nil {
			return Event{}, fmt.Errorf("agentclient: invalid audio base64: %w", err)
		}
		return Event{Kind: EventAgentAudio, Audio: audio}, nil
	}

	return Event{Kind: EventUnrecognized, Raw: json.RawMessage(data)}, nil
}

// rawToText flattens an error payload that may be a string or an object.
func rawToText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

type callerAudioMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type interruptMessage struct {
	Type          string        `json:"type"`
	OverrideEvent interruptBody `json:"audio_input_override_event"`
}

type interruptBody struct {
	InterruptAgent bool `json:"interrupt_agent"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}
