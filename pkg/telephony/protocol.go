// Package telephony speaks the media-stream wire protocol of the phone
// carrier socket and translates it to the internal event shape.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EventKind discriminates classified telephony wire messages.
type EventKind string

const (
	// EventStreamConnected carries the carrier's stream identifier.
	EventStreamConnected EventKind = "stream_connected"
	// EventStreamStarted carries the call identifier and custom parameters.
	EventStreamStarted EventKind = "stream_started"
	// EventMediaFrame carries decoded caller audio bytes.
	EventMediaFrame EventKind = "media_frame"
	// EventInterrupt is a caller barge-in signal (keypad press mid-call).
	EventInterrupt EventKind = "interrupt"
	// EventStreamStopped means the carrier ended the stream.
	EventStreamStopped EventKind = "stream_stopped"
)

// Event is one classified inbound telephony message.
type Event struct {
	Kind EventKind
	// StreamID is set for EventStreamConnected.
	StreamID string
	// CallID and Params are set for EventStreamStarted.
	CallID string
	Params map[string]string
	// Audio is set for EventMediaFrame, already base64-decoded.
	Audio []byte
	// Digit is set for EventInterrupt.
	Digit string
}

type wireFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`

	Start struct {
		CallSid          string            `json:"callSid"`
		StreamSid        string            `json:"streamSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`

	Media struct {
		Payload string `json:"payload"`
	} `json:"media"`

	DTMF struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

// errUnknownEvent distinguishes forward-compatible skips from malformed input.
type errUnknownEvent struct{ event string }

func (e errUnknownEvent) Error() string {
	return fmt.Sprintf("telephony: unknown event %q", e.event)
}

// decodeFrame maps one raw wire message to an event. Unknown event names and
// malformed frames both return an error; callers log and skip either way.
func decodeFrame(data []byte) (Event, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("telephony: malformed frame: %w", err)
	}

	switch f.Event {
	case "connected":
		return Event{Kind: EventStreamConnected, StreamID: f.StreamSid}, nil
	case "start":
		sid := f.Start.StreamSid
		if sid == "" {
			sid = f.StreamSid
		}
		return Event{
			Kind:     EventStreamStarted,
			StreamID: sid,
			CallID:   f.Start.CallSid,
			Params:   f.Start.CustomParameters,
		}, nil
	case "media":
		audio, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("telephony: invalid media base64: %w", err)
		}
		return Event{Kind: EventMediaFrame, Audio: audio}, nil
	case "dtmf":
		return Event{Kind: EventInterrupt, Digit: f.DTMF.Digit}, nil
	case "stop":
		return Event{Kind: EventStreamStopped}, nil
	}
	return Event{}, errUnknownEvent{event: f.Event}
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

// outboundTranscript is a display-only text event mirrored to dashboards
// listening on the same socket. Not part of the carrier protocol proper;
// carriers ignore unknown events.
type outboundTranscript struct {
	Event     string         `json:"event"`
	StreamSid string         `json:"streamSid"`
	Text      transcriptBody `json:"transcript"`
}

type transcriptBody struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type outboundNotice struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Message   string `json:"message,omitempty"`
}
