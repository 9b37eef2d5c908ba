package telephony

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andino-labs/callbridge/pkg/core"
)

// Adapter wraps one accepted media-stream socket. It owns the read loop and
// serializes writes; the stream id is captured from the carrier's own
// connected/start frames and stamped onto outbound messages.
type Adapter struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex
	metaMu  sync.Mutex

	streamID string
	callID   string

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// NewAdapter starts reading from an already-upgraded carrier socket.
func NewAdapter(conn *websocket.Conn, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		conn:   conn,
		log:    log,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	go a.readLoop()
	return a
}

// Events returns the classified inbound stream. Closed when the socket ends.
func (a *Adapter) Events() <-chan Event {
	if a == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return a.events
}

// StreamID returns the carrier stream identifier once known, else "".
func (a *Adapter) StreamID() string {
	a.metaMu.Lock()
	defer a.metaMu.Unlock()
	return a.streamID
}

// CallID returns the carrier call identifier once known, else "".
func (a *Adapter) CallID() string {
	a.metaMu.Lock()
	defer a.metaMu.Unlock()
	return a.callID
}

// SendMediaFrame plays raw audio bytes back to the caller, base64-wrapped per
// the wire protocol.
func (a *Adapter) SendMediaFrame(audio []byte) error {
	if len(audio) == 0 {
		return nil
	}
	return a.writeJSON(outboundMedia{
		Event:     "media",
		StreamSid: a.StreamID(),
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// SendTranscript mirrors an utterance as a display-only text event. Best
// effort: any error is swallowed so the audio path never stalls on it.
func (a *Adapter) SendTranscript(speaker, text string) {
	err := a.writeJSON(outboundTranscript{
		Event:     "transcript",
		StreamSid: a.StreamID(),
		Text:      transcriptBody{Speaker: speaker, Text: text},
	})
	if err != nil {
		a.log.Debug("transcript mirror dropped", "error", err)
	}
}

// SendReady signals the caller side that the agent leg is up. Best effort;
// carriers ignore unknown events, dashboards use it to flip a live indicator.
func (a *Adapter) SendReady() {
	err := a.writeJSON(outboundNotice{
		Event:     "ready",
		StreamSid: a.StreamID(),
	})
	if err != nil {
		a.log.Debug("ready signal dropped", "error", err)
	}
}

// SendFailureNotice tells the caller side the call is ending due to a fault.
// Best effort, sent right before Close on failure paths.
func (a *Adapter) SendFailureNotice(message string) {
	if message == "" {
		message = "We're sorry, but we're experiencing technical difficulties. Please try again later."
	}
	err := a.writeJSON(outboundNotice{
		Event:     "notice",
		StreamSid: a.StreamID(),
		Message:   message,
	})
	if err != nil {
		a.log.Debug("failure notice dropped", "error", err)
	}
}

// Close shuts the socket and unblocks the read loop. Idempotent.
func (a *Adapter) Close() error {
	if a == nil {
		return nil
	}
	a.closeOnce.Do(func() {
		close(a.closed)
		_ = a.conn.Close()
	})
	return nil
}

func (a *Adapter) readLoop() {
	defer close(a.events)
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			select {
			case <-a.closed:
			default:
				a.log.Debug("telephony socket closed", "error", err)
			}
			return
		}

		ev, err := decodeFrame(data)
		if err != nil {
			var unknown errUnknownEvent
			if errors.As(err, &unknown) {
				a.log.Debug("skipping unknown telephony event", "event", unknown.event)
			} else {
				a.log.Warn("skipping malformed telephony frame", "error", err)
			}
			continue
		}

		switch ev.Kind {
		case EventStreamConnected:
			a.metaMu.Lock()
			if ev.StreamID != "" {
				a.streamID = ev.StreamID
			}
			a.metaMu.Unlock()
		case EventStreamStarted:
			a.metaMu.Lock()
			if ev.StreamID != "" {
				a.streamID = ev.StreamID
			}
			a.callID = ev.CallID
			a.metaMu.Unlock()
		}

		select {
		case a.events <- ev:
		case <-a.closed:
			return
		}

		if ev.Kind == EventStreamStopped {
			return
		}
	}
}

func (a *Adapter) writeJSON(payload any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	select {
	case <-a.closed:
		return core.NewTransportError("telephony socket already closed")
	default:
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return a.conn.WriteJSON(payload)
}
