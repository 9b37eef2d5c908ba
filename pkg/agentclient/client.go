package agentclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/andino-labs/callbridge/pkg/core"
)

const defaultEndpointBase = "https://api.elevenlabs.io"

// ulaw silence is 0xFF; 160 bytes is one 20ms frame at 8kHz. The agent
// service waits for caller audio before speaking, so a freshly opened
// connection sends one silent frame to prompt the opening utterance.
var silenceFrame = func() []byte {
	b := make([]byte, 160)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}()

// Config carries the credentials and tunables for opening agent connections.
type Config struct {
	// APIKey is the process-wide agent service credential. A profile-level
	// override, when present, wins.
	APIKey string
	// EndpointBase overrides the agent service REST base URL (tests).
	EndpointBase string
	// ConnectTimeout bounds the whole connect sequence, endpoint fetch plus
	// socket handshake. Zero means 10s.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
	// HTTPClient overrides the client used for the endpoint fetch (tests).
	HTTPClient *http.Client
}

// Connection is one live socket to the agent service. Not restartable: after
// Events() is drained a new Connect is required.
type Connection struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu   sync.Mutex
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// Connect obtains a short-lived signed endpoint for the agent and opens the
// socket. A rejected credential or unknown agent id surfaces as an
// AuthorizationError; a failing socket handshake as a TransportError. On
// success the initial silence nudge has already been sent.
func Connect(ctx context.Context, agentID, apiKey string, cfg Config) (*Connection, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, core.NewValidationError("missing required field", "agent_id")
	}
	if strings.TrimSpace(apiKey) == "" {
		apiKey = cfg.APIKey
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, core.NewAuthorizationError("no agent service credential configured")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wsURL, err := fetchSignedURL(ctx, agentID, apiKey, cfg)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, core.NewTransportError(fmt.Sprintf("agent socket handshake failed: %v", err))
	}

	c := &Connection{
		conn:   conn,
		log:    log,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	go c.readLoop()

	if err := c.SendCallerAudio(silenceFrame); err != nil {
		c.Close()
		return nil, core.NewTransportError(fmt.Sprintf("initial audio nudge failed: %v", err))
	}
	return c, nil
}

// fetchSignedURL asks the agent service for a time-limited socket endpoint.
// Transient 5xx responses are retried with exponential backoff inside the
// connect deadline; 4xx means the credential or agent id is bad and retrying
// cannot help.
func fetchSignedURL(ctx context.Context, agentID, apiKey string, cfg Config) (string, error) {
	base := strings.TrimSpace(cfg.EndpointBase)
	if base == "" {
		base = defaultEndpointBase
	}
	reqURL := base + "/v1/convai/conversation/get-signed-url?agent_id=" + url.QueryEscape(agentID)
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	var signedURL string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("xi-api-key", apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(core.NewAuthorizationError(
				fmt.Sprintf("signed endpoint rejected: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("signed endpoint: unexpected status %d", resp.StatusCode)
		}

		var payload struct {
			SignedURL string `json:"signed_url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return backoff.Permanent(core.NewProtocolError(fmt.Sprintf("signed endpoint: bad response: %v", err)))
		}
		if strings.TrimSpace(payload.SignedURL) == "" {
			return backoff.Permanent(core.NewProtocolError("signed endpoint: empty signed_url"))
		}
		signedURL = payload.SignedURL
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		var ce *core.Error
		if errors.As(err, &ce) {
			return "", err
		}
		return "", core.NewTransportError(fmt.Sprintf("signed endpoint unreachable: %v", err))
	}
	return signedURL, nil
}

// Events returns the stream of classified inbound messages. The channel is
// closed when the socket closes for any reason.
func (c *Connection) Events() <-chan Event {
	if c == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return c.events
}

// SendCallerAudio forwards raw caller audio bytes, base64-wrapped per the
// wire protocol.
func (c *Connection) SendCallerAudio(audio []byte) error {
	if len(audio) == 0 {
		return nil
	}
	return c.writeJSON(callerAudioMessage{
		UserAudioChunk: base64.StdEncoding.EncodeToString(audio),
	})
}

// SendInterrupt tells the agent to stop speaking immediately. Used for
// caller barge-in.
func (c *Connection) SendInterrupt() error {
	return c.writeJSON(interruptMessage{
		Type:          "audio_input_override",
		OverrideEvent: interruptBody{InterruptAgent: true},
	})
}

// Close shuts the socket and unblocks the read loop. Idempotent.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Connection) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Debug("agent socket closed", "error", err)
			}
			return
		}

		ev, err := classify(data)
		if err != nil {
			// One bad message never kills the stream.
			c.log.Warn("skipping malformed agent message", "error", err)
			continue
		}
		if ev.Kind == EventHeartbeat {
			// Answered here so higher layers can stay ignorant of ping ids.
			var msg wireMessage
			if json.Unmarshal(data, &msg) == nil {
				_ = c.writeJSON(pongMessage{Type: "pong", EventID: msg.PingEvent.EventID})
			}
		}
		if ev.Kind == EventUnrecognized {
			c.log.Debug("unrecognized agent message", "raw", string(ev.Raw))
		}

		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) writeJSON(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return core.NewTransportError("agent socket already closed")
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(payload)
}
