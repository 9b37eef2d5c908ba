package agentclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andino-labs/callbridge/pkg/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAgent runs an HTTP server that serves both the signed-url endpoint and
// the agent socket it points at.
type fakeAgent struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	// handle drives the socket side of a single conversation.
	handle func(conn *websocket.Conn)
	// rejectStatus, when non-zero, makes the signed-url endpoint fail.
	rejectStatus int
}

func newFakeAgent(t *testing.T, handle func(conn *websocket.Conn)) *fakeAgent {
	f := &fakeAgent{t: t, handle: handle}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/convai/conversation/get-signed-url", func(w http.ResponseWriter, r *http.Request) {
		if f.rejectStatus != 0 {
			http.Error(w, "unauthorized", f.rejectStatus)
			return
		}
		if r.Header.Get("xi-api-key") == "" {
			http.Error(w, "missing api key", http.StatusUnauthorized)
			return
		}
		wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/socket"
		json.NewEncoder(w).Encode(map[string]string{"signed_url": wsURL})
	})
	mux.HandleFunc("/socket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if f.handle != nil {
			f.handle(conn)
		}
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAgent) config() Config {
	return Config{
		EndpointBase:   f.server.URL,
		ConnectTimeout: 3 * time.Second,
		Logger:         testLogger(),
	}
}

func TestConnect_SendsSilenceNudgeAndStreamsEvents(t *testing.T) {
	agentAudio := []byte{0x01, 0x02, 0x03}
	fake := newFakeAgent(t, func(conn *websocket.Conn) {
		// First inbound message must be the silence nudge.
		var first map[string]string
		if err := conn.ReadJSON(&first); err != nil {
			t.Errorf("read nudge: %v", err)
			return
		}
		nudge, err := base64.StdEncoding.DecodeString(first["user_audio_chunk"])
		if err != nil || len(nudge) != 160 || nudge[0] != 0xFF {
			t.Errorf("unexpected nudge payload: %v %v", first, err)
			return
		}

		conn.WriteJSON(map[string]any{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]string{
				"conversation_id": "conv_remote_1",
			},
		})
		conn.WriteJSON(map[string]any{
			"type":        "audio",
			"audio_event": map[string]string{"audio_base_64": base64.StdEncoding.EncodeToString(agentAudio)},
		})
		conn.WriteJSON(map[string]any{
			"type":                  "user_transcript",
			"user_transcript_event": map[string]string{"user_transcript": "hola"},
		})
	})

	c, err := Connect(context.Background(), "agent_test", "key", fake.config())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	want := []EventKind{EventReady, EventAgentAudio, EventUserTranscript}
	for i, kind := range want {
		select {
		case ev := <-c.Events():
			if ev.Kind != kind {
				t.Fatalf("event %d kind = %q, want %q", i, ev.Kind, kind)
			}
			if kind == EventAgentAudio && string(ev.Audio) != string(agentAudio) {
				t.Fatalf("audio = %v, want %v", ev.Audio, agentAudio)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestConnect_RejectedCredentialIsAuthorizationError(t *testing.T) {
	fake := newFakeAgent(t, nil)
	fake.rejectStatus = http.StatusUnauthorized

	_, err := Connect(context.Background(), "agent_test", "bad-key", fake.config())
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestConnect_UnreachableEndpointIsTransportError(t *testing.T) {
	cfg := Config{
		EndpointBase:   "http://127.0.0.1:1", // nothing listens here
		ConnectTimeout: 500 * time.Millisecond,
		Logger:         testLogger(),
	}
	_, err := Connect(context.Background(), "agent_test", "key", cfg)
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestConnect_MissingArgsFailFast(t *testing.T) {
	_, err := Connect(context.Background(), "", "key", Config{})
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrValidation {
		t.Fatalf("expected validation error for empty agent id, got %v", err)
	}

	_, err = Connect(context.Background(), "agent_test", "", Config{})
	if !errors.As(err, &ce) || ce.Type != core.ErrAuthorization {
		t.Fatalf("expected authorization error for missing credential, got %v", err)
	}
}

func TestSendCallerAudioAndInterrupt(t *testing.T) {
	got := make(chan map[string]json.RawMessage, 8)
	fake := newFakeAgent(t, func(conn *websocket.Conn) {
		for {
			var msg map[string]json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				close(got)
				return
			}
			got <- msg
		}
	})

	c, err := Connect(context.Background(), "agent_test", "key", fake.config())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	audio := []byte{0x10, 0x20, 0x30}
	if err := c.SendCallerAudio(audio); err != nil {
		t.Fatalf("SendCallerAudio: %v", err)
	}
	if err := c.SendInterrupt(); err != nil {
		t.Fatalf("SendInterrupt: %v", err)
	}

	read := func() map[string]json.RawMessage {
		t.Helper()
		select {
		case m := <-got:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message")
			return nil
		}
	}

	read() // silence nudge

	var chunk string
	if err := json.Unmarshal(read()["user_audio_chunk"], &chunk); err != nil {
		t.Fatalf("audio message shape: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil || string(decoded) != string(audio) {
		t.Fatalf("audio round trip = %v (%v), want %v", decoded, err, audio)
	}

	intr := read()
	var typ string
	json.Unmarshal(intr["type"], &typ)
	if typ != "audio_input_override" {
		t.Fatalf("interrupt type = %q", typ)
	}
	var body struct {
		InterruptAgent bool `json:"interrupt_agent"`
	}
	if err := json.Unmarshal(intr["audio_input_override_event"], &body); err != nil || !body.InterruptAgent {
		t.Fatalf("interrupt body = %s", intr["audio_input_override_event"])
	}
}

func TestClose_IdempotentAndClosesEventStream(t *testing.T) {
	fake := newFakeAgent(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := Connect(context.Background(), "agent_test", "key", fake.config())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after Close")
	}

	if err := c.SendCallerAudio([]byte{1}); err == nil {
		t.Fatal("expected error sending on closed connection")
	}
}

func TestReadLoop_HeartbeatAnsweredWithPong(t *testing.T) {
	pong := make(chan int, 1)
	fake := newFakeAgent(t, func(conn *websocket.Conn) {
		// Skip the nudge.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{"type": "ping", "ping_event": map[string]int{"event_id": 42}})
		for {
			var msg struct {
				Type    string `json:"type"`
				EventID int    `json:"event_id"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "pong" {
				pong <- msg.EventID
				return
			}
		}
	})

	c, err := Connect(context.Background(), "agent_test", "key", fake.config())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case ev := <-c.Events():
		if ev.Kind != EventHeartbeat {
			t.Fatalf("kind = %q, want heartbeat", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat event")
	}
	select {
	case id := <-pong:
		if id != 42 {
			t.Fatalf("pong event id = %d, want 42", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}
