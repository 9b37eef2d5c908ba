// Package bridge cross-wires one telephony media stream with one agent
// socket, driving the call's state machine and transcript capture.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andino-labs/callbridge/pkg/agentclient"
	"github.com/andino-labs/callbridge/pkg/core"
	"github.com/andino-labs/callbridge/pkg/session"
	"github.com/andino-labs/callbridge/pkg/telephony"
	"github.com/andino-labs/callbridge/pkg/transcript"
)

// State is the bridge lifecycle stage. Monotonic: a bridge never moves from a
// later state back to an earlier one, and reaches exactly one terminal state.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// TelephonyStream is the caller-side socket capability the bridge relays
// against. *telephony.Adapter implements it; tests substitute fakes.
type TelephonyStream interface {
	Events() <-chan telephony.Event
	SendMediaFrame(audio []byte) error
	SendTranscript(speaker, text string)
	SendReady()
	SendFailureNotice(message string)
	Close() error
}

// AgentConnection is the agent-side socket capability.
// *agentclient.Connection implements it.
type AgentConnection interface {
	Events() <-chan agentclient.Event
	SendCallerAudio(audio []byte) error
	SendInterrupt() error
	Close() error
}

// AgentDialer opens the agent leg for a bound session. The implementation is
// expected to enforce its own connect timeout; the bridge additionally bounds
// the whole CONNECTING phase.
type AgentDialer func(ctx context.Context, agentID, apiKey string) (AgentConnection, error)

// SessionBinder resolves the call session for a started stream, given the
// carrier call id and the stream's custom parameters. It returns the session
// and the agent credential to dial with.
type SessionBinder func(ctx context.Context, callID string, params map[string]string) (session.CallSession, string, error)

// Config wires one bridge instance.
type Config struct {
	Telephony TelephonyStream
	Dial      AgentDialer
	Bind      SessionBinder
	Registry  *session.Registry
	// Repo persists the transcript; nil disables persistence.
	Repo transcript.Repository
	// ConnectTimeout bounds stream-start handling: session bind, agent dial
	// and the wait for the agent's ready event. Zero means 15s.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Bridge relays one call. Create with New, drive with Run, one per call.
type Bridge struct {
	cfg Config
	log *slog.Logger

	stateMu sync.Mutex
	state   State

	sess     session.CallSession
	recorder *transcript.Recorder
}

// New validates the wiring and returns an idle bridge in StateInit.
func New(cfg Config) (*Bridge, error) {
	if cfg.Telephony == nil {
		return nil, core.NewValidationError("missing required field", "telephony")
	}
	if cfg.Dial == nil {
		return nil, core.NewValidationError("missing required field", "dial")
	}
	if cfg.Bind == nil {
		return nil, core.NewValidationError("missing required field", "bind")
	}
	if cfg.Registry == nil {
		return nil, core.NewValidationError("missing required field", "registry")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{cfg: cfg, log: log, state: StateInit}, nil
}

// State returns the current lifecycle stage.
func (b *Bridge) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// advance moves the state machine forward. Backward moves are dropped, and a
// terminal state is sticky, so every exit path can race on teardown safely.
func (b *Bridge) advance(to State) bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if to <= b.state || b.state >= StateClosed {
		return false
	}
	b.state = to
	return true
}

// Run drives the call end to end and blocks until teardown completes. The
// returned error is nil for a clean call (StateClosed) and the setup or relay
// fault for StateFailed. Cancelling ctx tears the call down.
func (b *Bridge) Run(ctx context.Context) error {
	tel := b.cfg.Telephony

	// Phase 1: wait for the carrier to start the stream.
	startEv, err := b.awaitStart(ctx)
	if err != nil {
		b.fail(err)
		return err
	}

	// Phase 2: bind the session and dial the agent, bounded as a whole.
	b.advance(StateConnecting)
	connectCtx, cancelConnect := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	agent, err := b.connect(connectCtx, startEv)
	cancelConnect()
	if err != nil {
		b.fail(err)
		return err
	}

	b.advance(StateActive)
	_ = b.cfg.Registry.SetStatus(b.sess.ConversationID, session.StatusActive)
	tel.SendReady()
	b.log.Info("bridge active",
		"conversation_id", b.sess.ConversationID,
		"call_id", startEv.CallID,
		"agent", b.sess.AgentName)

	// Phase 3: two relay directions; the first to finish cancels the other.
	relayCtx, cancelRelay := context.WithCancel(ctx)
	var relayErr error
	var errOnce sync.Once
	var wg sync.WaitGroup

	finish := func(err error) {
		if err != nil {
			errOnce.Do(func() { relayErr = err })
		}
		cancelRelay()
		// Unblock the other direction's pending socket read.
		tel.Close()
		agent.Close()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		finish(b.relayCallerToAgent(relayCtx, agent))
	}()
	go func() {
		defer wg.Done()
		finish(b.relayAgentToCaller(relayCtx, agent))
	}()
	wg.Wait()
	cancelRelay()

	// Phase 4: teardown, on every path.
	b.advance(StateClosing)
	if relayErr != nil {
		b.fail(relayErr)
		return relayErr
	}
	b.teardown(session.StatusEnded, "completed")
	b.advance(StateClosed)
	b.log.Info("bridge closed", "conversation_id", b.sess.ConversationID)
	return nil
}

// awaitStart consumes telephony events until the stream starts. Connected
// frames are metadata; a stop or socket close before start is a clean no-call.
func (b *Bridge) awaitStart(ctx context.Context) (telephony.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return telephony.Event{}, core.NewTransportError("cancelled before stream start")
		case ev, ok := <-b.cfg.Telephony.Events():
			if !ok {
				return telephony.Event{}, core.NewTransportError("telephony stream closed before start")
			}
			switch ev.Kind {
			case telephony.EventStreamStarted:
				return ev, nil
			case telephony.EventStreamStopped:
				return telephony.Event{}, core.NewTransportError("telephony stream stopped before start")
			}
		}
	}
}

func (b *Bridge) connect(ctx context.Context, startEv telephony.Event) (AgentConnection, error) {
	sess, apiKey, err := b.cfg.Bind(ctx, startEv.CallID, startEv.Params)
	if err != nil {
		return nil, err
	}
	b.sess = sess
	b.recorder = transcript.NewRecorder(transcript.Conversation{
		ConversationID: sess.ConversationID,
		AgentID:        sess.AgentID,
		AgentName:      sess.AgentName,
		CallerPhone:    sess.CallerPhone,
		CallerName:     sess.CallerName,
		Language:       sess.Language,
		CountryCode:    sess.CountryCode,
		StartTime:      sess.StartTime,
		Metadata:       sess.CustomContext,
	}, b.cfg.Repo, b.log)
	_ = b.cfg.Registry.SetStatus(sess.ConversationID, session.StatusConnecting)

	agent, err := b.cfg.Dial(ctx, sess.AgentID, apiKey)
	if err != nil {
		return nil, err
	}

	// The agent speaks only after acknowledging initiation; wait for ready
	// under the same connect deadline.
	for {
		select {
		case <-ctx.Done():
			agent.Close()
			return nil, core.NewTransportError("timed out waiting for agent ready")
		case ev, ok := <-agent.Events():
			if !ok {
				agent.Close()
				return nil, core.NewTransportError("agent socket closed before ready")
			}
			switch ev.Kind {
			case agentclient.EventReady:
				if ev.SessionToken != "" {
					b.log.Debug("agent conversation acknowledged",
						"conversation_id", sess.ConversationID,
						"agent_session", ev.SessionToken)
				}
				return agent, nil
			case agentclient.EventRemoteError:
				b.log.Warn("agent error during connect",
					"conversation_id", sess.ConversationID,
					"message", ev.Text)
			}
		}
	}
}

// relayCallerToAgent forwards caller media to the agent in receipt order.
func (b *Bridge) relayCallerToAgent(ctx context.Context, agent AgentConnection) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-b.cfg.Telephony.Events():
			if !ok {
				return nil // carrier leg ended; clean teardown
			}
			switch ev.Kind {
			case telephony.EventMediaFrame:
				if err := agent.SendCallerAudio(ev.Audio); err != nil {
					return core.NewTransportError(fmt.Sprintf("caller audio forward failed: %v", err))
				}
			case telephony.EventInterrupt:
				if err := agent.SendInterrupt(); err != nil {
					return core.NewTransportError(fmt.Sprintf("interrupt forward failed: %v", err))
				}
			case telephony.EventStreamStopped:
				return nil
			}
		}
	}
}

// relayAgentToCaller forwards agent audio to the caller and captures
// transcripts. Remote errors are logged; only the socket dying mid-call or a
// failing caller-side write ends the direction.
func (b *Bridge) relayAgentToCaller(ctx context.Context, agent AgentConnection) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-agent.Events():
			if !ok {
				return nil // agent leg ended; clean teardown
			}
			switch ev.Kind {
			case agentclient.EventAgentAudio:
				if err := b.cfg.Telephony.SendMediaFrame(ev.Audio); err != nil {
					return core.NewTransportError(fmt.Sprintf("agent audio playback failed: %v", err))
				}
			case agentclient.EventUserTranscript:
				b.recorder.AddEntry(transcript.SpeakerCaller, ev.Text, 0)
				b.cfg.Telephony.SendTranscript(string(transcript.SpeakerCaller), ev.Text)
			case agentclient.EventAgentTranscript:
				b.recorder.AddEntry(transcript.SpeakerAgent, ev.Text, 0)
				b.cfg.Telephony.SendTranscript(string(transcript.SpeakerAgent), ev.Text)
			case agentclient.EventRemoteError:
				b.log.Warn("agent reported error",
					"conversation_id", b.sess.ConversationID,
					"message", ev.Text)
			case agentclient.EventUnrecognized:
				b.log.Debug("unrecognized agent event",
					"conversation_id", b.sess.ConversationID)
			}
		}
	}
}

// fail runs the failure teardown: notice to the caller if that socket still
// writes, then the common teardown with failed status.
func (b *Bridge) fail(err error) {
	b.advance(StateClosing)
	var ce *core.Error
	if errors.As(err, &ce) && ce.Type == core.ErrAuthorization {
		b.log.Error("agent authorization failed",
			"conversation_id", b.sess.ConversationID, "error", err)
	} else {
		b.log.Error("bridge failed",
			"conversation_id", b.sess.ConversationID,
			"state", b.State().String(), "error", err)
	}
	b.cfg.Telephony.SendFailureNotice("")
	b.teardown(session.StatusFailed, "error")
	b.advance(StateFailed)
}

// teardown closes both legs, retires the session and finalizes the
// transcript. Idempotent by construction: Close and End are idempotent and
// the recorder finalizes once.
func (b *Bridge) teardown(status session.Status, transcriptStatus string) {
	b.cfg.Telephony.Close()
	if b.sess.ConversationID != "" {
		b.cfg.Registry.End(b.sess.ConversationID, status)
	}
	if b.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.recorder.Finalize(ctx, transcriptStatus)
	}
}
