package session

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andino-labs/callbridge/pkg/agent"
	"github.com/andino-labs/callbridge/pkg/core"
)

// Archiver receives a session exactly once when it leaves the registry.
// Implementations must not block for long; End holds no registry lock while
// calling it but the bridge teardown path waits on it.
type Archiver interface {
	Archive(s CallSession)
}

// ArchiverFunc adapts a function to the Archiver interface.
type ArchiverFunc func(s CallSession)

func (f ArchiverFunc) Archive(s CallSession) { f(s) }

// Registry holds every in-flight call session. All methods are safe for
// concurrent use.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*CallSession
	directory *agent.Directory
	archiver  Archiver
	log       *slog.Logger
	now       func() time.Time
}

// NewRegistry creates an empty registry backed by the given agent directory.
// A nil directory falls back to the built-in table; archiver may be nil when
// ended sessions need no handoff (tests, tools).
func NewRegistry(directory *agent.Directory, archiver Archiver, log *slog.Logger) *Registry {
	if directory == nil {
		directory = agent.NewDirectory()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions:  make(map[string]*CallSession),
		directory: directory,
		archiver:  archiver,
		log:       log,
		now:       time.Now,
	}
}

// Create mints a new session for a caller, resolving the agent for the
// region through the directory. Unknown regions fall back to the default
// profile rather than failing. The returned session starts in
// StatusInitialized.
func (r *Registry) Create(callerPhone, regionCode, callerName string, customContext map[string]string) (CallSession, error) {
	if strings.TrimSpace(callerPhone) == "" {
		return CallSession{}, core.NewValidationError("missing required field", "caller_phone")
	}
	profile := r.directory.Resolve(regionCode)

	s := &CallSession{
		ConversationID: "conv_" + randHex(16),
		CallerPhone:    strings.TrimSpace(callerPhone),
		CallerName:     strings.TrimSpace(callerName),
		AgentID:        profile.AgentID,
		AgentName:      profile.Name,
		CountryCode:    profile.CountryCode,
		Language:       profile.Language,
		Status:         StatusInitialized,
		StartTime:      r.now().UTC(),
		CustomContext:  customContext,
	}

	r.mu.Lock()
	r.sessions[s.ConversationID] = s
	r.mu.Unlock()

	r.log.Info("session initialized",
		"conversation_id", s.ConversationID,
		"agent", s.AgentName,
		"country", s.CountryCode)
	return *s, nil
}

// Get returns a copy of the session, or a NotFoundError.
func (r *Registry) Get(conversationID string) (CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conversationID]
	if !ok {
		return CallSession{}, core.NewNotFoundError("session not found")
	}
	return *s, nil
}

// SetStatus advances a session's status. Backward transitions are ignored so
// a late writer cannot resurrect an ended call; unknown statuses are
// rejected. An unknown id is a no-op, not an error: teardown races can leave
// a writer holding an id the registry already retired.
func (r *Registry) SetStatus(conversationID string, status Status) error {
	if !status.valid() {
		return core.NewValidationError("unknown session status", "status")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conversationID]
	if !ok {
		return nil
	}
	if statusRank[status] <= statusRank[s.Status] && status != s.Status {
		r.log.Debug("ignoring stale status transition",
			"conversation_id", conversationID,
			"from", s.Status,
			"to", status)
		return nil
	}
	if s.Status.Terminal() {
		return nil
	}
	s.Status = status
	return nil
}

// End removes the session, marking it with the given terminal status and
// handing it to the archiver. Ending twice, or ending an unknown id, is a
// no-op: teardown paths race by construction and every one of them calls End.
func (r *Registry) End(conversationID string, status Status) {
	if !status.Terminal() {
		status = StatusEnded
	}

	r.mu.Lock()
	s, ok := r.sessions[conversationID]
	if ok {
		delete(r.sessions, conversationID)
		if !s.Status.Terminal() {
			s.Status = status
		}
		s.EndTime = r.now().UTC()
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.log.Info("session ended",
		"conversation_id", conversationID,
		"status", s.Status,
		"duration", s.EndTime.Sub(s.StartTime).Round(time.Millisecond))
	if r.archiver != nil {
		r.archiver.Archive(*s)
	}
}

// Active returns copies of all sessions currently in StatusActive, ordered by
// start time.
func (r *Registry) Active() []CallSession {
	r.mu.Lock()
	out := make([]CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Status == StatusActive {
			out = append(out, *s)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Count returns the number of tracked sessions in any non-terminal status.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
