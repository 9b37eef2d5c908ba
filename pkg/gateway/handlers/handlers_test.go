package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/andino-labs/callbridge/pkg/agent"
	"github.com/andino-labs/callbridge/pkg/core"
	"github.com/andino-labs/callbridge/pkg/gateway/bridges"
	"github.com/andino-labs/callbridge/pkg/session"
	"github.com/andino-labs/callbridge/pkg/transcript"
)

type memRepo struct {
	mu    sync.Mutex
	convs map[string]*transcript.Conversation
}

func newMemRepo() *memRepo {
	return &memRepo{convs: make(map[string]*transcript.Conversation)}
}

func (m *memRepo) Save(ctx context.Context, c *transcript.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.convs[c.ConversationID] = &cp
	return nil
}

func (m *memRepo) FindByID(ctx context.Context, id string) (*transcript.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, core.NewNotFoundError("conversation not found")
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) FindRecent(ctx context.Context, limit int) ([]transcript.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []transcript.Summary
	for _, c := range m.convs {
		out = append(out, c.Summarize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) FindByPhone(ctx context.Context, phone string) ([]transcript.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []transcript.Summary
	for _, c := range m.convs {
		if c.CallerPhone == phone {
			out = append(out, c.Summarize())
		}
	}
	return out, nil
}

func newTestRegistry(t *testing.T) *session.Registry {
	t.Helper()
	return session.NewRegistry(nil, nil, nil)
}

func TestInitiateHandler_CreatesSession(t *testing.T) {
	dir := agent.NewDirectory()
	reg := newTestRegistry(t)
	h := InitiateHandler{Registry: reg}

	body, _ := json.Marshal(map[string]any{
		"callerPhone": "+5491122334455",
		"regionCode":  "mx",
		"callerName":  "Ana",
	})
	req := httptest.NewRequest(http.MethodPost, "/conversations", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp initiateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(resp.SessionID, "conv_") {
		t.Fatalf("sessionId = %q", resp.SessionID)
	}
	mx := dir.Resolve("MX")
	if resp.AgentID != mx.AgentID || resp.AgentName != mx.Name {
		t.Fatalf("agent = %q/%q, want MX profile", resp.AgentID, resp.AgentName)
	}
	if want := "/ws/conversation/" + resp.SessionID; resp.StreamEndpoint != want {
		t.Fatalf("streamEndpoint = %q, want %q", resp.StreamEndpoint, want)
	}

	if _, err := reg.Get(resp.SessionID); err != nil {
		t.Fatalf("session not registered: %v", err)
	}
}

func TestInitiateHandler_UnknownRegionFallsBack(t *testing.T) {
	dir := agent.NewDirectory()
	h := InitiateHandler{Registry: newTestRegistry(t)}

	body := []byte(`{"callerPhone":"+15551234567","regionCode":"ZZ"}`)
	req := httptest.NewRequest(http.MethodPost, "/conversations", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp initiateResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if want := dir.Resolve(agent.DefaultRegion); resp.AgentID != want.AgentID {
		t.Fatalf("agentId = %q, want default %q", resp.AgentID, want.AgentID)
	}
}

func TestInitiateHandler_MissingPhone(t *testing.T) {
	h := InitiateHandler{Registry: newTestRegistry(t)}

	req := httptest.NewRequest(http.MethodPost, "/conversations", strings.NewReader(`{"regionCode":"AR"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var env errorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.Type != core.ErrValidation {
		t.Fatalf("error = %+v, want validation_error", env.Error)
	}
}

func TestConversationHandler_StatusFromRegistry(t *testing.T) {
	reg := newTestRegistry(t)
	sess, err := reg.Create("+5491100000000", "AR", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h := ConversationHandler{Registry: reg, Bridges: bridges.NewTracker()}
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/conversations/"+sess.ConversationID, nil),
		map[string]string{"id": sess.ConversationID})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != string(session.StatusInitialized) {
		t.Fatalf("status = %v", resp["status"])
	}
	if resp["agentName"] != sess.AgentName {
		t.Fatalf("agentName = %v, want %q", resp["agentName"], sess.AgentName)
	}
}

func TestConversationHandler_StatusFallsBackToArchive(t *testing.T) {
	repo := newMemRepo()
	_ = repo.Save(context.Background(), &transcript.Conversation{
		ConversationID: "conv_done",
		AgentName:      "Agente Porteño",
		Language:       "es-AR",
		Status:         "completed",
		StartTime:      time.Now().UTC(),
	})

	h := ConversationHandler{Registry: newTestRegistry(t), Repo: repo, Bridges: bridges.NewTracker()}
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/conversations/conv_done", nil),
		map[string]string{"id": "conv_done"})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "completed" {
		t.Fatalf("status = %v", resp["status"])
	}
}

func TestConversationHandler_UnknownID(t *testing.T) {
	h := ConversationHandler{Registry: newTestRegistry(t), Bridges: bridges.NewTracker()}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		req := mux.SetURLVars(httptest.NewRequest(method, "/conversations/conv_missing", nil),
			map[string]string{"id": "conv_missing"})
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s status=%d body=%q", method, rr.Code, rr.Body.String())
		}
	}
}

func TestConversationHandler_TerminateEndsSession(t *testing.T) {
	reg := newTestRegistry(t)
	sess, _ := reg.Create("+5491100000000", "AR", "", nil)

	h := ConversationHandler{Registry: reg, Bridges: bridges.NewTracker()}
	req := mux.SetURLVars(httptest.NewRequest(http.MethodDelete, "/conversations/"+sess.ConversationID, nil),
		map[string]string{"id": sess.ConversationID})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if _, err := reg.Get(sess.ConversationID); err == nil {
		t.Fatalf("session still registered after terminate")
	}
}

func TestConversationHandler_TerminateCancelsLiveBridge(t *testing.T) {
	tracker := bridges.NewTracker()
	canceled := false
	unregister := tracker.Register("conv_live", func() { canceled = true })
	defer unregister()

	h := ConversationHandler{Registry: newTestRegistry(t), Bridges: tracker}
	req := mux.SetURLVars(httptest.NewRequest(http.MethodDelete, "/conversations/conv_live", nil),
		map[string]string{"id": "conv_live"})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !canceled {
		t.Fatalf("live bridge not canceled")
	}
}

func TestTranscriptHandler(t *testing.T) {
	repo := newMemRepo()
	_ = repo.Save(context.Background(), &transcript.Conversation{
		ConversationID: "conv_t",
		Status:         "completed",
		StartTime:      time.Now().UTC(),
		Entries: []transcript.Entry{
			{Seq: 0, Speaker: transcript.SpeakerCaller, Text: "hola"},
			{Seq: 1, Speaker: transcript.SpeakerAgent, Text: "buenas"},
		},
	})

	h := TranscriptHandler{Repo: repo}
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/conversations/conv_t/transcript", nil),
		map[string]string{"id": "conv_t"})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var conv transcript.Conversation
	if err := json.Unmarshal(rr.Body.Bytes(), &conv); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(conv.Entries) != 2 || conv.Entries[0].Text != "hola" {
		t.Fatalf("entries = %+v", conv.Entries)
	}

	req = mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/conversations/conv_x/transcript", nil),
		map[string]string{"id": "conv_x"})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing transcript status=%d", rr.Code)
	}
}

func TestHistoryHandler_PhoneFilter(t *testing.T) {
	repo := newMemRepo()
	now := time.Now().UTC()
	_ = repo.Save(context.Background(), &transcript.Conversation{
		ConversationID: "conv_a", CallerPhone: "+5411", StartTime: now.Add(-time.Hour), Status: "completed",
	})
	_ = repo.Save(context.Background(), &transcript.Conversation{
		ConversationID: "conv_b", CallerPhone: "+5211", StartTime: now, Status: "completed",
	})

	h := HistoryHandler{Repo: repo}

	req := httptest.NewRequest(http.MethodGet, "/conversations?phone=%2B5411", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp struct {
		Conversations []transcript.Summary `json:"conversations"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Conversations) != 1 || resp.Conversations[0].ConversationID != "conv_a" {
		t.Fatalf("conversations = %+v", resp.Conversations)
	}

	req = httptest.NewRequest(http.MethodGet, "/conversations?limit=zero", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", rr.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	reg := newTestRegistry(t)
	h := HealthHandler{Registry: reg}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestAgentsHandler_OmitsCredentials(t *testing.T) {
	dir := agent.NewDirectory()
	if err := dir.Register("BR", agent.Profile{
		AgentID: "agent_br", Name: "Agente Carioca", Language: "pt-BR", CountryCode: "BR", APIKey: "sk_secret",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	h := AgentsHandler{Directory: dir}
	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "sk_secret") {
		t.Fatalf("credential leaked: %q", rr.Body.String())
	}
	var resp struct {
		DefaultRegion string                   `json:"default_region"`
		Agents        map[string]agent.Profile `json:"agents"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.DefaultRegion != agent.DefaultRegion {
		t.Fatalf("default_region = %q", resp.DefaultRegion)
	}
	if _, ok := resp.Agents["BR"]; !ok {
		t.Fatalf("registered region missing: %v", resp.Agents)
	}
}
