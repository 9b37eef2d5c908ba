package handlers

import (
	"encoding/xml"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andino-labs/callbridge/pkg/agent"
	"github.com/andino-labs/callbridge/pkg/session"
)

const failureTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Say>We're sorry, but we're experiencing technical difficulties. Please try again later.</Say>
    <Hangup/>
</Response>`

type twimlSay struct {
	Language string `xml:"language,attr,omitempty"`
	Text     string `xml:",chardata"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

// WebhookHandler answers the carrier's inbound-call webhook with call
// instructions that route the call's media stream back to this gateway.
type WebhookHandler struct {
	Directory *agent.Directory
	Registry  *session.Registry
	// StreamURL is the externally reachable media-stream socket URL.
	StreamURL string
	Logger    *slog.Logger
}

func (h WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.failure(w, "malformed webhook form", err)
		return
	}

	callSid := strings.TrimSpace(r.PostFormValue("CallSid"))
	from := strings.TrimSpace(r.PostFormValue("From"))
	if callSid == "" || from == "" {
		h.failure(w, "webhook missing CallSid or From", nil)
		return
	}

	region := regionForNumber(from)
	profile := h.Directory.Resolve(region)
	sess, err := h.Registry.Create(from, region, "", map[string]string{
		"call_sid": callSid,
		"called":   strings.TrimSpace(r.PostFormValue("To")),
	})
	if err != nil {
		h.failure(w, "session create failed", err)
		return
	}

	if h.Logger != nil {
		h.Logger.Info("inbound call",
			"call_sid", callSid,
			"caller", from,
			"conversation_id", sess.ConversationID,
			"agent_id", sess.AgentID)
	}

	writeTwiML(w, twimlResponse{
		Say: &twimlSay{
			Language: profile.Language,
			Text:     "Connecting you to our assistant. Please wait a moment.",
		},
		Connect: &twimlConnect{Stream: twimlStream{
			URL: h.StreamURL,
			Parameters: []twimlParameter{
				{Name: "callSid", Value: callSid},
				{Name: "conversationId", Value: sess.ConversationID},
			},
		}},
	})
}

func (h WebhookHandler) failure(w http.ResponseWriter, reason string, err error) {
	if h.Logger != nil {
		h.Logger.Error("inbound call rejected", "reason", reason, "error", err)
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(failureTwiML))
}

func writeTwiML(w http.ResponseWriter, resp twimlResponse) {
	body, err := xml.MarshalIndent(resp, "", "    ")
	if err != nil {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(failureTwiML))
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header + string(body)))
}

// regionForNumber maps a caller number to a region code. Short test numbers
// route to fixed regions; otherwise the international prefix decides.
func regionForNumber(phone string) string {
	clean := strings.NewReplacer(" ", "", "-", "").Replace(phone)

	switch clean {
	case "111":
		return "AR"
	case "444":
		return "AR_CBA"
	case "222":
		return "MX"
	case "333":
		return "CO"
	case "555":
		return "MENDOCINO"
	}

	switch {
	case strings.HasPrefix(clean, "+54"), strings.HasPrefix(clean, "54"):
		return "AR"
	case strings.HasPrefix(clean, "+52"), strings.HasPrefix(clean, "52"):
		return "MX"
	case strings.HasPrefix(clean, "+57"), strings.HasPrefix(clean, "57"):
		return "CO"
	}
	return agent.DefaultRegion
}
