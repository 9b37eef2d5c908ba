// Package telco wraps the telephony carrier's REST API for outbound dialing
// and SMS. Thin request/response plumbing, no state of its own.
package telco

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andino-labs/callbridge/pkg/core"
)

const defaultBaseURL = "https://api.twilio.com"

// Client talks to the carrier REST API with account-scoped basic auth.
type Client struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	http       *http.Client
	log        *slog.Logger
}

// Config carries carrier credentials. BaseURL and HTTPClient are test hooks.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New validates the credentials and returns a client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, core.NewValidationError("missing required field", "account_sid")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, core.NewValidationError("missing required field", "auth_token")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		accountSID: strings.TrimSpace(cfg.AccountSID),
		authToken:  strings.TrimSpace(cfg.AuthToken),
		fromNumber: strings.TrimSpace(cfg.FromNumber),
		baseURL:    strings.TrimRight(base, "/"),
		http:       hc,
		log:        log,
	}, nil
}

// Message is the carrier's view of one SMS.
type Message struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	To           string `json:"to"`
	From         string `json:"from"`
	Body         string `json:"body"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Call is the carrier's view of one outbound call.
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// SendSMS sends a text message from the configured number.
func (c *Client) SendSMS(ctx context.Context, to, body string) (*Message, error) {
	if strings.TrimSpace(to) == "" {
		return nil, core.NewValidationError("missing required field", "to")
	}
	if strings.TrimSpace(body) == "" {
		return nil, core.NewValidationError("missing required field", "body")
	}
	if c.fromNumber == "" {
		return nil, core.NewValidationError("carrier phone number not configured", "from_number")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.fromNumber)
	form.Set("Body", body)

	var msg Message
	if err := c.post(ctx, "/Messages.json", form, &msg); err != nil {
		return nil, err
	}
	c.log.Info("sms dispatched", "sid", msg.SID, "to", msg.To, "status", msg.Status)
	return &msg, nil
}

// MakeCall dials an outbound call; the carrier fetches call instructions from
// instructionsURL when the callee answers.
func (c *Client) MakeCall(ctx context.Context, to, instructionsURL string) (*Call, error) {
	if strings.TrimSpace(to) == "" {
		return nil, core.NewValidationError("missing required field", "to")
	}
	if strings.TrimSpace(instructionsURL) == "" {
		return nil, core.NewValidationError("missing required field", "url")
	}
	if c.fromNumber == "" {
		return nil, core.NewValidationError("carrier phone number not configured", "from_number")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.fromNumber)
	form.Set("Url", instructionsURL)

	var call Call
	if err := c.post(ctx, "/Calls.json", form, &call); err != nil {
		return nil, err
	}
	c.log.Info("outbound call created", "sid", call.SID, "to", call.To, "status", call.Status)
	return &call, nil
}

// MessageStatus fetches the delivery status of a previously sent SMS.
func (c *Client) MessageStatus(ctx context.Context, messageSID string) (*Message, error) {
	if strings.TrimSpace(messageSID) == "" {
		return nil, core.NewValidationError("missing required field", "message_sid")
	}
	var msg Message
	if err := c.get(ctx, "/Messages/"+url.PathEscape(messageSID)+".json", &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) post(ctx context.Context, resource string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.resourceURL(resource), strings.NewReader(form.Encode()))
	if err != nil {
		return core.NewTransportError(fmt.Sprintf("carrier request: %v", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, resource string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resourceURL(resource), nil)
	if err != nil {
		return core.NewTransportError(fmt.Sprintf("carrier request: %v", err))
	}
	return c.do(req, out)
}

func (c *Client) resourceURL(resource string) string {
	return c.baseURL + "/2010-04-01/Accounts/" + url.PathEscape(c.accountSID) + resource
}

func (c *Client) do(req *http.Request, out any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return core.NewTransportError(fmt.Sprintf("carrier unreachable: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return core.NewTransportError(fmt.Sprintf("carrier response: %v", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.NewAuthorizationError("carrier rejected credentials")
	case resp.StatusCode == http.StatusNotFound:
		return core.NewNotFoundError("carrier resource not found")
	case resp.StatusCode >= 400:
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &apiErr)
		e := core.NewAPIError(fmt.Sprintf("carrier error: status=%d message=%s", resp.StatusCode, apiErr.Message))
		if apiErr.Code != 0 {
			e.Code = fmt.Sprintf("%d", apiErr.Code)
		}
		return e
	}

	if err := json.Unmarshal(body, out); err != nil {
		return core.NewProtocolError(fmt.Sprintf("carrier response decode: %v", err))
	}
	return nil
}
