package email

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultMailketingBaseURL = "https://api.mailketing.co.id/api/v1"

type MailketingConfig struct {
	APIKey    string
	BaseURL   string
	FromEmail string
	FromName  string
	Timeout   time.Duration
}

// MailketingProvider posts messages to the Mailketing send endpoint.
type MailketingProvider struct {
	cfg    MailketingConfig
	client *http.Client
}

type mailketingResponse struct {
	Status    string `json:"status"`
	Response  string `json:"response"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
}

func NewMailketing(cfg MailketingConfig, client *http.Client) *MailketingProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultMailketingBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &MailketingProvider{cfg: cfg, client: client}
}

func (p *MailketingProvider) Name() string { return "mailketing" }

func (p *MailketingProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	if err := validate(msg); err != nil {
		return SendResult{}, err
	}

	form := url.Values{}
	form.Set("api_token", p.cfg.APIKey)
	form.Set("from_email", firstNonEmpty(msg.FromEmail, p.cfg.FromEmail))
	form.Set("from_name", firstNonEmpty(msg.FromName, p.cfg.FromName))
	form.Set("recipient", msg.To)
	form.Set("subject", msg.Subject)
	form.Set("content", msg.HTML)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/send", strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SendResult{}, err
	}

	var out mailketingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return SendResult{}, fmt.Errorf("mailketing: unexpected response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest || !strings.EqualFold(out.Status, "success") {
		reason := firstNonEmpty(out.Response, out.Message)
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return SendResult{}, fmt.Errorf("mailketing: %s", reason)
	}

	return SendResult{MessageID: firstNonEmpty(out.MessageID, out.ID)}, nil
}
