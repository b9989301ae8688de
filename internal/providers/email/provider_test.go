package email

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/affiliate-automation/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

func TestNoOpProvider(t *testing.T) {
	p := NewNoOp(zap.NewNop())

	res, err := p.Send(context.Background(), Message{To: "lead@example.com", Subject: "Hi", HTML: "<p>x</p>"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.MessageID, "noop-"))

	_, err = p.Send(context.Background(), Message{Subject: "Hi"})
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestSMTPProviderBuildsMessage(t *testing.T) {
	p := NewSMTP(SMTPConfig{Host: "mail.local", Port: 587, FromEmail: "noreply@eksporyuk.com", FromName: "EksporYuk"})

	var sent *gomail.Message
	p.send = func(m *gomail.Message) error {
		sent = m
		return nil
	}

	res, err := p.Send(context.Background(), Message{To: "lead@example.com", ToName: "Lead", Subject: "Welcome", HTML: "<p>hi</p>"})
	require.NoError(t, err)
	require.NotNil(t, sent)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, []string{"Welcome"}, sent.GetHeader("Subject"))
	assert.Contains(t, sent.GetHeader("Message-ID")[0], res.MessageID)
	assert.Contains(t, sent.GetHeader("Message-ID")[0], "@eksporyuk.com>")
}

func TestSMTPProviderPropagatesError(t *testing.T) {
	p := NewSMTP(SMTPConfig{Host: "mail.local", Port: 587})
	p.send = func(*gomail.Message) error { return errors.New("535 authentication failed") }

	_, err := p.Send(context.Background(), Message{To: "lead@example.com"})
	assert.EqualError(t, err, "535 authentication failed")
}

func TestSMTPProviderTimeout(t *testing.T) {
	p := NewSMTP(SMTPConfig{Host: "mail.local", Port: 587, Timeout: 10 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	p.send = func(*gomail.Message) error {
		<-release
		return nil
	}

	_, err := p.Send(context.Background(), Message{To: "lead@example.com"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMailketingProviderSuccess(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/send", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","response":"Mail Sent","message_id":"mk-123"}`))
	}))
	defer srv.Close()

	p := NewMailketing(MailketingConfig{APIKey: "token", BaseURL: srv.URL + "/", FromEmail: "noreply@eksporyuk.com", FromName: "EksporYuk"}, srv.Client())
	res, err := p.Send(context.Background(), Message{To: "lead@example.com", Subject: "Hi", HTML: "<p>body</p>"})
	require.NoError(t, err)
	assert.Equal(t, "mk-123", res.MessageID)

	assert.Equal(t, "token", form.Get("api_token"))
	assert.Equal(t, "lead@example.com", form.Get("recipient"))
	assert.Equal(t, "<p>body</p>", form.Get("content"))
	assert.Equal(t, "EksporYuk", form.Get("from_name"))
}

func TestMailketingProviderFailureKeepsReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"failed","response":"Invalid Token"}`))
	}))
	defer srv.Close()

	p := NewMailketing(MailketingConfig{APIKey: "bad", BaseURL: srv.URL}, srv.Client())
	_, err := p.Send(context.Background(), Message{To: "lead@example.com"})
	assert.EqualError(t, err, "mailketing: Invalid Token")
}

func TestMailketingProviderNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>bad gateway</html>`))
	}))
	defer srv.Close()

	p := NewMailketing(MailketingConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	_, err := p.Send(context.Background(), Message{To: "lead@example.com"})
	assert.EqualError(t, err, "mailketing: unexpected response (status 502)")
}

func TestNewFromConfig(t *testing.T) {
	cases := map[string]string{
		config.EmailProviderSMTP:       "smtp",
		config.EmailProviderMailketing: "mailketing",
		config.EmailProviderNoop:       "noop",
		"":                             "noop",
	}
	for name, want := range cases {
		p := NewFromConfig(config.Config{Email: config.EmailConfig{Provider: name}}, zap.NewNop())
		assert.Equal(t, want, p.Name())
	}
}
