package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

var forbiddenAttributeKeys = map[attribute.Key]struct{}{
	"email":       {},
	"phone":       {},
	"whatsapp":    {},
	"name":        {},
	"body":        {},
	"subject":     {},
	"api_key":     {},
	"password":    {},
	"credit_card": {},
}

// SafeAttributes drops attributes that may carry subject PII or secrets.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		key := attribute.Key(strings.ToLower(string(attr.Key)))
		if _, blocked := forbiddenAttributeKeys[key]; blocked {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError keeps only the error text, truncated, so wrapped payloads don't leak into spans.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if idx := strings.Index(msg, "@"); idx >= 0 {
		msg = "redacted error"
	}
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return errors.New(msg)
}
