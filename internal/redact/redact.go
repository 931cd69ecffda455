// Package redact strips credentials out of error text before it reaches logs
// or chat replies. Telegram Bot API URLs embed the bot token in the path.
package redact

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

const placeholder = "[redacted]"

var (
	urlInTextRE  = regexp.MustCompile(`https?://[^\s"'<>]+`)
	botTokenRE   = regexp.MustCompile(`/bot\d+:[A-Za-z0-9_-]+`)
	bareTokenRE  = regexp.MustCompile(`\b\d{5,}:[A-Za-z0-9_-]{30,}\b`)
	sensitiveKey = []string{"apikey", "authorization", "token", "secret", "password", "cookie"}
)

// Text removes URL hosts, bot tokens and secret query values from raw.
func Text(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	out := urlInTextRE.ReplaceAllStringFunc(raw, urlPath)
	out = botTokenRE.ReplaceAllString(out, "/bot"+placeholder)
	return bareTokenRE.ReplaceAllString(out, placeholder)
}

// Error wraps err so that Error() is redacted while errors.Is and errors.As
// still see the original chain.
func Error(err error) error {
	if err == nil {
		return nil
	}
	var r *redactedError
	if errors.As(err, &r) && r == err {
		return err
	}
	return &redactedError{err: err, text: Text(err.Error())}
}

type redactedError struct {
	err  error
	text string
}

func (e *redactedError) Error() string { return e.text }
func (e *redactedError) Unwrap() error { return e.err }

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || strings.TrimSpace(u.Scheme) == "" || strings.TrimSpace(u.Host) == "" {
		return raw
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if q := redactQuery(u.Query()); q != "" {
		path += "?" + q
	}
	return path
}

func redactQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	for k := range q {
		if isSensitiveKey(k) {
			q.Set(k, placeholder)
		}
	}
	return q.Encode()
}

func isSensitiveKey(key string) bool {
	n := strings.ToLower(strings.TrimSpace(key))
	n = strings.NewReplacer("-", "", "_", "").Replace(n)
	if n == "" {
		return false
	}
	if n == "key" {
		return true
	}
	for _, s := range sensitiveKey {
		if strings.Contains(n, s) {
			return true
		}
	}
	return false
}
