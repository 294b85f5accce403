// Package redact masks credentials carried in request headers before records
// are displayed or logged.
package redact

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/cordum/reqflow/core/request"
)

const (
	placeholder  = "<redacted>"
	secretPrefix = "secret://"
)

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
}

// IsSensitiveHeader reports whether values of the named header are masked.
func IsSensitiveHeader(name string) bool {
	return sensitiveHeaders[strings.ToLower(strings.TrimSpace(name))]
}

// Headers returns a copy of h with sensitive values and secret references
// masked.
func Headers(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if IsSensitiveHeader(k) || isSecretRef(v) {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// URL masks the password of a URL's user info. Unparseable input is returned
// unchanged.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// Record returns a copy of rec safe to print.
func Record(rec request.Record) request.Record {
	rec.Payload.Headers = Headers(rec.Payload.Headers)
	rec.Payload.URL = URL(rec.Payload.URL)
	if len(rec.Response) > 0 {
		if masked, changed, err := JSON(rec.Response); err == nil && changed {
			rec.Response = masked
		}
	}
	return rec
}

// JSON masks sensitive header keys and secret references anywhere inside a
// JSON document.
func JSON(data []byte) ([]byte, bool, error) {
	if len(data) == 0 {
		return data, false, nil
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return data, false, err
	}
	masked, changed := walk(payload)
	if !changed {
		return data, false, nil
	}
	out, err := json.Marshal(masked)
	return out, true, err
}

func isSecretRef(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), secretPrefix)
}

func walk(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		if isSecretRef(v) {
			return placeholder, true
		}
		return v, false
	case map[string]any:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			if IsSensitiveHeader(k) {
				if _, isStr := child.(string); isStr {
					out[k] = placeholder
					changed = true
					continue
				}
			}
			masked, childChanged := walk(child)
			changed = changed || childChanged
			out[k] = masked
		}
		return out, changed
	case []any:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			masked, childChanged := walk(child)
			changed = changed || childChanged
			out[i] = masked
		}
		return out, changed
	default:
		return v, false
	}
}
