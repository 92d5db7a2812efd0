package twitter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Session is a logged-in browser session, as cookie name to value.
type Session map[string]string

// exportedCookie is one entry of a browser extension cookie export.
type exportedCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
}

// LoadSession reads a session file written by cmd/cookies or exported
// directly from a browser.
func LoadSession(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return ParseSession(data)
}

// ParseSession accepts either a flat {"name": "value"} object or a browser
// export list [{"name": ..., "value": ...}]. The auth_token cookie is
// required.
func ParseSession(data []byte) (Session, error) {
	trimmed := strings.TrimSpace(string(data))

	var session Session
	if strings.HasPrefix(trimmed, "[") {
		var cookies []exportedCookie
		if err := json.Unmarshal(data, &cookies); err != nil {
			return nil, fmt.Errorf("parse cookie list: %w", err)
		}
		session = make(Session, len(cookies))
		for _, c := range cookies {
			if c.Name == "" {
				continue
			}
			session[c.Name] = c.Value
		}
	} else if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}

	if session["auth_token"] == "" {
		return nil, errors.New("session has no auth_token cookie")
	}
	return session, nil
}

// CSRFToken returns the ct0 cookie, sent back as the x-csrf-token header.
func (s Session) CSRFToken() string {
	return s["ct0"]
}

// CookieHeader renders the session as a Cookie header value with names in a
// stable order.
func (s Session) CookieHeader() string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+s[name])
	}
	return strings.Join(parts, "; ")
}
