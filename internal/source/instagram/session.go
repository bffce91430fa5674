package instagram

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// session is the cookie set that keeps us logged in between runs.
type session struct {
	Cookies map[string]string `json:"cookies"`
	SavedAt time.Time         `json:"saved_at"`
}

func newSession() *session {
	return &session{Cookies: make(map[string]string)}
}

func loadSession(path string) (*session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	sess := newSession()
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	if sess.Cookies == nil {
		sess.Cookies = make(map[string]string)
	}
	return sess, nil
}

// save writes the session atomically with owner-only permissions.
func (s *session) save(path string) error {
	s.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (s *session) authenticated() bool {
	return s.Cookies["sessionid"] != ""
}

func (s *session) csrfToken() string {
	return s.Cookies["csrftoken"]
}

// apply sets the Cookie header on req.
func (s *session) apply(req *http.Request) {
	if len(s.Cookies) == 0 {
		return
	}
	names := make([]string, 0, len(s.Cookies))
	for name := range s.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+s.Cookies[name])
	}
	req.Header.Set("Cookie", strings.Join(pairs, "; "))
}

// absorb records cookies set by a response. Expired cookies are dropped.
func (s *session) absorb(resp *http.Response) {
	for _, c := range resp.Cookies() {
		if c.MaxAge < 0 || c.Value == "" || c.Value == "\"\"" {
			delete(s.Cookies, c.Name)
			continue
		}
		s.Cookies[c.Name] = c.Value
	}
}
