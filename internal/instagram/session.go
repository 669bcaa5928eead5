package instagram

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// sessionState is what survives a restart: the authenticated user plus
// the cookies the web API handed out at login time.
type sessionState struct {
	Username  string          `json:"username"`
	UserID    int64           `json:"user_id"`
	CSRFToken string          `json:"csrf_token"`
	SavedAt   time.Time       `json:"saved_at"`
	Cookies   []sessionCookie `json:"cookies"`
}

type sessionCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain"`
	Path    string    `json:"path"`
	Expires time.Time `json:"expires,omitempty"`
	Secure  bool      `json:"secure"`
}

func (c *Client) saveSession() error {
	if c.cfg.SessionFile == "" {
		return nil
	}
	st := sessionState{
		Username:  c.cfg.Username,
		UserID:    c.userID,
		CSRFToken: c.csrfToken,
		SavedAt:   time.Now(),
	}
	for _, ck := range c.http.Jar.Cookies(mustParse(c.base)) {
		st.Cookies = append(st.Cookies, sessionCookie{
			Name:    ck.Name,
			Value:   ck.Value,
			Domain:  ck.Domain,
			Path:    ck.Path,
			Expires: ck.Expires,
			Secure:  ck.Secure,
		})
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.SessionFile), 0o755); err != nil {
		return err
	}
	// Session cookies grant account access, keep them owner-only.
	return os.WriteFile(c.cfg.SessionFile, data, 0o600)
}

func (c *Client) loadSession() error {
	if c.cfg.SessionFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.cfg.SessionFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var st sessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Username != c.cfg.Username {
		// Stored session belongs to a different account, ignore it.
		return nil
	}
	cookies := make([]*http.Cookie, 0, len(st.Cookies))
	for _, ck := range st.Cookies {
		cookies = append(cookies, &http.Cookie{
			Name:    ck.Name,
			Value:   ck.Value,
			Domain:  ck.Domain,
			Path:    ck.Path,
			Expires: ck.Expires,
			Secure:  ck.Secure,
		})
	}
	c.http.Jar.SetCookies(mustParse(c.base), cookies)
	c.userID = st.UserID
	c.csrfToken = st.CSRFToken
	c.validated = false
	return nil
}
