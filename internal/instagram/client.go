// Package instagram implements the story publish target against the
// Instagram web API: login (password + optional second factor), session
// persistence across restarts, and story submission for photo and video.
package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/publish"
	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/store"
)

const (
	defaultBaseURL   = "https://www.instagram.com"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	// A user-supplied 2FA code is only trusted for a short window.
	pendingCodeTTL = 5 * time.Minute
)

var ErrChallengeRequired = errors.New("two-factor code required")

type Config struct {
	Username    string
	Password    string
	TOTPSecret  string // optional; generates codes without user involvement
	SessionFile string
	BaseURL     string // tests override this
}

// Client is the publish.Target implementation. It is not safe for
// concurrent use on its own; the Publisher's session lock serializes all
// callers.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger

	base      string
	csrfToken string
	userID    int64
	validated bool

	// pending second-factor code handed over from the chat layer.
	codeMu    sync.Mutex
	code      string
	codeSetAt time.Time
}

func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Username) == "" || strings.TrimSpace(cfg.Password) == "" {
		return nil, errors.New("instagram: username and password are required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Jar: jar, Timeout: 60 * time.Second},
		log:  log,
		base: base,
	}
	if err := c.loadSession(); err != nil {
		log.Warn().Err(err).Msg("stored session not loaded, fresh login required")
	}
	return c, nil
}

// SetVerificationCode stores a user-supplied second-factor code for the
// next login attempt. Codes expire after a short window.
func (c *Client) SetVerificationCode(code string) {
	c.codeMu.Lock()
	c.code = strings.TrimSpace(code)
	c.codeSetAt = time.Now()
	c.codeMu.Unlock()
}

func (c *Client) takeVerificationCode() string {
	c.codeMu.Lock()
	defer c.codeMu.Unlock()
	if c.code == "" || time.Since(c.codeSetAt) > pendingCodeTTL {
		c.code = ""
		return ""
	}
	code := c.code
	c.code = ""
	return code
}

// LoggedIn reports whether a session is currently established.
func (c *Client) LoggedIn() bool { return c.userID != 0 }

// EnsureSession loads, validates or (re)establishes the login session.
func (c *Client) EnsureSession(ctx context.Context) error {
	if c.userID != 0 {
		if c.validated {
			return nil
		}
		if err := c.validateSession(ctx); err == nil {
			c.validated = true
			return nil
		}
		c.log.Warn().Msg("stored session expired, logging in again")
		c.userID = 0
	}
	return c.Login(ctx)
}

// Login authenticates with password plus, when challenged, a second
// factor taken from the TOTP secret or a code supplied via
// SetVerificationCode. A challenge with no code available surfaces as an
// auth-challenge failure so the owner can be asked for one.
func (c *Client) Login(ctx context.Context) error {
	if err := c.fetchCSRF(ctx); err != nil {
		return publish.Fail(store.FailTransient, fmt.Errorf("csrf: %w", err))
	}

	resp, err := c.postLogin(ctx)
	if err != nil {
		return err
	}
	if resp.Authenticated {
		return c.finishLogin(resp)
	}
	if !resp.TwoFactorRequired {
		return publish.Fail(store.FailAuthRejected, errors.New("login rejected: bad credentials"))
	}

	code := c.totpCode()
	if code == "" {
		code = c.takeVerificationCode()
	}
	if code == "" {
		return publish.Fail(store.FailAuthChallenge, ErrChallengeRequired)
	}

	resp, err = c.postTwoFactor(ctx, resp.TwoFactorIdentifier, code)
	if err != nil {
		return err
	}
	if !resp.Authenticated {
		return publish.Fail(store.FailAuthRejected, errors.New("two-factor code rejected"))
	}
	return c.finishLogin(resp)
}

func (c *Client) finishLogin(resp *loginResponse) error {
	c.userID = resp.UserID
	c.validated = true
	if err := c.saveSession(); err != nil {
		c.log.Warn().Err(err).Msg("session not persisted")
	}
	c.log.Info().Int64("user_id", c.userID).Msg("instagram login ok")
	return nil
}

// PublishStory uploads the media file and attaches it to the story feed
// with the requested audience.
func (c *Client) PublishStory(ctx context.Context, path string, kind store.MediaKind, audience store.Audience) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", publish.Fail(store.FailPermanent, fmt.Errorf("open media: %w", err))
	}
	defer f.Close()

	uploadID := uuid.NewString()
	if err := c.upload(ctx, uploadID, f, kind); err != nil {
		return "", err
	}
	return c.configureStory(ctx, uploadID, kind, audience)
}

type loginResponse struct {
	Authenticated       bool   `json:"authenticated"`
	UserID              int64  `json:"userId,string"`
	TwoFactorRequired   bool   `json:"two_factor_required"`
	TwoFactorIdentifier string `json:"two_factor_identifier"`
	Message             string `json:"message"`
	Status              string `json:"status"`
}

func (c *Client) fetchCSRF(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/accounts/login/", nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	for _, ck := range c.http.Jar.Cookies(mustParse(c.base)) {
		if ck.Name == "csrftoken" {
			c.csrfToken = ck.Value
		}
	}
	if c.csrfToken == "" {
		return errors.New("no csrftoken cookie in login page response")
	}
	return nil
}

func (c *Client) postLogin(ctx context.Context) (*loginResponse, error) {
	form := url.Values{
		"username":     {c.cfg.Username},
		"enc_password": {fmt.Sprintf("#PWD_INSTAGRAM_BROWSER:0:%d:%s", time.Now().Unix(), c.cfg.Password)},
	}
	return c.postAuthForm(ctx, "/accounts/login/ajax/", form)
}

func (c *Client) postTwoFactor(ctx context.Context, identifier, code string) (*loginResponse, error) {
	form := url.Values{
		"username":         {c.cfg.Username},
		"identifier":       {identifier},
		"verificationCode": {code},
	}
	return c.postAuthForm(ctx, "/accounts/login/ajax/two_factor/", form)
}

func (c *Client) postAuthForm(ctx context.Context, path string, form url.Values) (*loginResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, publish.Fail(store.FailPermanent, err)
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, publish.Fail(store.FailTransient, err)
	}
	defer drain(resp)

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, publish.Fail(store.FailTransient, fmt.Errorf("decode login response: %w", err))
	}
	return &lr, nil
}

func (c *Client) upload(ctx context.Context, uploadID string, media io.Reader, kind store.MediaKind) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("upload_id", uploadID); err != nil {
		return publish.Fail(store.FailPermanent, err)
	}
	field, name := "photo", "story.jpg"
	if kind == store.MediaVideo {
		field, name = "video", "story.mp4"
	}
	part, err := mw.CreateFormFile(field, name)
	if err != nil {
		return publish.Fail(store.FailPermanent, err)
	}
	if _, err := io.Copy(part, media); err != nil {
		return publish.Fail(store.FailTransient, fmt.Errorf("read media: %w", err))
	}
	if err := mw.Close(); err != nil {
		return publish.Fail(store.FailPermanent, err)
	}

	endpoint := "/rupload_igphoto/" + uploadID
	if kind == store.MediaVideo {
		endpoint = "/rupload_igvideo/" + uploadID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+endpoint, &body)
	if err != nil {
		return publish.Fail(store.FailPermanent, err)
	}
	c.decorate(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return publish.Fail(store.FailTransient, err)
	}
	defer drain(resp)
	return checkStatus(resp)
}

func (c *Client) configureStory(ctx context.Context, uploadID string, kind store.MediaKind, audience store.Audience) (string, error) {
	form := url.Values{
		"upload_id": {uploadID},
	}
	if kind == store.MediaVideo {
		form.Set("configure_mode", "story_video")
	} else {
		form.Set("configure_mode", "story_photo")
	}
	if audience == store.AudienceCloseFriends {
		form.Set("audience", "besties")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/media/configure_to_story/", strings.NewReader(form.Encode()))
	if err != nil {
		return "", publish.Fail(store.FailPermanent, err)
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", publish.Fail(store.FailTransient, err)
	}
	defer drain(resp)
	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var out struct {
		Media struct {
			ID string `json:"id"`
		} `json:"media"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// Configure succeeded at the HTTP level; a missing id is not a
		// publish failure, the external id is simply unknown.
		return "", nil
	}
	return out.Media.ID, nil
}

func (c *Client) validateSession(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/accounts/current_user/", nil)
	if err != nil {
		return err
	}
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session check: http %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if c.csrfToken != "" {
		req.Header.Set("X-CSRFToken", c.csrfToken)
	}
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return publish.Fail(store.FailRateLimited, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return publish.Fail(store.FailAuthRejected, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return publish.Fail(store.FailTransient, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return publish.Fail(store.FailPermanent, fmt.Errorf("http %d", resp.StatusCode))
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func (c *Client) totpCode() string {
	if strings.TrimSpace(c.cfg.TOTPSecret) == "" {
		return ""
	}
	code, err := totpNow(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		c.log.Warn().Err(err).Msg("totp generation failed")
		return ""
	}
	return code
}
