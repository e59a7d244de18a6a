package protect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-protect-backup/internal/logging"
)

const (
	eventPageLimit  = 500
	cameraCacheSize = 256
	cameraCacheTTL  = 6 * time.Hour

	loginPath     = "/api/auth/login"
	bootstrapPath = "/proxy/protect/api/bootstrap"
	eventsPath    = "/proxy/protect/api/events"
	exportPath    = "/proxy/protect/api/video/export"
	preparePath   = "/proxy/protect/api/video/prepare"
	downloadPath  = "/proxy/protect/api/video/download"

	csrfHeader = "X-CSRF-Token"
	// Sessions are refreshed this long before the token expires.
	sessionSlack = time.Minute
)

var (
	// ErrClipNotReady means the NVR has not finished writing the clip yet.
	ErrClipNotReady = errors.New("clip not ready")
	// ErrClipNotFound means the NVR no longer has footage for the event.
	ErrClipNotFound = errors.New("clip not found")
	// ErrCameraNotFound means the camera is not in the bootstrap inventory.
	ErrCameraNotFound = errors.New("camera not found")
)

// StatusError is an unexpected HTTP status from the NVR.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nvr returned %d: %s", e.Status, e.Body)
}

// Config for a Client. Log defaults to slog.Default.
type Config struct {
	Address   string
	Port      int
	Username  string
	Password  string
	VerifySSL bool
	Log       *slog.Logger
}

type cameraEntry struct {
	camera   Camera
	storedAt time.Time
}

// Client is a UniFi Protect API session. It re-authenticates ahead of
// token expiry and is safe for concurrent use.
type Client struct {
	cfg    Config
	base   *url.URL
	httpc  *http.Client
	dialer *websocket.Dialer
	log    *slog.Logger

	mu           sync.Mutex
	csrf         string
	tokenExpiry  time.Time
	loc          *time.Location
	lastUpdateID string
	nvr          NVR

	cameras *lru.Cache[string, cameraEntry]
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(fmt.Sprintf("https://%s:%d", cfg.Address, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("nvr address: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{InsecureSkipVerify: !cfg.VerifySSL}
	transport := &http.Transport{
		TLSClientConfig:       tlsConf,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	cameras, err := lru.New[string, cameraEntry](cameraCacheSize)
	if err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:   cfg,
		base:  base,
		httpc: &http.Client{Jar: jar, Transport: transport},
		dialer: &websocket.Dialer{
			TLSClientConfig:  tlsConf,
			Jar:              jar,
			HandshakeTimeout: 15 * time.Second,
		},
		log:     log.With("component", "protect"),
		loc:     time.UTC,
		cameras: cameras,
	}, nil
}

// Login establishes a session. It is called automatically when the current
// token is absent or close to expiry, and once more on a 401.
func (c *Client) Login(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// UniFi OS hands out the CSRF token on any page load.
	if req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+"/", nil); err == nil {
		if resp, err := c.httpc.Do(req); err == nil {
			if tok := resp.Header.Get(csrfHeader); tok != "" {
				c.mu.Lock()
				c.csrf = tok
				c.mu.Unlock()
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}

	body, err := json.Marshal(map[string]interface{}{
		"username":   c.cfg.Username,
		"password":   c.cfg.Password,
		"rememberMe": true,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+loginPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	if c.csrf != "" {
		req.Header.Set(csrfHeader, c.csrf)
	}
	c.mu.Unlock()

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("login: %w", &StatusError{Status: resp.StatusCode, Body: string(b)})
	}
	io.Copy(io.Discard, resp.Body)

	c.mu.Lock()
	defer c.mu.Unlock()
	if tok := resp.Header.Get(csrfHeader); tok != "" {
		c.csrf = tok
	}
	c.tokenExpiry = time.Time{}
	for _, cookie := range c.httpc.Jar.Cookies(c.base) {
		if cookie.Name != "TOKEN" {
			continue
		}
		if exp := tokenExpiry(cookie.Value); !exp.IsZero() {
			c.tokenExpiry = exp
		}
	}
	c.log.Debug("logged in", "token_expiry", c.tokenExpiry)
	return nil
}

// tokenExpiry extracts the exp claim without verifying the signature; the
// client only needs to know when to refresh.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	fresh := !c.tokenExpiry.IsZero() && time.Until(c.tokenExpiry) > sessionSlack
	c.mu.Unlock()
	if fresh {
		return nil
	}
	return c.Login(ctx)
}

// do performs an authenticated request, retrying once through a fresh
// login on 401.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		u := *c.base
		u.Path = path
		u.RawQuery = query.Encode()
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.mu.Lock()
		if c.csrf != "" {
			req.Header.Set(csrfHeader, c.csrf)
		}
		c.mu.Unlock()

		start := time.Now()
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		c.log.Log(ctx, logging.LevelExtraDebug, "nvr request", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if err := c.Login(ctx); err != nil {
				return nil, err
			}
			continue
		}
		return resp, nil
	}
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: string(b)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Bootstrap fetches the application state and refreshes the camera cache,
// NVR timezone and websocket cursor.
func (c *Client) Bootstrap(ctx context.Context) (*Bootstrap, error) {
	var bs Bootstrap
	if err := c.getJSON(ctx, bootstrapPath, nil, &bs); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	loc := time.UTC
	if bs.NVR.Timezone != "" {
		parsed, err := time.LoadLocation(bs.NVR.Timezone)
		if err != nil {
			c.log.Warn("unknown NVR timezone, using UTC", "timezone", bs.NVR.Timezone)
		} else {
			loc = parsed
		}
	}

	c.mu.Lock()
	c.loc = loc
	c.lastUpdateID = bs.LastUpdateID
	c.nvr = bs.NVR
	c.mu.Unlock()

	now := time.Now()
	for _, cam := range bs.Cameras {
		c.cameras.Add(cam.ID, cameraEntry{camera: cam, storedAt: now})
	}
	return &bs, nil
}

// Camera resolves a camera by id, refreshing the bootstrap once on a cache
// miss so cameras adopted after startup are still found.
func (c *Client) Camera(ctx context.Context, id string) (Camera, error) {
	if entry, ok := c.cameras.Get(id); ok {
		if time.Since(entry.storedAt) < cameraCacheTTL {
			return entry.camera, nil
		}
		c.cameras.Remove(id)
	}
	if _, err := c.Bootstrap(ctx); err != nil {
		return Camera{}, err
	}
	if entry, ok := c.cameras.Get(id); ok {
		return entry.camera, nil
	}
	return Camera{}, fmt.Errorf("camera %s: %w", id, ErrCameraNotFound)
}

// Location returns the NVR's timezone, UTC until the first bootstrap.
func (c *Client) Location() *time.Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loc
}

// Info returns the NVR record from the last bootstrap.
func (c *Client) Info() NVR {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nvr
}

// ListEvents returns all events overlapping [start, end], oldest first,
// paging through the NVR's 500-event response limit.
func (c *Client) ListEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	var all []Event
	seen := map[string]bool{}
	cursor := start
	for {
		q := url.Values{
			"start":          {ms(cursor)},
			"end":            {ms(end)},
			"limit":          {strconv.Itoa(eventPageLimit)},
			"orderDirection": {"ASC"},
		}
		var page []Event
		pageCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err := c.getJSON(pageCtx, eventsPath, q, &page)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		for _, ev := range page {
			if !seen[ev.ID] {
				seen[ev.ID] = true
				all = append(all, ev)
			}
		}
		if len(page) < eventPageLimit {
			return all, nil
		}
		// Resume from the newest event of the page. The page is re-entered
		// at that timestamp, the seen filter drops the overlap.
		next := page[len(page)-1].Start.Time
		if !next.After(cursor) {
			next = cursor.Add(time.Millisecond)
		}
		cursor = next
	}
}

// Export streams the clip for a finished event. The caller must close the
// returned reader. Size is -1 when the NVR does not announce a length.
func (c *Client) Export(ctx context.Context, ev Event) (io.ReadCloser, int64, error) {
	q := url.Values{
		"camera":  {ev.CameraID},
		"channel": {"0"},
		"start":   {ms(ev.Start.Time)},
		"end":     {ms(ev.End.Time)},
	}
	resp, err := c.do(ctx, http.MethodGet, exportPath, q, nil)
	if err != nil {
		return nil, 0, err
	}
	if err := exportStatus(resp); err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

// ExportPrepared uses the two-step prepare/download endpoints. The NVR
// transcodes the clip server-side first, which tolerates long events
// better than the plain export.
func (c *Client) ExportPrepared(ctx context.Context, ev Event) (io.ReadCloser, int64, error) {
	body, err := json.Marshal(map[string]interface{}{
		"camera": ev.CameraID,
		"start":  ev.Start.UnixMilli(),
		"end":    ev.End.UnixMilli(),
	})
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.do(ctx, http.MethodPost, preparePath, nil, body)
	if err != nil {
		return nil, 0, err
	}
	if err := exportStatus(resp); err != nil {
		return nil, 0, err
	}
	var prepared struct {
		FileName string `json:"fileName"`
	}
	err = json.NewDecoder(resp.Body).Decode(&prepared)
	resp.Body.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("prepare: %w", err)
	}
	if prepared.FileName == "" {
		return nil, 0, fmt.Errorf("prepare: %w", ErrClipNotReady)
	}

	dl, err := c.do(ctx, http.MethodGet, downloadPath, url.Values{"filename": {prepared.FileName}}, nil)
	if err != nil {
		return nil, 0, err
	}
	if err := exportStatus(dl); err != nil {
		return nil, 0, err
	}
	return dl.Body, dl.ContentLength, nil
}

// exportStatus maps clip endpoint statuses onto the retryable error
// taxonomy. It consumes and closes the body on failure.
func exportStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		drain(resp)
		return ErrClipNotReady
	case http.StatusNotFound:
		drain(resp)
		return ErrClipNotFound
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return &StatusError{Status: resp.StatusCode, Body: string(b)}
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
