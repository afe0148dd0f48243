package myenergi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpfielding/go-http-digest/pkg/digest"

	"github.com/joshp123/gohome-myenergi/internal/rate"
)

const (
	defaultBaseURL = "https://s18.myenergi.net"
	asnHeader      = "x_myenergi-asn"
	statusCacheTTL = 15 * time.Second
)

var ErrDeviceNotFound = errors.New("device not found")

// HubClient is the vendor API surface for one hub credential.
type HubClient interface {
	StatusAll(ctx context.Context) ([]StatusEnvelope, error)
	ZappiStatus(ctx context.Context, serial string) (ZappiTelemetry, error)
	ZappiStatusAll(ctx context.Context) ([]ZappiTelemetry, error)
	EddiStatus(ctx context.Context, serial string) (EddiTelemetry, error)
	EddiStatusAll(ctx context.Context) ([]EddiTelemetry, error)
	HarviStatus(ctx context.Context, serial string) (HarviTelemetry, error)
	HarviStatusAll(ctx context.Context) ([]HarviTelemetry, error)

	SetZappiChargeMode(ctx context.Context, serial string, mode ZappiMode) error
	SetZappiBoost(ctx context.Context, serial string, boost ZappiBoost) error
	SetZappiGreenLevel(ctx context.Context, serial string, percent int) (int, error)
	SetEddiMode(ctx context.Context, serial string, on bool) error
	SetEddiBoost(ctx context.Context, serial string, heater, minutes int) error

	AppKey(ctx context.Context, key string) ([]KeyValue, error)
	AppKeyFull(ctx context.Context, key string) (AppKeyValues, error)
	SetAppKey(ctx context.Context, key, value string) ([]KeyValue, error)
}

type HTTPStatusError struct {
	Status int
	Body   string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("myenergi api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// CommandError is a command the hub answered with a non-zero status.
type CommandError struct {
	Status int
	Text   string
}

func (e CommandError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("myenergi command failed with status %d", e.Status)
	}
	return fmt.Sprintf("myenergi command failed with status %d: %s", e.Status, e.Text)
}

type ClientConfig struct {
	BaseURL              string
	Username             string
	Password             string
	Timeout              time.Duration
	MaxRequestsPerMinute int
	Clock                clock.Clock
	Transport            http.RoundTripper
}

// Client talks to the myenergi director and the hub's assigned server.
type Client struct {
	httpClient *http.Client

	mu      sync.RWMutex
	baseURL string
}

func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	decl := rate.Provider("myenergi").
		MaxRequestsPerMinute(cfg.MaxRequestsPerMinute).
		CacheFor(statusCacheTTL).
		CacheWhen(isStatusRequest)
	if cfg.Clock != nil {
		decl = decl.WithClock(cfg.Clock)
	}

	return &Client{
		baseURL: baseURL,
		httpClient: rate.WrapHTTP(decl, &http.Client{
			Timeout:   timeout,
			Transport: digest.NewTransport(cfg.Username, cfg.Password, base),
		}),
	}
}

func isStatusRequest(req *http.Request) bool {
	return strings.HasPrefix(req.URL.Path, "/cgi-jstatus-")
}

// BaseURL is the server currently used, after any director redirect.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

func (c *Client) StatusAll(ctx context.Context) ([]StatusEnvelope, error) {
	var resp []StatusEnvelope
	if err := c.getJSON(ctx, "/cgi-jstatus-*", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ZappiStatusAll(ctx context.Context) ([]ZappiTelemetry, error) {
	var resp StatusEnvelope
	if err := c.getJSON(ctx, "/cgi-jstatus-Z", &resp); err != nil {
		return nil, err
	}
	return resp.Zappi, nil
}

func (c *Client) ZappiStatus(ctx context.Context, serial string) (ZappiTelemetry, error) {
	var resp StatusEnvelope
	if err := c.getJSON(ctx, "/cgi-jstatus-Z"+serial, &resp); err != nil {
		return ZappiTelemetry{}, err
	}
	return findRecord(resp.Zappi, serial)
}

func (c *Client) EddiStatusAll(ctx context.Context) ([]EddiTelemetry, error) {
	var resp StatusEnvelope
	if err := c.getJSON(ctx, "/cgi-jstatus-E", &resp); err != nil {
		return nil, err
	}
	return resp.Eddi, nil
}

func (c *Client) EddiStatus(ctx context.Context, serial string) (EddiTelemetry, error) {
	var resp StatusEnvelope
	if err := c.getJSON(ctx, "/cgi-jstatus-E"+serial, &resp); err != nil {
		return EddiTelemetry{}, err
	}
	return findRecord(resp.Eddi, serial)
}

func (c *Client) HarviStatusAll(ctx context.Context) ([]HarviTelemetry, error) {
	var resp StatusEnvelope
	if err := c.getJSON(ctx, "/cgi-jstatus-H", &resp); err != nil {
		return nil, err
	}
	return resp.Harvi, nil
}

func (c *Client) HarviStatus(ctx context.Context, serial string) (HarviTelemetry, error) {
	var resp StatusEnvelope
	if err := c.getJSON(ctx, "/cgi-jstatus-H"+serial, &resp); err != nil {
		return HarviTelemetry{}, err
	}
	return findRecord(resp.Harvi, serial)
}

func findRecord[T interface{ ID() string }](records []T, serial string) (T, error) {
	for _, rec := range records {
		if rec.ID() == serial {
			return rec, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%s: %w", serial, ErrDeviceNotFound)
}

func (c *Client) SetZappiChargeMode(ctx context.Context, serial string, mode ZappiMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid zappi mode %d", mode)
	}
	return c.command(ctx, fmt.Sprintf("/cgi-zappi-mode-Z%s-%d-0-0-0000", serial, mode))
}

func (c *Client) SetZappiBoost(ctx context.Context, serial string, boost ZappiBoost) error {
	var path string
	switch boost.Mode {
	case BoostManual:
		path = fmt.Sprintf("/cgi-zappi-mode-Z%s-0-10-%d-0000", serial, boost.KWh)
	case BoostSmart:
		path = fmt.Sprintf("/cgi-zappi-mode-Z%s-0-11-%d-%s", serial, boost.KWh, NormalizeBoostTime(boost.Time))
	case BoostStop:
		path = fmt.Sprintf("/cgi-zappi-mode-Z%s-0-2-0-0000", serial)
	default:
		return fmt.Errorf("invalid zappi boost mode %q", boost.Mode)
	}
	return c.command(ctx, path)
}

// SetZappiGreenLevel returns the level the hub confirmed.
func (c *Client) SetZappiGreenLevel(ctx context.Context, serial string, percent int) (int, error) {
	if percent < 0 || percent > 100 {
		return 0, fmt.Errorf("green level %d out of range", percent)
	}
	var resp struct {
		MinGreenLevel *int `json:"mgl"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/cgi-set-min-green-Z%s-%d", serial, percent), &resp); err != nil {
		return 0, err
	}
	if resp.MinGreenLevel == nil {
		return 0, fmt.Errorf("green level response missing mgl")
	}
	return *resp.MinGreenLevel, nil
}

func (c *Client) SetEddiMode(ctx context.Context, serial string, on bool) error {
	mode := 0
	if on {
		mode = 1
	}
	return c.command(ctx, fmt.Sprintf("/cgi-eddi-mode-E%s-%d", serial, mode))
}

// SetEddiBoost starts a manual boost on heater for minutes; zero cancels.
func (c *Client) SetEddiBoost(ctx context.Context, serial string, heater, minutes int) error {
	if heater != 1 && heater != 2 {
		return fmt.Errorf("invalid eddi heater %d", heater)
	}
	if minutes < 0 {
		return fmt.Errorf("invalid boost duration %d", minutes)
	}
	if minutes == 0 {
		return c.command(ctx, fmt.Sprintf("/cgi-eddi-boost-E%s-1-%d-0", serial, heater))
	}
	return c.command(ctx, fmt.Sprintf("/cgi-eddi-boost-E%s-10-%d-%d", serial, heater, minutes))
}

func (c *Client) AppKey(ctx context.Context, key string) ([]KeyValue, error) {
	full, err := c.AppKeyFull(ctx, key)
	if err != nil {
		return nil, err
	}
	return full.First(), nil
}

func (c *Client) AppKeyFull(ctx context.Context, key string) (AppKeyValues, error) {
	var resp AppKeyValues
	if err := c.getJSON(ctx, "/cgi-get-app-key-"+url.PathEscape(key), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SetAppKey(ctx context.Context, key, value string) ([]KeyValue, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/cgi-set-app-key-"+url.PathEscape(key)+"="+url.PathEscape(value), &raw); err != nil {
		return nil, err
	}
	return decodeKeyValues(raw)
}

// decodeKeyValues accepts either a bare list or a hub-keyed map.
func decodeKeyValues(raw json.RawMessage) ([]KeyValue, error) {
	var list []KeyValue
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var full AppKeyValues
	if err := json.Unmarshal(raw, &full); err != nil {
		return nil, fmt.Errorf("decode app key response: %w", err)
	}
	return full.First(), nil
}

// First returns the entries of the lowest hub serial.
func (v AppKeyValues) First() []KeyValue {
	var best string
	found := false
	for hub := range v {
		if !found || hub < best {
			best, found = hub, true
		}
	}
	if !found {
		return nil
	}
	return v[best]
}

func (c *Client) command(ctx context.Context, path string) error {
	var resp commandResult
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return err
	}
	if resp.Status != 0 {
		return CommandError{Status: resp.Status, Text: resp.StatusText}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.doRequest(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL()+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	c.followDirector(resp.Header.Get(asnHeader))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, HTTPStatusError{Status: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// followDirector switches to the server the director assigned to the hub.
func (c *Client) followDirector(asn string) {
	asn = strings.TrimSpace(asn)
	if asn == "" || asn == "undefined" {
		return
	}
	next := "https://" + asn
	if strings.Contains(asn, "://") {
		next = strings.TrimRight(asn, "/")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if next != c.baseURL {
		c.baseURL = next
	}
}

// Validate reports whether the credentials can read the hub status.
func Validate(ctx context.Context, client HubClient) error {
	if _, err := client.StatusAll(ctx); err != nil {
		return fmt.Errorf("validate credentials: %w", err)
	}
	return nil
}

func parseSerial(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("serial is required")
	}
	if _, err := strconv.ParseUint(s, 10, 64); err != nil {
		return "", fmt.Errorf("invalid serial %q", s)
	}
	return s, nil
}
