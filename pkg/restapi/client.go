// Package restapi is a signed client for the administrative REST API and the
// ownership checks built on it.
package restapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/morezero/service-gateway/pkg/commsutil"
)

const logPrefix = "restapi:client"

// Signature headers attached to every request.
const (
	HeaderTimestamp = "st-api-timestamp"
	HeaderKey       = "st-api-key"
	HeaderSign      = "st-api-sign"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d", e.Method, e.Path, e.Code)
}

// Owner is the part of a resource the ownership checks need.
type Owner struct {
	UserID commsutil.ID `json:"user_id"`
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	APISecret   string
	Timeout     time.Duration
	InsecureTLS bool
	// HTTPClient overrides the client built from Timeout and InsecureTLS.
	HTTPClient *http.Client
}

// Client calls the REST API with HMAC-SHA512 signed requests.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  []byte
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
		if opts.InsecureTLS {
			httpClient.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // internal API with self-signed certs
			}
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		apiSecret:  []byte(opts.APISecret),
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Sign returns base64(HMAC-SHA512(secret, timestamp + lower(method) + path + body)).
func (c *Client) Sign(timestamp int64, method, path string, body []byte) string {
	mac := hmac.New(sha512.New, c.apiSecret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(strings.ToLower(method)))
	mac.Write([]byte(path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// GetBot returns the owner of a bot (strategy).
func (c *Client) GetBot(ctx context.Context, botID string) (*Owner, error) {
	return c.getOwner(ctx, "/admin/trading/bots/"+url.PathEscape(botID))
}

// GetIndicator returns the owner of an indicator.
func (c *Client) GetIndicator(ctx context.Context, indicatorID string) (*Owner, error) {
	return c.getOwner(ctx, "/admin/trading/indicators/"+url.PathEscape(indicatorID))
}

// GetBotSession returns the owner of a bot session.
func (c *Client) GetBotSession(ctx context.Context, botID, sessionID string) (*Owner, error) {
	return c.getOwner(ctx, "/admin/trading/bots/"+url.PathEscape(botID)+"/sessions/"+url.PathEscape(sessionID))
}

// GetExchangeAccount returns the owner of an exchange account.
func (c *Client) GetExchangeAccount(ctx context.Context, accountID string) (*Owner, error) {
	return c.getOwner(ctx, "/admin/trading/exchange-accounts/"+url.PathEscape(accountID))
}

func (c *Client) getOwner(ctx context.Context, path string) (*Owner, error) {
	var owner Owner
	if err := c.Do(ctx, http.MethodGet, path, nil, &owner); err != nil {
		return nil, err
	}
	return &owner, nil
}

// Do sends a signed request. A nil body sends no payload; out, when set,
// receives the decoded JSON response.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s - failed to encode body: %w", logPrefix, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s - failed to build request: %w", logPrefix, err)
	}
	ts := c.now().Unix()
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderKey, c.apiKey)
	req.Header.Set(HeaderSign, c.Sign(ts, method, path, payload))
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s - %s %s failed: %w", logPrefix, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	}
	zap.S().Debugf("%s - %s %s -> %d", logPrefix, method, path, resp.StatusCode)

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s - failed to decode %s response: %w", logPrefix, path, err)
	}
	return nil
}
