package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantfold/ibkr-oauth/internal/config"
	"github.com/quantfold/ibkr-oauth/internal/metrics"
	"github.com/quantfold/ibkr-oauth/internal/tokenstore"
	"github.com/quantfold/ibkr-oauth/internal/types"
	"golang.org/x/time/rate"
)

// Client is the authenticated façade over the token exchange: it signs
// arbitrary API requests with the live session token and recovers once
// from a 401 by re-deriving the LST. Safe for concurrent use.
type Client struct {
	creds   Credentials
	http    *http.Client
	limiter *rate.Limiter
	store   tokenstore.Store
	logger  *slog.Logger
	rec     *metrics.Recorder
	baseURL string
	seed    config.Session

	// mu guards the flow and the re-derivation generation counter so at
	// most one DH exchange runs at a time.
	mu   sync.Mutex
	flow *Flow
	gen  uint64
}

// NewClient builds a client from loaded credentials and configuration.
// store may be nil to disable persistence.
func NewClient(creds Credentials, cfg *config.Config, store tokenstore.Store, logger *slog.Logger, rec *metrics.Recorder) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.NewRecorder()
	}

	httpClient := &http.Client{Timeout: cfg.Timeout()}
	flow := NewFlow(creds, FlowConfig{
		BaseURL:        cfg.API.BaseURL,
		GatewayBaseURL: cfg.API.GatewayBaseURL,
	}, httpClient, logger, rec)

	return &Client{
		creds:   creds,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.API.RateLimitPerSecond), cfg.API.RateLimitPerSecond),
		store:   store,
		logger:  logger,
		rec:     rec,
		baseURL: cfg.API.BaseURL,
		seed:    cfg.Session,
		flow:    flow,
	}
}

// IsAuthenticated reports whether the brokerage session is initialized.
// False before Authenticate and after an unrecovered session expiry;
// callers can distinguish "not yet authenticated" (this returning false
// with no prior error) from an authentication failure (an error from
// Authenticate or Do).
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flow.State() == StateSessionInitialized
}

// State returns the current session state.
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flow.State()
}

// Authenticate establishes the session: persisted tokens are tried first,
// then the configured pre-authorized access token, then the full flow. On
// success the token set is persisted.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flow.State() == StateSessionInitialized {
		return nil
	}

	if c.store != nil {
		rec, err := c.store.Load(ctx)
		if err != nil {
			c.logger.Warn("token store unreadable, ignoring", "err", err)
		} else if rec != nil && rec.ConsumerKey == c.creds.ConsumerKey && rec.Realm == c.creds.Realm {
			c.flow.SeedLiveSessionToken(rec.AccessToken, rec.AccessTokenSecret, rec.LiveSessionToken)
			c.logger.Info("resuming from persisted token record", "updated_at", rec.UpdatedAt)
		}
	}

	if c.flow.State() < StateHasAccessToken && c.seed.AccessToken != "" {
		c.flow.SeedAccessToken(c.seed.AccessToken, c.seed.AccessTokenSecret)
		c.logger.Info("using pre-authorized access token")
	}

	if err := c.flow.Authenticate(ctx); err != nil {
		return err
	}

	c.persistLocked(ctx)
	c.gen++
	return nil
}

// AuthorizationHeader builds the signed OAuth header for an arbitrary
// request: method, absolute URL (no query string), and the full parameter
// set the request will carry. This is the "give me a signed request"
// capability consumed by collaborators that manage their own transport.
func (c *Client) AuthorizationHeader(method, rawURL string, params map[string]string) (string, error) {
	c.mu.Lock()
	accessToken, _, lst := c.flow.Tokens()
	c.mu.Unlock()

	if lst == "" {
		return "", types.ErrNotAuthenticated
	}

	oauthParams := map[string]string{
		"oauth_consumer_key":     c.creds.ConsumerKey,
		"oauth_token":            accessToken,
		"oauth_nonce":            Nonce(),
		"oauth_timestamp":        strconv.FormatInt(time.Now().Unix(), 10),
		"oauth_signature_method": SignatureMethodHMAC,
		// Optional per OAuth 1.0a, required by this server: omitting it
		// fails signature verification without an explanatory error.
		"oauth_version": "1.0",
	}

	all := make(map[string]string, len(params)+len(oauthParams))
	for k, v := range params {
		all[k] = v
	}
	for k, v := range oauthParams {
		all[k] = v
	}

	base := BaseString(method, rawURL, all, "")
	sig, err := SignHMACSHA256(lst, base)
	if err != nil {
		return "", err
	}

	oauthParams["oauth_signature"] = encodeQuotedSignature(sig)
	return authorizationHeader(c.creds.Realm, oauthParams), nil
}

// Get issues a signed GET to an endpoint path under the API base.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, params)
}

// Do issues a signed request. On a 401 the live session token is re-derived
// exactly once (serialized across callers) and the request retried; a
// second 401 surfaces as types.ErrSessionExpired.
func (c *Client) Do(ctx context.Context, method, path string, params map[string]string) (*http.Response, error) {
	if !c.IsAuthenticated() {
		return nil, types.ErrNotAuthenticated
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	gen := c.generation()

	resp, err := c.send(ctx, method, path, params)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	_ = resp.Body.Close()

	if err := c.rederive(ctx, gen); err != nil {
		return nil, fmt.Errorf("%w: re-derivation failed: %v", types.ErrSessionExpired, err)
	}

	resp, err = c.send(ctx, method, path, params)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s still unauthorized after re-derivation", types.ErrSessionExpired, method, path)
	}
	return resp, nil
}

// send builds, signs, and issues one request.
func (c *Client) send(ctx context.Context, method, path string, params map[string]string) (*http.Response, error) {
	rawURL := c.baseURL + path

	header, err := c.AuthorizationHeader(method, rawURL, params)
	if err != nil {
		return nil, err
	}

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	var req *http.Request
	if method == http.MethodGet || method == http.MethodDelete {
		target := rawURL
		if len(values) > 0 {
			target += "?" + values.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, rawURL, strings.NewReader(values.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", header)

	requestID := uuid.NewString()
	start := time.Now()
	resp, err := c.http.Do(req)
	c.rec.RecordRequestLatency(method, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	c.rec.RecordSignedRequest(method, resp.StatusCode)
	c.logger.Debug("signed request",
		"request_id", requestID,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
	)
	return resp, nil
}

// generation snapshots the re-derivation counter.
func (c *Client) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// rederive runs one LST re-derivation unless another caller already did
// since gen was observed.
func (c *Client) rederive(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		// A concurrent 401 already refreshed the token set.
		return nil
	}

	c.rec.RecordSessionState(false)
	c.logger.Warn("authenticated call returned 401, re-deriving live session token")

	c.flow.ResetToAccessToken()
	if err := c.flow.LiveSessionToken(ctx, "rederive"); err != nil {
		return err
	}
	if err := c.flow.InitSession(ctx); err != nil {
		return err
	}

	c.persistLocked(ctx)
	c.gen++
	return nil
}

// persistLocked writes the current token set. Callers hold c.mu.
func (c *Client) persistLocked(ctx context.Context) {
	if c.store == nil {
		return
	}

	accessToken, secret, lst := c.flow.Tokens()
	err := c.store.Save(ctx, tokenstore.Record{
		AccessToken:       accessToken,
		AccessTokenSecret: secret,
		LiveSessionToken:  lst,
		ConsumerKey:       c.creds.ConsumerKey,
		Realm:             c.creds.Realm,
		UpdatedAt:         time.Now().UTC(),
	})
	c.rec.RecordTokenStoreWrite(err == nil)
	if err != nil {
		// Persistence failure must not kill a working session, but it is
		// never swallowed silently.
		c.logger.Error("failed to persist token record", "err", err)
	}
}
