package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quantfold/ibkr-oauth/internal/metrics"
	"github.com/quantfold/ibkr-oauth/internal/types"
)

// SessionState tracks progress through the token exchange.
type SessionState int32

const (
	StateUnauthenticated SessionState = iota
	StateHasRequestToken
	StateHasAccessToken
	StateHasLiveSessionToken
	StateSessionInitialized
)

// String returns a log-friendly state name.
func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateHasRequestToken:
		return "has_request_token"
	case StateHasAccessToken:
		return "has_access_token"
	case StateHasLiveSessionToken:
		return "has_live_session_token"
	case StateSessionInitialized:
		return "session_initialized"
	default:
		return "unknown"
	}
}

// Handshake step names, used in errors and metrics labels.
const (
	StepRequestToken     = "request_token"
	StepAccessToken      = "access_token"
	StepLiveSessionToken = "live_session_token"
	StepSessionInit      = "session_init"
)

// ProtocolError reports a handshake step the server rejected.
type ProtocolError struct {
	Step       string
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Step, e.StatusCode, e.Body)
}

// Is makes ProtocolError match types.ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == types.ErrProtocol
}

// FlowConfig holds the endpoints the flow talks to.
type FlowConfig struct {
	BaseURL        string
	GatewayBaseURL string
}

// Flow drives the ordered token exchange:
//
//	Unauthenticated -> HasRequestToken -> HasAccessToken
//	  -> HasLiveSessionToken -> SessionInitialized
//
// Flow is not safe for concurrent use; Client serializes access to it.
type Flow struct {
	creds  Credentials
	cfg    FlowConfig
	http   *http.Client
	logger *slog.Logger
	rec    *metrics.Recorder

	state SessionState

	requestToken      string
	accessToken       string
	accessTokenSecret string // base64 ciphertext
	lst               string // base64
}

// NewFlow creates a flow for one credential set.
func NewFlow(creds Credentials, cfg FlowConfig, httpClient *http.Client, logger *slog.Logger, rec *metrics.Recorder) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.NewRecorder()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Flow{
		creds:  creds,
		cfg:    cfg,
		http:   httpClient,
		logger: logger,
		rec:    rec,
	}
}

// State returns the current flow state.
func (f *Flow) State() SessionState { return f.state }

// Tokens returns the current token set. The secret stays in its encrypted
// base64 form.
func (f *Flow) Tokens() (accessToken, accessTokenSecret, lst string) {
	return f.accessToken, f.accessTokenSecret, f.lst
}

// SeedAccessToken installs a pre-authorized access token and encrypted
// secret, skipping the request/access token steps.
func (f *Flow) SeedAccessToken(token, secretB64 string) {
	f.accessToken = token
	f.accessTokenSecret = secretB64
	f.lst = ""
	f.state = StateHasAccessToken
}

// SeedLiveSessionToken installs a previously persisted token set. The
// session still needs initialization before use.
func (f *Flow) SeedLiveSessionToken(token, secretB64, lst string) {
	f.accessToken = token
	f.accessTokenSecret = secretB64
	f.lst = lst
	f.state = StateHasLiveSessionToken
}

// ResetToAccessToken drops the live session token, forcing a fresh DH
// exchange on the next authentication attempt.
func (f *Flow) ResetToAccessToken() {
	f.lst = ""
	f.state = StateHasAccessToken
}

// Authenticate runs every outstanding step to reach SessionInitialized.
// When session init reports an invalid token, the LST is re-derived once
// before the failure is surfaced.
func (f *Flow) Authenticate(ctx context.Context) error {
	if f.state < StateHasRequestToken {
		if err := f.RequestToken(ctx); err != nil {
			return err
		}
	}
	if f.state < StateHasAccessToken {
		if err := f.AccessToken(ctx, ""); err != nil {
			return err
		}
	}
	if f.state < StateHasLiveSessionToken {
		if err := f.LiveSessionToken(ctx, "handshake"); err != nil {
			return err
		}
	}

	err := f.InitSession(ctx)
	if err == nil {
		return nil
	}
	if !isSessionExpired(err) {
		return err
	}

	f.logger.Warn("stored live session token rejected, re-deriving")
	if err := f.LiveSessionToken(ctx, "rederive"); err != nil {
		return err
	}
	return f.InitSession(ctx)
}

func isSessionExpired(err error) bool {
	pe, ok := err.(*ProtocolError)
	return ok && pe.StatusCode == http.StatusUnauthorized
}

// RequestToken performs Unauthenticated -> HasRequestToken.
func (f *Flow) RequestToken(ctx context.Context) error {
	url := f.cfg.BaseURL + "/oauth/request_token"
	params := f.oauthParams(map[string]string{
		"oauth_callback": "oob",
	})

	var resp struct {
		OAuthToken string `json:"oauth_token"`
	}
	err := f.postRSA(ctx, StepRequestToken, url, params, "", &resp)
	f.rec.RecordHandshakeStep(StepRequestToken, err == nil)
	if err != nil {
		return err
	}
	if resp.OAuthToken == "" {
		return &ProtocolError{Step: StepRequestToken, StatusCode: http.StatusOK, Body: "no oauth_token in response"}
	}

	f.requestToken = resp.OAuthToken
	f.state = StateHasRequestToken
	f.logger.Info("request token obtained")
	return nil
}

// AccessToken performs HasRequestToken -> HasAccessToken. verifier may be
// empty for the headless flow.
func (f *Flow) AccessToken(ctx context.Context, verifier string) error {
	url := f.cfg.BaseURL + "/oauth/access_token"
	extra := map[string]string{
		"oauth_token": f.requestToken,
	}
	if verifier != "" {
		extra["oauth_verifier"] = verifier
	}
	params := f.oauthParams(extra)

	var resp struct {
		OAuthToken       string `json:"oauth_token"`
		OAuthTokenSecret string `json:"oauth_token_secret"`
	}
	err := f.postRSA(ctx, StepAccessToken, url, params, "", &resp)
	f.rec.RecordHandshakeStep(StepAccessToken, err == nil)
	if err != nil {
		return err
	}
	if resp.OAuthToken == "" || resp.OAuthTokenSecret == "" {
		return &ProtocolError{Step: StepAccessToken, StatusCode: http.StatusOK, Body: "incomplete access token response"}
	}

	f.accessToken = resp.OAuthToken
	f.accessTokenSecret = resp.OAuthTokenSecret
	f.requestToken = ""
	f.state = StateHasAccessToken
	f.logger.Info("access token obtained")
	return nil
}

// LiveSessionToken performs HasAccessToken -> HasLiveSessionToken via the
// Diffie-Hellman exchange. trigger labels the derivation for metrics.
func (f *Flow) LiveSessionToken(ctx context.Context, trigger string) error {
	err := f.liveSessionToken(ctx)
	f.rec.RecordHandshakeStep(StepLiveSessionToken, err == nil)
	if err == nil {
		f.rec.RecordLSTDerivation(trigger)
	}
	return err
}

func (f *Flow) liveSessionToken(ctx context.Context) error {
	dh, err := newDHState(f.creds.DHPrime, f.creds.DHGenerator)
	if err != nil {
		return err
	}

	// The decrypted secret exists only for the duration of this request.
	secret, err := decryptTokenSecret(f.creds.EncryptionKey, f.accessTokenSecret)
	if err != nil {
		return err
	}
	prepend := prependHex(secret)

	url := f.cfg.BaseURL + "/oauth/live_session_token"
	params := f.oauthParams(map[string]string{
		"oauth_token":              f.accessToken,
		"diffie_hellman_challenge": dh.ChallengeHex(),
	})

	var resp struct {
		DHResponse   string `json:"diffie_hellman_response"`
		LSTSignature string `json:"live_session_token_signature"`
	}
	if err := f.postRSA(ctx, StepLiveSessionToken, url, params, prepend, &resp); err != nil {
		return err
	}
	if resp.DHResponse == "" {
		return &ProtocolError{Step: StepLiveSessionToken, StatusCode: http.StatusOK, Body: "no diffie_hellman_response"}
	}

	k, err := dh.sharedSecret(resp.DHResponse, f.creds.DHPrime)
	if err != nil {
		return err
	}

	lst, err := deriveLST(k, f.accessTokenSecret)
	if err != nil {
		return err
	}

	if resp.LSTSignature != "" {
		ok, err := verifyLST(lst, f.creds.ConsumerKey, resp.LSTSignature)
		if err != nil {
			return err
		}
		if !ok {
			// Derivation bug on one side; the token may still work for
			// read-only calls, so surface loudly and continue.
			f.logger.Warn("live session token signature mismatch")
			f.rec.RecordVerificationMismatch()
		}
	}

	f.lst = lst
	f.state = StateHasLiveSessionToken
	f.logger.Info("live session token derived")
	return nil
}

// InitSession performs HasLiveSessionToken -> SessionInitialized. The local
// gateway base is tried first; either surface may be the right one
// depending on deployment. A 401 from either base invalidates the LST and
// resets the flow to HasAccessToken.
func (f *Flow) InitSession(ctx context.Context) error {
	params := map[string]string{
		"publish": "true",
		"compete": "false",
	}

	var lastErr error
	for _, base := range []string{f.cfg.GatewayBaseURL, f.cfg.BaseURL} {
		if base == "" {
			continue
		}
		err := f.postHMAC(ctx, StepSessionInit, base+"/iserver/auth/ssodh/init", params)
		if err == nil {
			f.state = StateSessionInitialized
			f.rec.RecordHandshakeStep(StepSessionInit, true)
			f.rec.RecordSessionState(true)
			f.logger.Info("brokerage session initialized", "base", base)
			return nil
		}
		if isSessionExpired(err) {
			f.ResetToAccessToken()
			f.rec.RecordHandshakeStep(StepSessionInit, false)
			f.rec.RecordSessionState(false)
			return err
		}
		f.logger.Debug("session init failed, trying next base", "base", base, "err", err)
		lastErr = err
	}

	f.rec.RecordHandshakeStep(StepSessionInit, false)
	if lastErr == nil {
		lastErr = &ProtocolError{Step: StepSessionInit, StatusCode: 0, Body: "no session init base configured"}
	}
	return lastErr
}

// oauthParams returns the OAuth parameter set for an RSA-signed bootstrap
// request, merged with extra.
func (f *Flow) oauthParams(extra map[string]string) map[string]string {
	params := map[string]string{
		"oauth_consumer_key":     f.creds.ConsumerKey,
		"oauth_nonce":            Nonce(),
		"oauth_signature_method": SignatureMethodRSA,
		"oauth_timestamp":        strconv.FormatInt(time.Now().Unix(), 10),
	}
	for k, v := range extra {
		params[k] = v
	}
	return params
}

// postRSA signs params with RSA-SHA256 and issues the POST. The signature
// is embedded raw (base64 only) per the bootstrap convention. A non-200
// response becomes a ProtocolError for step.
func (f *Flow) postRSA(ctx context.Context, step, url string, params map[string]string, prepend string, out any) error {
	base := BaseString(http.MethodPost, url, params, prepend)
	sig, err := SignRSASHA256(f.creds.SigningKey, base)
	if err != nil {
		return err
	}

	headerParams := make(map[string]string, len(params)+1)
	for k, v := range params {
		headerParams[k] = v
	}
	headerParams["oauth_signature"] = encodeRawSignature(sig)

	return f.post(ctx, step, url, headerParams, "", out)
}

// postHMAC signs params with the live session token and issues the POST
// with the params as a form body. The signature is percent-encoded into the
// header per the post-handshake convention.
func (f *Flow) postHMAC(ctx context.Context, step, url string, extra map[string]string) error {
	params := map[string]string{
		"oauth_consumer_key":     f.creds.ConsumerKey,
		"oauth_token":            f.accessToken,
		"oauth_nonce":            Nonce(),
		"oauth_signature_method": SignatureMethodHMAC,
		"oauth_timestamp":        strconv.FormatInt(time.Now().Unix(), 10),
		"oauth_version":          "1.0",
	}
	for k, v := range extra {
		params[k] = v
	}

	base := BaseString(http.MethodPost, url, params, "")
	sig, err := SignHMACSHA256(f.lst, base)
	if err != nil {
		return err
	}

	headerParams := make(map[string]string, len(params))
	for k, v := range params {
		if !strings.HasPrefix(k, "oauth_") {
			continue
		}
		headerParams[k] = v
	}
	headerParams["oauth_signature"] = encodeQuotedSignature(sig)

	body := formEncode(extra)
	return f.post(ctx, step, url, headerParams, body, nil)
}

func formEncode(params map[string]string) string {
	var b strings.Builder
	for k, v := range params {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(percentEncode(k))
		b.WriteByte('=')
		b.WriteString(percentEncode(v))
	}
	return b.String()
}

func (f *Flow) post(ctx context.Context, step, url string, headerParams map[string]string, body string, out any) error {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", step, err)
	}
	req.Header.Set("Authorization", authorizationHeader(f.creds.Realm, headerParams))
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return &ProtocolError{Step: step, StatusCode: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProtocolError{Step: step, StatusCode: resp.StatusCode, Body: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return &ProtocolError{Step: step, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &ProtocolError{Step: step, StatusCode: resp.StatusCode, Body: "unparseable response body"}
		}
	}
	return nil
}
