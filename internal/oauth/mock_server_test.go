package oauth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/quantfold/ibkr-oauth/internal/config"
)

const (
	mockRequestToken = "REQTOKEN001"
	mockAccessToken  = "ACCTOKEN001"
)

// mockIBKR emulates the server side of the handshake: it verifies RSA
// signatures on bootstrap steps, runs its own half of the DH exchange, and
// verifies HMAC signatures on post-handshake calls.
type mockIBKR struct {
	t     *testing.T
	creds Credentials
	srv   *httptest.Server

	secretPlain []byte // decrypted access token secret
	secretB64   string // base64 RSA ciphertext of secretPlain

	mu            sync.Mutex
	lst           string // server-derived live session token
	lstCalls      int
	resourceCalls int
	failLSTAfter  int // fail derivations once lstCalls exceeds this (0 = never)
	remaining401  int // resource calls to reject before succeeding
	init401       int // session init calls to reject before succeeding
	failBootstrap bool
}

func newMockIBKR(t *testing.T) *mockIBKR {
	t.Helper()

	signing, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	encryption, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate encryption key: %v", err)
	}

	p, g := testDHGroup(t)

	secretPlain := make([]byte, 32)
	if _, err := rand.Read(secretPlain); err != nil {
		t.Fatalf("secret: %v", err)
	}
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, &encryption.PublicKey, secretPlain)
	if err != nil {
		t.Fatalf("encrypt secret: %v", err)
	}

	m := &mockIBKR{
		t: t,
		creds: Credentials{
			ConsumerKey:   "TESTCONSUMER",
			Realm:         config.DefaultRealm,
			SigningKey:    signing,
			EncryptionKey: encryption,
			DHPrime:       p,
			DHGenerator:   g,
		},
		secretPlain: secretPlain,
		secretB64:   base64.StdEncoding.EncodeToString(ciphertext),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/oauth/request_token", m.handleRequestToken)
	mux.HandleFunc("/v1/api/oauth/access_token", m.handleAccessToken)
	mux.HandleFunc("/v1/api/oauth/live_session_token", m.handleLiveSessionToken)
	mux.HandleFunc("/v1/api/iserver/auth/ssodh/init", m.handleSessionInit)
	mux.HandleFunc("/v1/api/portfolio/accounts", m.handleAccounts)
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)

	return m
}

func (m *mockIBKR) baseURL() string { return m.srv.URL + "/v1/api" }

// clientConfig returns a config pointing at the mock, with an unreachable
// gateway base so the cloud fallback path is exercised.
func (m *mockIBKR) clientConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Consumer.Key = m.creds.ConsumerKey
	cfg.Consumer.Realm = m.creds.Realm
	cfg.API.BaseURL = m.baseURL()
	cfg.API.GatewayBaseURL = "http://127.0.0.1:1/v1/api"
	cfg.API.TimeoutSec = 5
	cfg.API.RateLimitPerSecond = 100
	return cfg
}

// parseOAuthHeader splits an Authorization header into its parameters,
// dropping the realm.
func parseOAuthHeader(t *testing.T, header string) map[string]string {
	t.Helper()
	if !strings.HasPrefix(header, "OAuth ") {
		t.Fatalf("not an OAuth header: %q", header)
	}
	params := make(map[string]string)
	for _, part := range strings.Split(strings.TrimPrefix(header, "OAuth "), ", ") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			t.Fatalf("bad header part: %q", part)
		}
		v = strings.Trim(v, `"`)
		if k == "realm" {
			continue
		}
		params[k] = v
	}
	return params
}

// verifyRSA checks the RSA-SHA256 signature of a bootstrap request.
func (m *mockIBKR) verifyRSA(r *http.Request, prepend string) map[string]string {
	params := parseOAuthHeader(m.t, r.Header.Get("Authorization"))

	sigB64, ok := params["oauth_signature"]
	if !ok {
		m.t.Error("missing oauth_signature")
		return nil
	}
	delete(params, "oauth_signature")

	if params["oauth_signature_method"] != SignatureMethodRSA {
		m.t.Errorf("bootstrap signature method = %s", params["oauth_signature_method"])
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		m.t.Errorf("bootstrap signature is not raw base64: %v", err)
		return nil
	}

	base := BaseString(r.Method, m.baseURL()+strings.TrimPrefix(r.URL.Path, "/v1/api"), params, prepend)
	digest := sha256.Sum256([]byte(base))
	if err := rsa.VerifyPKCS1v15(&m.creds.SigningKey.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		m.t.Errorf("RSA signature does not verify for %s: %v", r.URL.Path, err)
		return nil
	}
	return params
}

// verifyHMAC checks the HMAC-SHA256 signature of a post-handshake request.
// Query and form parameters are folded into the signed set.
func (m *mockIBKR) verifyHMAC(r *http.Request) bool {
	params := parseOAuthHeader(m.t, r.Header.Get("Authorization"))

	quoted, ok := params["oauth_signature"]
	if !ok {
		m.t.Error("missing oauth_signature")
		return false
	}
	delete(params, "oauth_signature")

	sigB64, err := url.QueryUnescape(quoted)
	if err != nil {
		m.t.Errorf("HMAC signature is not percent-encoded: %v", err)
		return false
	}

	if params["oauth_signature_method"] != SignatureMethodHMAC {
		m.t.Errorf("signature method = %s", params["oauth_signature_method"])
	}
	if params["oauth_version"] != "1.0" {
		m.t.Errorf("oauth_version = %q, want 1.0", params["oauth_version"])
	}

	if err := r.ParseForm(); err != nil {
		m.t.Errorf("parse form: %v", err)
		return false
	}
	for k := range r.Form {
		params[k] = r.Form.Get(k)
	}

	m.mu.Lock()
	lst := m.lst
	m.mu.Unlock()

	base := BaseString(r.Method, m.baseURL()+strings.TrimPrefix(r.URL.Path, "/v1/api"), params, "")
	key, err := base64.StdEncoding.DecodeString(lst)
	if err != nil {
		m.t.Fatalf("server lst is not base64: %v", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(base))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if sigB64 != want {
		m.t.Errorf("HMAC signature mismatch for %s", r.URL.Path)
		return false
	}
	return true
}

func (m *mockIBKR) handleRequestToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	fail := m.failBootstrap
	m.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("maintenance window"))
		return
	}

	params := m.verifyRSA(r, "")
	if params == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if params["oauth_callback"] != "oob" {
		m.t.Errorf("oauth_callback = %q, want oob", params["oauth_callback"])
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"oauth_token": mockRequestToken})
}

func (m *mockIBKR) handleAccessToken(w http.ResponseWriter, r *http.Request) {
	params := m.verifyRSA(r, "")
	if params == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if params["oauth_token"] != mockRequestToken {
		m.t.Errorf("access_token step carried token %q", params["oauth_token"])
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"oauth_token":        mockAccessToken,
		"oauth_token_secret": m.secretB64,
	})
}

// twosComplementBytes mirrors the serialization of the server's big-integer
// library: minimal big-endian bytes with a zero pad when the top bit is set.
// Deliberately written out independently of the client implementation.
func twosComplementBytes(k *big.Int) []byte {
	b := k.Bytes()
	if len(b) == 0 || b[0] >= 0x80 {
		padded := make([]byte, len(b)+1)
		copy(padded[1:], b)
		return padded
	}
	return b
}

func (m *mockIBKR) handleLiveSessionToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.lstCalls++
	fail := m.failLSTAfter > 0 && m.lstCalls > m.failLSTAfter
	m.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("derivation disabled"))
		return
	}

	params := m.verifyRSA(r, hex.EncodeToString(m.secretPlain))
	if params == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	challenge, ok := new(big.Int).SetString(params["diffie_hellman_challenge"], 16)
	if !ok {
		m.t.Errorf("challenge is not hex: %q", params["diffie_hellman_challenge"])
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Server half of the exchange.
	limit := new(big.Int).Lsh(big.NewInt(1), 256)
	b, err := rand.Int(rand.Reader, limit)
	if err != nil {
		m.t.Fatalf("server exponent: %v", err)
	}
	serverPublic := new(big.Int).Exp(m.creds.DHGenerator, b, m.creds.DHPrime)
	k := new(big.Int).Exp(challenge, b, m.creds.DHPrime)

	ciphertext, err := base64.StdEncoding.DecodeString(m.secretB64)
	if err != nil {
		m.t.Fatalf("secret b64: %v", err)
	}
	mac := hmac.New(sha1.New, twosComplementBytes(k))
	mac.Write(ciphertext)
	lst := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	sigMac := hmac.New(sha1.New, mustB64(m.t, lst))
	sigMac.Write([]byte(m.creds.ConsumerKey))
	lstSig := hex.EncodeToString(sigMac.Sum(nil))

	m.mu.Lock()
	m.lst = lst
	m.mu.Unlock()

	_ = json.NewEncoder(w).Encode(map[string]string{
		"diffie_hellman_response":      serverPublic.Text(16),
		"live_session_token_signature": lstSig,
	})
}

func mustB64(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("not base64: %v", err)
	}
	return b
}

func (m *mockIBKR) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	reject := m.init401 > 0
	if reject {
		m.init401--
	}
	m.mu.Unlock()
	if reject {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if !m.verifyHMAC(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"authenticated": true})
}

func (m *mockIBKR) handleAccounts(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.resourceCalls++
	reject := m.remaining401 > 0
	if reject {
		m.remaining401--
	}
	m.mu.Unlock()

	if reject {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if !m.verifyHMAC(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	_ = json.NewEncoder(w).Encode([]map[string]string{
		{"accountId": "U1234567", "currency": "USD", "type": "INDIVIDUAL"},
	})
}

func (m *mockIBKR) lstCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lstCalls
}

func (m *mockIBKR) resourceCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resourceCalls
}
