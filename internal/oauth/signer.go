package oauth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/quantfold/ibkr-oauth/internal/types"
)

// Signature method identifiers as they appear in oauth_signature_method.
const (
	SignatureMethodRSA  = "RSA-SHA256"
	SignatureMethodHMAC = "HMAC-SHA256"
)

// SignRSASHA256 signs the base string with PKCS#1 v1.5 / SHA-256 and returns
// the base64 signature. The bootstrap steps embed this value in the
// Authorization header as-is; see encodeRawSignature.
func SignRSASHA256(key *rsa.PrivateKey, baseString string) (string, error) {
	digest := sha256.Sum256([]byte(baseString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: rsa: %v", types.ErrSignature, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignHMACSHA256 signs the base string with HMAC-SHA256 keyed by the live
// session token. lstB64 is the stored base64 form; it is decoded to raw
// bytes before use as the key. Returns the base64 signature.
func SignHMACSHA256(lstB64, baseString string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(lstB64)
	if err != nil {
		return "", fmt.Errorf("%w: live session token is not base64: %v", types.ErrSignature, err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// The two handshake surfaces expect different encodings of the same base64
// signature in the header value. These stay as separately named functions;
// collapsing them silently breaks one of the two paths.

// encodeRawSignature is used by the RSA-signed bootstrap steps: the base64
// signature is embedded without further encoding.
func encodeRawSignature(sigB64 string) string {
	return sigB64
}

// encodeQuotedSignature is used by HMAC-signed calls: the base64 signature
// is percent-encoded before being quoted into the header value.
func encodeQuotedSignature(sigB64 string) string {
	return percentEncode(sigB64)
}

// Nonce returns a fresh random nonce. crypto/rand keeps generation safe for
// concurrent callers and collision-free within a timestamp window.
func Nonce() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the platform RNG is broken; there is
		// no safe fallback for a replay-protection value.
		panic(fmt.Sprintf("oauth: nonce entropy unavailable: %v", err))
	}
	return hex.EncodeToString(buf[:])
}
