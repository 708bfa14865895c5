package oauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/quantfold/ibkr-oauth/internal/types"
)

// dhExponentBits is the size of the ephemeral private exponent.
const dhExponentBits = 256

// dhState holds the ephemeral half of one Diffie-Hellman exchange. The
// private exponent lives only for a single live-session-token derivation.
type dhState struct {
	exponent  *big.Int
	challenge *big.Int // A = g^a mod p
}

// newDHState draws a random 256-bit exponent and computes the client
// challenge.
func newDHState(prime, generator *big.Int) (*dhState, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), dhExponentBits)
	exponent, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: dh exponent: %v", types.ErrSignature, err)
	}

	return &dhState{
		exponent:  exponent,
		challenge: new(big.Int).Exp(generator, exponent, prime),
	}, nil
}

// ChallengeHex returns the client challenge as lowercase hex without a
// leading 0x, the form the live_session_token endpoint expects.
func (s *dhState) ChallengeHex() string {
	return s.challenge.Text(16)
}

// sharedSecret computes K = B^a mod p from the server's hex response.
func (s *dhState) sharedSecret(responseHex string, prime *big.Int) (*big.Int, error) {
	b, ok := new(big.Int).SetString(responseHex, 16)
	if !ok {
		return nil, fmt.Errorf("%w: diffie_hellman_response is not hex", types.ErrProtocol)
	}
	return new(big.Int).Exp(b, s.exponent, prime), nil
}

// signedBigIntBytes serializes k big-endian with two's-complement sign
// semantics: when the top bit of the first byte is set, a zero byte is
// prepended. The server's big-integer library serializes its copy of K the
// same way; omitting the pad yields a token the server silently rejects.
func signedBigIntBytes(k *big.Int) []byte {
	b := k.Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	if b[0]&0x80 != 0 {
		return append([]byte{0}, b...)
	}
	return b
}

// decryptTokenSecret recovers the raw prepend bytes from the base64
// ciphertext of the access token secret.
func decryptTokenSecret(key *rsa.PrivateKey, secretB64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, fmt.Errorf("%w: access token secret is not base64: %v", types.ErrSignature, err)
	}
	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt token secret: %v", types.ErrSignature, err)
	}
	return plaintext, nil
}

// prependHex hex-encodes the decrypted secret for use as the base string
// prefix of the live_session_token request.
func prependHex(secret []byte) string {
	return hex.EncodeToString(secret)
}

// deriveLST computes the live session token from the shared secret K and
// the base64 access token secret:
//
//	LST = base64(HMAC-SHA1(key = K_bytes, msg = base64decode(secret)))
func deriveLST(k *big.Int, accessTokenSecretB64 string) (string, error) {
	msg, err := base64.StdEncoding.DecodeString(accessTokenSecretB64)
	if err != nil {
		return "", fmt.Errorf("%w: access token secret is not base64: %v", types.ErrSignature, err)
	}
	mac := hmac.New(sha1.New, signedBigIntBytes(k))
	mac.Write(msg)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// verifyLST checks the server-supplied signature over the derived token:
// hex(HMAC-SHA1(key = base64decode(lst), msg = consumerKey)). A mismatch
// indicates a derivation or encoding bug on one side; callers log it rather
// than fail, since the token may still work.
func verifyLST(lstB64, consumerKey, signatureHex string) (bool, error) {
	key, err := base64.StdEncoding.DecodeString(lstB64)
	if err != nil {
		return false, fmt.Errorf("%w: live session token is not base64: %v", types.ErrSignature, err)
	}
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(consumerKey))
	return hex.EncodeToString(mac.Sum(nil)) == signatureHex, nil
}
