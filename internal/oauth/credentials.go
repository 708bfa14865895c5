// Package oauth implements the headless OAuth 1.0a handshake and request
// signing for the IBKR Web API: RSA-signed bootstrap steps, the
// Diffie-Hellman live session token derivation, and HMAC-signed calls.
package oauth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"

	"github.com/quantfold/ibkr-oauth/internal/config"
	"github.com/quantfold/ibkr-oauth/internal/types"
)

// Credentials holds the immutable signing material for one consumer.
type Credentials struct {
	ConsumerKey string
	Realm       string

	// SigningKey signs the three bootstrap requests (RSA-SHA256).
	SigningKey *rsa.PrivateKey
	// EncryptionKey decrypts the access token secret (RSA PKCS#1 v1.5).
	EncryptionKey *rsa.PrivateKey

	// DH domain parameters.
	DHPrime     *big.Int
	DHGenerator *big.Int
}

// dhParams mirrors the ASN.1 structure of a PKCS#3 DH parameter file.
type dhParams struct {
	P *big.Int
	G *big.Int
}

// LoadCredentials reads key material from the paths named in cfg.
func LoadCredentials(cfg *config.Config) (Credentials, error) {
	signing, err := loadRSAKey(cfg.Keys.SigningKeyPath)
	if err != nil {
		return Credentials{}, fmt.Errorf("signing key: %w", err)
	}

	encryption, err := loadRSAKey(cfg.Keys.EncryptionKeyPath)
	if err != nil {
		return Credentials{}, fmt.Errorf("encryption key: %w", err)
	}

	prime, generator, err := loadDHParams(cfg.Keys.DHParamPath)
	if err != nil {
		return Credentials{}, fmt.Errorf("dh params: %w", err)
	}

	return Credentials{
		ConsumerKey:   cfg.Consumer.Key,
		Realm:         cfg.Consumer.Realm,
		SigningKey:    signing,
		EncryptionKey: encryption,
		DHPrime:       prime,
		DHGenerator:   generator,
	}, nil
}

// loadRSAKey parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMissingCredential, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", types.ErrBadKeyFormat, path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBadKeyFormat, err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an RSA key", types.ErrBadKeyFormat, path)
	}

	return key, nil
}

// loadDHParams parses a PKCS#3 "DH PARAMETERS" PEM file into (p, g).
func loadDHParams(path string) (*big.Int, *big.Int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrMissingCredential, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, nil, fmt.Errorf("%w: no PEM block in %s", types.ErrBadKeyFormat, path)
	}

	var params dhParams
	if _, err := asn1.Unmarshal(block.Bytes, &params); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrBadKeyFormat, err)
	}

	if params.P == nil || params.P.Sign() <= 0 || params.G == nil || params.G.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: non-positive DH parameter", types.ErrBadKeyFormat)
	}

	return params.P, params.G, nil
}
