package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// KeyDocument is served unsigned at /well-known/server-key.
type KeyDocument struct {
	PublicKey          string     `json:"publicKey"`
	PreviousPublicKey  string     `json:"previousPublicKey,omitempty"`
	PreviousValidUntil *time.Time `json:"previousValidUntil,omitempty"`
}

// publicKeys is a parsed KeyDocument.
type publicKeys struct {
	current            *rsa.PublicKey
	previous           *rsa.PublicKey
	previousValidUntil time.Time
}

func (k *publicKeys) verify(payload []byte, signature string, now time.Time) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256(payload)
	if k.current != nil && rsa.VerifyPKCS1v15(k.current, crypto.SHA256, digest[:], sig) == nil {
		return true
	}
	if k.previous != nil && now.Before(k.previousValidUntil) &&
		rsa.VerifyPKCS1v15(k.previous, crypto.SHA256, digest[:], sig) == nil {
		return true
	}
	return false
}

func parseDocument(doc KeyDocument) (*publicKeys, error) {
	current, err := decodePublicKey(doc.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("current key: %w", err)
	}
	keys := &publicKeys{current: current}
	if doc.PreviousPublicKey != "" && doc.PreviousValidUntil != nil {
		previous, err := decodePublicKey(doc.PreviousPublicKey)
		if err != nil {
			return nil, fmt.Errorf("previous key: %w", err)
		}
		keys.previous = previous
		keys.previousValidUntil = *doc.PreviousValidUntil
	}
	return keys, nil
}

func generateKey(bits int) (*rsa.PrivateKey, string, string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, "", "", fmt.Errorf("generate rsa key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, "", "", fmt.Errorf("marshal public key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return priv, string(privPEM), string(pubPEM), nil
}

func decodePrivateKey(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, errors.New("no RSA private key PEM block")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func decodePublicKey(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("no public key PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaKey, nil
}

func sign(priv *rsa.PrivateKey, payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
