package federation

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/signing"
)

// Envelope wraps every federation request and response. Body holds the exact
// JSON bytes that Signature covers.
type Envelope struct {
	OriginDomain string `json:"originDomain"`
	Body         string `json:"body"`
	Signature    string `json:"signature"`
}

type Signer interface {
	Domain() string
	Sign(ctx context.Context, payload []byte) (string, error)
	Document(ctx context.Context) (signing.KeyDocument, error)
}

type Verifier interface {
	Verify(ctx context.Context, domain string, payload []byte, signature string) error
}

// Seal marshals payload once and signs the resulting bytes.
func Seal(ctx context.Context, signer Signer, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	sig, err := signer.Sign(ctx, body)
	if err != nil {
		return nil, err
	}
	return &Envelope{OriginDomain: signer.Domain(), Body: string(body), Signature: sig}, nil
}

// Open verifies env as coming from domain and decodes its body into out.
func Open(ctx context.Context, verifier Verifier, domain string, env *Envelope, out any) error {
	if env.OriginDomain != domain {
		return apperrors.DomainMismatch(env.OriginDomain, domain)
	}
	if err := verifier.Verify(ctx, domain, []byte(env.Body), env.Signature); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(env.Body), out); err != nil {
		return apperrors.InvalidInput("body", "malformed payload").WithCause(err)
	}
	return nil
}
