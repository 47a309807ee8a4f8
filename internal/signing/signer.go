package signing

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fedchat/chat-server-go/internal/audit"
	"github.com/fedchat/chat-server-go/internal/config"
	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/repository"
	"github.com/fedchat/chat-server-go/internal/util"
)

type keyState struct {
	private   *rsa.PrivateKey
	published KeyDocument
	public    *publicKeys
	rotatedAt time.Time
}

// Signer owns this server's key pair. The live key is swapped atomically so
// signing never waits on rotation.
type Signer struct {
	domain        string
	keys          repository.ServerKeyRepository
	sealer        *util.KeySealer
	rotation      time.Duration
	grace         time.Duration
	bits          int
	now           func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[keyState]
}

type Option func(*Signer)

func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

func WithKeyBits(bits int) Option {
	return func(s *Signer) { s.bits = bits }
}

// WithSealer seals private keys at rest.
func WithSealer(sealer *util.KeySealer) Option {
	return func(s *Signer) { s.sealer = sealer }
}

func WithRotation(interval, grace time.Duration) Option {
	return func(s *Signer) {
		s.rotation = interval
		s.grace = grace
	}
}

func NewSigner(domain string, keys repository.ServerKeyRepository, opts ...Option) *Signer {
	s := &Signer{
		domain:   domain,
		keys:     keys,
		rotation: 7 * 24 * time.Hour,
		grace:    time.Hour,
		bits:     config.ServerKeyBits,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Signer) Domain() string {
	return s.domain
}

// GetOrCreateKeyPair returns the stored pair of domain, generating and
// persisting one on first use.
func (s *Signer) GetOrCreateKeyPair(ctx context.Context, domain string) (*model.ServerKeyPair, error) {
	kp, err := s.keys.FindByDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("find server key: %w", err)
	}
	if kp != nil {
		return kp, nil
	}

	_, privPEM, pubPEM, err := generateKey(s.bits)
	if err != nil {
		return nil, err
	}
	sealed, err := s.seal(domain, privPEM, pubPEM)
	if err != nil {
		return nil, err
	}
	created, err := s.keys.Create(ctx, model.ServerKeyPair{
		Domain:        domain,
		PrivateKeyPEM: sealed,
		PublicKeyPEM:  pubPEM,
		RotatedAt:     s.now().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return nil, fmt.Errorf("create server key: %w", err)
	}
	if created {
		audit.Log(ctx, audit.Event{
			Type:    audit.EventKeyCreated,
			Domain:  domain,
			Details: map[string]interface{}{"fingerprint": util.Fingerprint(pubPEM)},
		})
	}

	// Another instance may have won the insert.
	kp, err = s.keys.FindByDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("find server key: %w", err)
	}
	if kp == nil {
		return nil, fmt.Errorf("server key for %s vanished after create", domain)
	}
	return kp, nil
}

// Sign returns the base64 RSASSA-PKCS1-v1_5 SHA-256 signature of payload.
func (s *Signer) Sign(ctx context.Context, payload []byte) (string, error) {
	state, err := s.state(ctx)
	if err != nil {
		return "", err
	}
	return sign(state.private, payload)
}

// Document is the public key set peers use to verify this server.
func (s *Signer) Document(ctx context.Context) (KeyDocument, error) {
	state, err := s.state(ctx)
	if err != nil {
		return KeyDocument{}, err
	}
	return state.published, nil
}

func (s *Signer) verifyOwn(ctx context.Context, payload []byte, signature string) bool {
	state, err := s.state(ctx)
	if err != nil {
		return false
	}
	return state.public.verify(payload, signature, s.now())
}

// Rotate replaces the live key. The old public key stays valid for the grace window.
func (s *Signer) Rotate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(ctx)
}

// RotateIfDue reloads the stored pair and rotates it once the rotation
// interval has elapsed. It reports whether a rotation happened.
func (s *Signer) RotateIfDue(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	if s.now().Sub(state.rotatedAt) < s.rotation {
		return false, nil
	}
	return true, s.rotateLocked(ctx)
}

func (s *Signer) rotateLocked(ctx context.Context) error {
	old, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}

	_, privPEM, pubPEM, err := generateKey(s.bits)
	if err != nil {
		return err
	}
	sealed, err := s.seal(s.domain, privPEM, pubPEM)
	if err != nil {
		return err
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	validUntil := now.Add(s.grace)
	previous := old.published.PublicKey
	kp := model.ServerKeyPair{
		Domain:             s.domain,
		PrivateKeyPEM:      sealed,
		PublicKeyPEM:       pubPEM,
		RotatedAt:          now,
		PreviousPublicKey:  &previous,
		PreviousValidUntil: &validUntil,
	}
	if err := s.keys.Save(ctx, kp); err != nil {
		return fmt.Errorf("save rotated key: %w", err)
	}

	state, err := s.decode(&kp)
	if err != nil {
		return err
	}
	s.current.Store(state)

	audit.Log(ctx, audit.Event{
		Type:   audit.EventKeyRotated,
		Domain: s.domain,
		Details: map[string]interface{}{
			"fingerprint":         util.Fingerprint(pubPEM),
			"previousFingerprint": util.Fingerprint(old.published.PublicKey),
			"previousValidUntil":  validUntil.Format(time.RFC3339),
		},
	})
	return nil
}

func (s *Signer) state(ctx context.Context) (*keyState, error) {
	if state := s.current.Load(); state != nil {
		return state, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.current.Load(); state != nil {
		return state, nil
	}
	return s.loadLocked(ctx)
}

func (s *Signer) loadLocked(ctx context.Context) (*keyState, error) {
	kp, err := s.GetOrCreateKeyPair(ctx, s.domain)
	if err != nil {
		return nil, err
	}
	if cur := s.current.Load(); cur != nil && cur.rotatedAt.Equal(kp.RotatedAt) {
		return cur, nil
	}
	state, err := s.decode(kp)
	if err != nil {
		return nil, err
	}
	s.current.Store(state)
	log.Debug().
		Str("domain", s.domain).
		Str("fingerprint", util.Fingerprint(kp.PublicKeyPEM)).
		Msg("server key loaded")
	return state, nil
}

func (s *Signer) decode(kp *model.ServerKeyPair) (*keyState, error) {
	privPEM, err := s.unseal(kp)
	if err != nil {
		return nil, err
	}
	priv, err := decodePrivateKey(privPEM)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}

	doc := KeyDocument{PublicKey: kp.PublicKeyPEM}
	if kp.PreviousPublicKey != nil && kp.PreviousValidUntil != nil {
		doc.PreviousPublicKey = *kp.PreviousPublicKey
		until := kp.PreviousValidUntil.UTC()
		doc.PreviousValidUntil = &until
	}
	public, err := parseDocument(doc)
	if err != nil {
		return nil, err
	}
	return &keyState{private: priv, published: doc, public: public, rotatedAt: kp.RotatedAt}, nil
}

// sealBinding ties a sealed private key to its row: the owning domain and
// the public half it was generated with.
func sealBinding(domain, pubPEM string) string {
	return domain + "/" + util.Fingerprint(pubPEM)
}

func (s *Signer) seal(domain, privPEM, pubPEM string) (string, error) {
	if s.sealer == nil {
		return privPEM, nil
	}
	sealed, err := s.sealer.Seal(privPEM, sealBinding(domain, pubPEM))
	if err != nil {
		return "", fmt.Errorf("seal private key: %w", err)
	}
	return sealed, nil
}

func (s *Signer) unseal(kp *model.ServerKeyPair) (string, error) {
	// Keys written before ENCRYPTION_KEY was configured are plain PEM.
	if s.sealer == nil || strings.HasPrefix(kp.PrivateKeyPEM, "-----BEGIN") {
		return kp.PrivateKeyPEM, nil
	}
	plain, err := s.sealer.Open(kp.PrivateKeyPEM, sealBinding(kp.Domain, kp.PublicKeyPEM))
	if err != nil {
		return "", fmt.Errorf("unseal private key: %w", err)
	}
	return plain, nil
}
