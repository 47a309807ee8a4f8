package signing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/fedchat/chat-server-go/internal/errors"
)

const keyDocumentPath = "/well-known/server-key"

const maxKeyDocumentSize = 64 << 10

const defaultKeyFetchTimeout = 10 * time.Second

type cachedKeys struct {
	keys      *publicKeys
	fetchedAt time.Time
}

// Verifier checks payloads signed by other servers against their published
// key document.
type Verifier struct {
	signer *Signer
	client *http.Client
	scheme string
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedKeys
	group singleflight.Group
}

type VerifierOption func(*Verifier)

func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

func WithScheme(scheme string) VerifierOption {
	return func(v *Verifier) { v.scheme = scheme }
}

func WithCacheTTL(ttl time.Duration) VerifierOption {
	return func(v *Verifier) { v.ttl = ttl }
}

func NewVerifier(signer *Signer, client *http.Client, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		signer: signer,
		client: client,
		scheme: "https",
		ttl:    10 * time.Minute,
		now:    time.Now,
		cache:  make(map[string]cachedKeys),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// KeyURL is where domain publishes its key document.
func KeyURL(scheme, domain string) string {
	return fmt.Sprintf("%s://%s%s", scheme, domain, keyDocumentPath)
}

// Verify returns nil when signature is a valid signature of payload by domain.
// A cached key that fails is refetched once before the signature is rejected,
// at most once per refetchInterval for each domain.
func (v *Verifier) Verify(ctx context.Context, domain string, payload []byte, signature string) error {
	if domain == v.signer.Domain() {
		if v.signer.verifyOwn(ctx, payload, signature) {
			return nil
		}
		return apperrors.InvalidSignature(domain)
	}

	keys, fromCache, err := v.keys(ctx, domain, false)
	if err != nil {
		return apperrors.InvalidSignature(domain).WithCause(err)
	}
	if keys.verify(payload, signature, v.now()) {
		return nil
	}
	if !fromCache {
		return apperrors.InvalidSignature(domain)
	}

	log.Debug().Str("domain", domain).Msg("cached server key rejected signature, refetching")
	keys, _, err = v.keys(ctx, domain, true)
	if err != nil {
		return apperrors.InvalidSignature(domain).WithCause(err)
	}
	if keys.verify(payload, signature, v.now()) {
		return nil
	}
	return apperrors.InvalidSignature(domain)
}

// refetchInterval is the minimum spacing of forced refetches for one domain.
func (v *Verifier) refetchInterval() time.Duration {
	return v.ttl / 10
}

func (v *Verifier) keys(ctx context.Context, domain string, force bool) (*publicKeys, bool, error) {
	v.mu.RLock()
	entry, ok := v.cache[domain]
	v.mu.RUnlock()
	if ok {
		age := v.now().Sub(entry.fetchedAt)
		if !force && age < v.ttl {
			return entry.keys, true, nil
		}
		if force && age < v.refetchInterval() {
			log.Debug().Str("domain", domain).Dur("age", age).Msg("server key refetch throttled")
			return entry.keys, true, nil
		}
	}

	// The fetch is shared by every waiter on domain, so it must not die with
	// the first caller's context.
	ch := v.group.DoChan(domain, func() (interface{}, error) {
		timeout := v.client.Timeout
		if timeout <= 0 {
			timeout = defaultKeyFetchTimeout
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		keys, err := v.fetch(fetchCtx, domain)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.cache[domain] = cachedKeys{keys: keys, fetchedAt: v.now()}
		v.mu.Unlock()
		return keys, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*publicKeys), false, nil
	}
}

func (v *Verifier) fetch(ctx context.Context, domain string) (*publicKeys, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, KeyURL(v.scheme, domain), nil)
	if err != nil {
		return nil, fmt.Errorf("create key request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch server key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch server key: status %d", resp.StatusCode)
	}

	var doc KeyDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeyDocumentSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode key document: %w", err)
	}
	keys, err := parseDocument(doc)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("domain", domain).
		Bool("hasPrevious", keys.previous != nil).
		Dur("elapsed", time.Since(start)).
		Msg("fetched remote server key")
	return keys, nil
}
