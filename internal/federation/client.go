package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/model"
)

const maxResponseSize = 1 << 20

// Client calls the /server endpoints of other domains. Every request is
// sealed with this server's key and every response must be sealed by the
// target domain.
type Client struct {
	signer   Signer
	verifier Verifier
	http     *http.Client
	scheme   string
	retry    RetryPolicy
}

type ClientOption func(*Client)

func WithScheme(scheme string) ClientOption {
	return func(c *Client) { c.scheme = scheme }
}

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

func NewClient(signer Signer, verifier Verifier, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		signer:   signer,
		verifier: verifier,
		http:     &http.Client{Timeout: timeout},
		scheme:   "https",
		retry:    DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) RequestFriend(ctx context.Context, targetDomain string, applicant model.Identity, applicantName, targetUserID string) (*FriendRequestResult, error) {
	var result FriendRequestResult
	err := c.call(ctx, targetDomain, PathFriendRequest, FriendRequest{
		Applicant:     applicant,
		ApplicantName: applicantName,
		TargetUserID:  targetUserID,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ResolveIdentity(ctx context.Context, targetDomain, userName string) (string, error) {
	var result IdentityResult
	if err := c.call(ctx, targetDomain, PathIdentityResolve, IdentityQuery{Direction: NameToID, UserName: userName}, &result); err != nil {
		return "", err
	}
	return result.UserID, nil
}

func (c *Client) ResolveUserName(ctx context.Context, targetDomain, remoteUserID string) (string, error) {
	var result IdentityResult
	if err := c.call(ctx, targetDomain, PathIdentityResolve, IdentityQuery{Direction: IDToName, UserID: remoteUserID}, &result); err != nil {
		return "", err
	}
	return result.UserName, nil
}

func (c *Client) FetchProfile(ctx context.Context, targetDomain, remoteUserID string) (*Profile, error) {
	var profile Profile
	if err := c.call(ctx, targetDomain, PathProfileFetch, ProfileQuery{UserID: remoteUserID}, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *Client) FetchIcon(ctx context.Context, targetDomain, remoteUserID string) (*string, error) {
	var icon Icon
	if err := c.call(ctx, targetDomain, PathProfileIcon, ProfileQuery{UserID: remoteUserID}, &icon); err != nil {
		return nil, err
	}
	return icon.IconURL, nil
}

func (c *Client) PushProfileChanges(ctx context.Context, targetDomain string, push ProfileChangesPush) error {
	return c.call(ctx, targetDomain, PathProfileChanges, push, &Ack{})
}

// RelayBudget is the deadline a caller should give RelayMessage and
// RelayReadReceipt so every attempt of the retry policy can run.
func (c *Client) RelayBudget() time.Duration {
	return c.retry.Budget(c.http.Timeout)
}

// RelayMessage is retried with backoff while the target is unavailable.
func (c *Client) RelayMessage(ctx context.Context, targetDomain string, msg RelayedMessage) error {
	return c.retry.retry(ctx, targetDomain, "talk/send", func() error {
		return c.call(ctx, targetDomain, PathTalkSend, msg, &Ack{})
	})
}

// RelayReadReceipt is retried with backoff while the target is unavailable.
func (c *Client) RelayReadReceipt(ctx context.Context, targetDomain string, read RelayedRead) error {
	return c.retry.retry(ctx, targetDomain, "talk/read", func() error {
		return c.call(ctx, targetDomain, PathTalkRead, read, &ReadResult{})
	})
}

func (c *Client) url(domain, path string) string {
	return fmt.Sprintf("%s://%s/server%s", c.scheme, domain, path)
}

func (c *Client) call(ctx context.Context, domain, path string, payload, out any) error {
	env, err := Seal(ctx, c.signer, payload)
	if err != nil {
		return apperrors.Internal("Failed to sign federation request").WithCause(err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return apperrors.Internal("Failed to encode federation request").WithCause(err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(domain, path), bytes.NewReader(data))
	if err != nil {
		return apperrors.RemoteUnavailable(domain, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		log.Error().
			Err(err).
			Str("domain", domain).
			Str("path", path).
			Dur("elapsed", elapsed).
			Msg("federation request error")
		return apperrors.RemoteUnavailable(domain, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return apperrors.RemoteUnavailable(domain, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		log.Error().
			Str("domain", domain).
			Str("path", path).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("federation request failed")
		return apperrors.RemoteUnavailable(domain, fmt.Errorf("status %d", resp.StatusCode))
	}

	var respEnv Envelope
	decodeErr := json.Unmarshal(raw, &respEnv)

	if resp.StatusCode >= 400 {
		var body ErrorBody
		if decodeErr == nil && Open(ctx, c.verifier, domain, &respEnv, &body) == nil {
			log.Warn().
				Str("domain", domain).
				Str("path", path).
				Int("status", resp.StatusCode).
				Str("code", string(body.Code)).
				Msg("federation request rejected")
			return apperrors.RemoteRejected(domain, string(body.Code)).WithDetails(body)
		}
		return apperrors.RemoteRejected(domain, fmt.Sprintf("status %d", resp.StatusCode))
	}

	if decodeErr != nil {
		return apperrors.RemoteUnavailable(domain, fmt.Errorf("decode response: %w", decodeErr))
	}
	if err := Open(ctx, c.verifier, domain, &respEnv, out); err != nil {
		log.Warn().
			Err(err).
			Str("domain", domain).
			Str("path", path).
			Msg("federation response failed verification")
		return err
	}

	log.Debug().
		Str("domain", domain).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("federation request completed")
	return nil
}
