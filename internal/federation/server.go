package federation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fedchat/chat-server-go/internal/audit"
	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/httputil"
)

const maxRequestSize = 1 << 20

// Inbound applies verified federation requests to local state. Every method
// must be idempotent.
type Inbound interface {
	HandleFriendRequest(ctx context.Context, req FriendRequest) (*FriendRequestResult, error)
	ResolveIdentity(ctx context.Context, q IdentityQuery) (*IdentityResult, error)
	LocalProfile(ctx context.Context, q ProfileQuery) (*Profile, error)
	LocalIcon(ctx context.Context, q ProfileQuery) (*Icon, error)
	ApplyRemoteChanges(ctx context.Context, push ProfileChangesPush) error
	ReceiveMessage(ctx context.Context, msg RelayedMessage) error
	ReceiveReadReceipt(ctx context.Context, read RelayedRead) (*ReadResult, error)
}

type Server struct {
	signer   Signer
	verifier Verifier
	inbound  Inbound
}

func NewServer(signer Signer, verifier Verifier, inbound Inbound) *Server {
	return &Server{signer: signer, verifier: verifier, inbound: inbound}
}

// Routes serves the signed endpoints, mounted under /server.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post(PathFriendRequest, handle(s, func(req FriendRequest) string { return req.Applicant.Domain },
		s.inbound.HandleFriendRequest))
	r.Post(PathIdentityResolve, handle[IdentityQuery, *IdentityResult](s, nil, s.inbound.ResolveIdentity))
	r.Post(PathProfileFetch, handle[ProfileQuery, *Profile](s, nil, s.inbound.LocalProfile))
	r.Post(PathProfileIcon, handle[ProfileQuery, *Icon](s, nil, s.inbound.LocalIcon))
	r.Post(PathProfileChanges, handle(s, func(req ProfileChangesPush) string { return req.User.Domain },
		func(ctx context.Context, req ProfileChangesPush) (*Ack, error) {
			if err := s.inbound.ApplyRemoteChanges(ctx, req); err != nil {
				return nil, err
			}
			return &Ack{OK: true}, nil
		}))
	r.Post(PathTalkSend, handle(s, func(req RelayedMessage) string { return req.Author.Domain },
		func(ctx context.Context, req RelayedMessage) (*Ack, error) {
			if err := s.inbound.ReceiveMessage(ctx, req); err != nil {
				return nil, err
			}
			return &Ack{OK: true}, nil
		}))
	r.Post(PathTalkRead, handle(s, func(req RelayedRead) string { return req.Reader.Domain },
		s.inbound.ReceiveReadReceipt))

	return r
}

// ServeKeyDocument publishes the public key set. It is unsigned since it
// bootstraps trust.
func (s *Server) ServeKeyDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.signer.Document(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to load server key")
		httputil.WriteError(w, apperrors.Internal("Server key unavailable"))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	httputil.WriteJSON(w, http.StatusOK, doc)
}

// handle verifies the envelope, checks that the acting identity belongs to
// the signing domain, runs fn and seals its result.
func handle[Req any, Resp any](s *Server, actor func(Req) string, fn func(context.Context, Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
		if err != nil {
			s.writeError(w, r, apperrors.InvalidInput("body", "unreadable"))
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.OriginDomain == "" || env.Signature == "" {
			s.writeError(w, r, apperrors.InvalidInput("envelope", "originDomain, body and signature are required"))
			return
		}
		origin := strings.ToLower(env.OriginDomain)

		var req Req
		if err := Open(ctx, s.verifier, origin, &Envelope{OriginDomain: origin, Body: env.Body, Signature: env.Signature}, &req); err != nil {
			if apperrors.Is(err, apperrors.ErrCodeInvalidSignature) {
				audit.LogFromRequest(r, audit.Event{
					Type:    audit.EventInvalidSignature,
					Domain:  origin,
					Details: map[string]interface{}{"path": r.URL.Path},
				})
			}
			s.writeError(w, r, err)
			return
		}

		if actor != nil {
			if claimed := strings.ToLower(actor(req)); claimed != origin {
				audit.LogFromRequest(r, audit.Event{
					Type:   audit.EventDomainMismatch,
					Domain: origin,
					Details: map[string]interface{}{
						"path":          r.URL.Path,
						"claimedDomain": claimed,
					},
				})
				s.writeError(w, r, apperrors.DomainMismatch(claimed, origin))
				return
			}
		}

		resp, err := fn(ctx, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeSealed(ctx, w, http.StatusOK, resp)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("federation handler failed")
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	s.writeSealed(r.Context(), w, httputil.StatusFromCode(appErr.Code), ErrorBody{Code: appErr.Code, Error: appErr.Message})
}

func (s *Server) writeSealed(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	env, err := Seal(ctx, s.signer, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to seal federation response")
		httputil.WriteError(w, apperrors.Internal("Failed to sign response"))
		return
	}
	httputil.WriteJSON(w, status, env)
}
