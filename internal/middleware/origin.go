package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/fedchat/chat-server-go/internal/audit"
	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/httputil"
)

// OriginMiddleware rejects browser requests whose Origin header is not on the
// allow list. Requests without an Origin (native clients, peer servers) pass.
// An empty allow list only admits same-host origins.
type OriginMiddleware struct {
	allowed map[string]struct{}
}

func NewOriginMiddleware(allowedOrigins []string) *OriginMiddleware {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	return &OriginMiddleware{allowed: allowed}
}

// AllowOrigin matches the websocket.Upgrader CheckOrigin signature.
func (m *OriginMiddleware) AllowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	origin = strings.ToLower(origin)

	if len(m.allowed) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	_, ok := m.allowed[origin]
	return ok
}

func (m *OriginMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.AllowOrigin(r) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventOriginRejected,
				Details: map[string]interface{}{"origin": r.Header.Get("Origin")},
			})
			httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{
				Error: "Origin not allowed",
				Code:  apperrors.ErrCodeAuthRequired,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
