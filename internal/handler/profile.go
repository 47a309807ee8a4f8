package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/service"
	"github.com/fedchat/chat-server-go/internal/util"
)

type ProfileHandler struct {
	profiles *service.ProfileService
}

func NewProfileHandler(profiles *service.ProfileService) *ProfileHandler {
	return &ProfileHandler{profiles: profiles}
}

// PUT /v1/profile
// Only the fields listed in "changed" are written; remote friends are told
// about the change.
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var changes model.ProfileChanges
	if err := decodeJSON(r, &changes); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.profiles.UpdateProfile(r.Context(), userID, changes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GET /v1/profiles/{domain}/{userId}
func (h *ProfileHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}

	domain := strings.ToLower(chi.URLParam(r, "domain"))
	if !util.IsValidDomain(domain) {
		writeError(w, apperrors.InvalidInput("domain", "not a host name"))
		return
	}

	profile, err := h.profiles.LookupProfile(r.Context(), domain, chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
