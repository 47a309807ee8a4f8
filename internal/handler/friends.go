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

type FriendsHandler struct {
	friends *service.FriendService
}

func NewFriendsHandler(friends *service.FriendService) *FriendsHandler {
	return &FriendsHandler{friends: friends}
}

func (h *FriendsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/request", h.Request)
	r.Post("/accept", h.Accept)
	r.Get("/pending", h.Pending)

	return r
}

// POST /v1/friends/request
func (h *FriendsHandler) Request(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Target string `json:"target"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Target == "" {
		writeError(w, apperrors.MissingRequired("target"))
		return
	}

	outcome, err := h.friends.Request(r.Context(), userID, req.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// POST /v1/friends/accept
func (h *FriendsHandler) Accept(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		PeerID     string `json:"peerId"`
		PeerDomain string `json:"peerDomain"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PeerID == "" {
		writeError(w, apperrors.MissingRequired("peerId"))
		return
	}
	if req.PeerDomain == "" {
		writeError(w, apperrors.MissingRequired("peerDomain"))
		return
	}
	req.PeerDomain = strings.ToLower(req.PeerDomain)
	if !util.IsValidDomain(req.PeerDomain) {
		writeError(w, apperrors.InvalidInput("peerDomain", "not a host name"))
		return
	}

	outcome, err := h.friends.Accept(r.Context(), userID, req.PeerID, req.PeerDomain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// GET /v1/friends/pending
func (h *FriendsHandler) Pending(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	pending, err := h.friends.Pending(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// GET /v1/friends
func (h *FriendsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	edges, err := h.friends.Friends(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if edges == nil {
		edges = []model.FriendEdge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"friends": edges})
}
