package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"telechat/internal/auth"
	"telechat/internal/backend"
	"telechat/internal/content"
	"telechat/internal/models"
	"telechat/internal/platform"
	"telechat/internal/ws"

	"github.com/rs/zerolog"
)

const tokenCookie = "token"

type API struct {
	platform *platform.Platform
	hub      *ws.Hub
	log      zerolog.Logger
}

func New(p *platform.Platform, hub *ws.Hub, log zerolog.Logger) *API {
	return &API{platform: p, hub: hub, log: log}
}

type errorResponse struct {
	Error string `json:"error"`
}

type SignUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type PostMessageRequest struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
	UserID  string `json:"userId"`
}

// RenderedMessage is a message with its content rendered from markdown.
type RenderedMessage struct {
	models.Message
	ContentHTML string `json:"content_html"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("failed to encode response")
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, auth.ErrTooManyLogins):
		return http.StatusTooManyRequests
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword), errors.Is(err, backend.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, backend.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		a.log.Error().Err(err).Msg("request failed")
	}
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (a *API) getToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(tokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func (a *API) client(r *http.Request) (*platform.Client, error) {
	token := a.getToken(r)
	if token == "" {
		return nil, backend.ErrNotAuthenticated
	}
	return a.platform.ConnectToken(r.Context(), token)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", backend.ErrInvalidQuery)
	}
	return nil
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found"})
}

// MessagesHandler lists the messages of a chat, oldest first. With
// ?render=html every message carries its markdown rendered as safe HTML.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	c, err := a.client(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	var messages []models.Message
	q := backend.From(models.TableMessages).Eq("chat_id", r.PathValue("chatId")).Order("created_at", true)
	if err := c.Select(r.Context(), q, &messages); err != nil {
		a.writeError(w, err)
		return
	}

	if r.URL.Query().Get("render") != "html" {
		a.writeJSON(w, http.StatusOK, messages)
		return
	}
	rendered := make([]RenderedMessage, len(messages))
	for i, m := range messages {
		html, err := content.RenderMarkdown(m.Content)
		if err != nil {
			a.writeError(w, err)
			return
		}
		rendered[i] = RenderedMessage{Message: m, ContentHTML: html}
	}
	a.writeJSON(w, http.StatusOK, rendered)
}

// PostMessageHandler inserts a text message. The sender defaults to the
// session user; naming someone else is rejected by the row policies.
func (a *API) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	c, err := a.client(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	var req PostMessageRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if req.ChatID == "" || strings.TrimSpace(req.Content) == "" {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "chatId and content are required"})
		return
	}
	sender := req.UserID
	if sender == "" {
		s, _ := c.Session()
		sender = s.UserID
	}

	var inserted []models.Message
	err = c.Insert(r.Context(), models.TableMessages, models.Message{
		ChatID:   req.ChatID,
		SenderID: sender,
		Type:     models.MessageTypeText,
		Content:  req.Content,
	}, &inserted)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, inserted)
}

func (a *API) setSessionCookie(w http.ResponseWriter, s backend.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    s.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  s.ExpiresAt,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) SignUpHandler(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	s, err := a.platform.SignUp(r.Context(), req.Email, req.Password, req.Username)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.log.Info().Str("user_id", s.UserID).Str("username", req.Username).Msg("user signed up")
	a.setSessionCookie(w, s)
	a.writeJSON(w, http.StatusCreated, s)
}

func (a *API) SignInHandler(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	s, err := a.platform.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.setSessionCookie(w, s)
	a.writeJSON(w, http.StatusOK, s)
}

// SignOutHandler revokes the token and closes the user's realtime
// connections.
func (a *API) SignOutHandler(w http.ResponseWriter, r *http.Request) {
	token := a.getToken(r)
	if token != "" {
		if s, err := a.platform.Session(r.Context(), token); err == nil {
			_ = a.platform.SignOut(r.Context(), token)
			n := a.hub.DisconnectUser(s.UserID)
			a.log.Info().Str("user_id", s.UserID).Int("connections", n).Msg("user signed out")
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

type PresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// PresenceHandler reports whether a user has an open realtime connection.
func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := a.client(r); err != nil {
		a.writeError(w, err)
		return
	}
	userID := r.PathValue("userId")
	a.writeJSON(w, http.StatusOK, PresenceResponse{UserID: userID, Online: a.hub.Online(userID)})
}

// ObjectHandler serves a public storage object.
func (a *API) ObjectHandler(w http.ResponseWriter, r *http.Request) {
	rc, meta, err := a.platform.OpenObject(r.PathValue("bucket"), r.PathValue("path"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if _, err := io.Copy(w, rc); err != nil {
		a.log.Warn().Err(err).Str("bucket", meta.Bucket).Str("path", meta.Path).Msg("failed to send object")
	}
}
