package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/contigo/voice-gateway/internal/broker"
	"github.com/contigo/voice-gateway/internal/config"
	"github.com/contigo/voice-gateway/internal/metadata"
	"github.com/contigo/voice-gateway/internal/observability"
	"github.com/contigo/voice-gateway/internal/session"
	"github.com/contigo/voice-gateway/internal/store"
	"github.com/contigo/voice-gateway/internal/token"
	"github.com/contigo/voice-gateway/internal/translate"
)

// ConnectionBroker resolves session parameters into a realtime descriptor.
type ConnectionBroker interface {
	Connect(ctx context.Context, req broker.Request) (broker.Descriptor, error)
}

// TokenVerifier checks bearer credentials on privileged routes.
type TokenVerifier interface {
	Verify(tokenStr string) (token.Claims, error)
}

// Translator produces literal translations of tutor text.
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// ConversationStore persists the durable record behind each session.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c store.Conversation) error
	EndConversation(ctx context.Context, sessionID string, difficulty *string, adaptive *bool, topic *string) error
}

type Server struct {
	cfg           *config.Config
	broker        ConnectionBroker
	verifier      TokenVerifier
	translator    Translator
	sessions      *session.Manager
	conversations ConversationStore
	metrics       *observability.Metrics
	log           zerolog.Logger
}

func New(cfg *config.Config, b ConnectionBroker, verifier TokenVerifier, translator Translator,
	sessions *session.Manager, conversations ConversationStore,
	metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:           cfg,
		broker:        b,
		verifier:      verifier,
		translator:    translator,
		sessions:      sessions,
		conversations: conversations,
		metrics:       metrics,
		log:           log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/voice/connection", s.handleConnection)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/v1/voice/translate", s.handleTranslate)
		r.Get("/v1/voice/sessions/active", s.handleActiveSessions)
		r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type connectionRequest struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	Language     string `json:"language"`
	Difficulty   string `json:"difficulty"`
	Adaptive     string `json:"adaptive"`
	ExtraSupport bool   `json:"extra_support"`
}

// handleConnection mints a session token and hands back the resolved
// realtime endpoint. A bearer token is optional here; when present, the
// authenticated identity wins and a contradictory body user_id is rejected.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if authUser, ok := s.authenticatedUser(r); ok {
		if userID != "" && userID != authUser {
			respondError(w, http.StatusForbidden, "user_mismatch",
				"user_id does not match the authenticated user")
			return
		}
		userID = authUser
	}
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = "es"
	}

	brokerReq := broker.Request{
		SessionID:    sessionID,
		UserID:       userID,
		ExtraSupport: req.ExtraSupport,
		Difficulty:   metadata.ParseDifficulty(req.Difficulty),
		Adaptive:     metadata.ParseTriBool(req.Adaptive),
	}

	desc, err := s.broker.Connect(r.Context(), brokerReq)
	if err != nil {
		s.respondConnectError(w, err)
		return
	}

	conv := store.Conversation{
		ID:         desc.SessionID,
		UserID:     desc.UserID,
		Language:   language,
		Difficulty: brokerReq.Difficulty,
		Adaptive:   brokerReq.Adaptive,
	}
	if err := s.conversations.CreateConversation(r.Context(), conv); err != nil {
		s.log.Error().Err(err).Str("session_id", desc.SessionID).Msg("failed to record conversation")
		respondError(w, http.StatusInternalServerError, "storage_error", "failed to record session")
		return
	}

	s.sessions.Track(desc.SessionID, desc.UserID, language, desc.Difficulty, desc.Adaptive)
	s.metrics.TokensIssued.Inc()
	s.metrics.ConnectionsBrokered.Inc()
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))

	respondJSON(w, http.StatusOK, desc)
}

func (s *Server) respondConnectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrUnknownUser):
		s.metrics.TokenRejections.WithLabelValues("unknown_user").Inc()
		respondError(w, http.StatusNotFound, "unknown_user", "user not found")
	case errors.Is(err, token.ErrQuotaExceeded):
		s.metrics.TokenRejections.WithLabelValues("quota_exceeded").Inc()
		respondError(w, http.StatusTooManyRequests, "quota_exceeded",
			"daily session limit reached")
	case errors.Is(err, token.ErrQuotaUnavailable):
		s.metrics.TokenRejections.WithLabelValues("quota_unavailable").Inc()
		respondError(w, http.StatusServiceUnavailable, "quota_unavailable",
			"session quota temporarily unavailable")
	case errors.Is(err, broker.ErrEngineAddressMissing), errors.Is(err, token.ErrNotConfigured):
		s.log.Error().Err(err).Msg("connection brokering misconfigured")
		respondError(w, http.StatusInternalServerError, "not_configured",
			"voice service is not configured")
	default:
		s.log.Error().Err(err).Msg("connection brokering failed")
		respondError(w, http.StatusInternalServerError, "internal_error",
			"failed to broker connection")
	}
}

type translateRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
}

type translateResponse struct {
	Translation    string `json:"translation"`
	TargetLanguage string `json:"target_language"`
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	targetLanguage := req.TargetLanguage
	if targetLanguage == "" {
		targetLanguage = translate.DefaultTargetLanguage
	}

	started := time.Now()
	translated, err := s.translator.Translate(r.Context(), req.Text, targetLanguage)
	switch {
	case errors.Is(err, translate.ErrEmptyText):
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required for translation")
		return
	case errors.Is(err, translate.ErrUnavailable):
		s.metrics.TranslationRequests.WithLabelValues("unavailable").Inc()
		respondError(w, http.StatusServiceUnavailable, "translation_unavailable",
			"translation service temporarily unavailable")
		return
	case err != nil:
		s.metrics.TranslationRequests.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Msg("translation failed")
		respondError(w, http.StatusInternalServerError, "translation_failed", "translation failed")
		return
	}

	s.metrics.TranslationRequests.WithLabelValues("ok").Inc()
	s.metrics.ObserveTranslationLatency(time.Since(started))
	respondJSON(w, http.StatusOK, translateResponse{
		Translation:    translated,
		TargetLanguage: targetLanguage,
	})
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := s.authenticatedUser(r)
	active := s.sessions.ListActive(userID)
	if active == nil {
		active = []*session.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"count":    len(active),
		"sessions": active,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	userID, _ := s.authenticatedUser(r)

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if sess.UserID != userID {
		respondError(w, http.StatusForbidden, "forbidden", "session belongs to another user")
		return
	}

	ended, err := s.sessions.End(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err := s.conversations.EndConversation(r.Context(), sessionID, nil, nil, nil); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to close conversation record")
	}

	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	respondJSON(w, http.StatusOK, ended)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
