package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/pairsync/internal/auth"
	"github.com/danmuck/pairsync/internal/docstore"
	"github.com/danmuck/pairsync/internal/identity"
	"github.com/danmuck/pairsync/internal/observability"
	"github.com/danmuck/pairsync/internal/setup"
	"github.com/danmuck/pairsync/internal/steps"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.name,
			"version": "0.1.0",
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g := s.router.Group("/pairings/:pairing/setup", s.requireToken(), requireUser())
	g.GET("", s.handleView)
	g.POST("/submit", s.limit(setup.ActionSubmit), s.handleSubmit)
	g.POST("/approve", s.limit(setup.ActionApprove), s.handleApprove)
	g.POST("/advance", s.limit(setup.ActionAdvance), s.handleAdvance)
	g.GET("/stream", s.handleStream)
}

// requireToken checks the deployment bearer token when one is configured.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth == nil {
			c.Next()
			return
		}
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err == nil {
			err = s.auth.Validate(token)
		}
		if err != nil {
			c.Set(observability.ContextCode, "unauthorized")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "unauthorized"})
			return
		}
		c.Next()
	}
}

// requireUser moves the caller id from the request header onto the request
// context.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader(HeaderUser))
		if uid == "" {
			respondError(c, identity.ErrNoUser)
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(identity.WithUser(c.Request.Context(), uid))
		c.Next()
	}
}

func (s *Server) limit(action setup.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, _ := identity.UserFromContext(c.Request.Context())
		if !s.limiter.Allow(uid, c.Param("pairing"), time.Now()) {
			observability.RecordRejection(string(action), "rate_limited")
			c.Set(observability.ContextCode, "rate_limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "code": "rate_limited"})
			return
		}
		c.Next()
	}
}

// actor resolves the caller and ensures the pairing's document exists, so
// the first party to open the negotiation creates it.
func (s *Server) actor(c *gin.Context) (setup.Actor, bool) {
	pairingID := c.Param("pairing")
	actor, err := s.engine.Actor(c.Request.Context(), pairingID)
	if err != nil {
		respondError(c, err)
		return setup.Actor{}, false
	}
	if _, err := s.engine.Ensure(c.Request.Context(), pairingID); err != nil {
		respondError(c, err)
		return setup.Actor{}, false
	}
	return actor, true
}

func (s *Server) handleView(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	doc, err := s.engine.Load(c.Request.Context(), c.Param("pairing"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderView(c.Param("pairing"), setup.DeriveView(doc, actor)))
}

func (s *Server) handleSubmit(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil {
		respondError(c, setup.ErrInvalidPayload)
		return
	}
	if len(raw) > maxPayloadBytes {
		c.Set(observability.ContextCode, "invalid_payload")
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large", "code": "invalid_payload"})
		return
	}
	payload, err := steps.FromJSON(raw)
	if err != nil {
		respondError(c, err)
		return
	}
	doc, err := s.engine.SubmitAs(c.Request.Context(), c.Param("pairing"), actor, payload)
	s.respondTransition(c, actor, doc, err)
}

func (s *Server) handleApprove(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	doc, err := s.engine.ApproveAs(c.Request.Context(), c.Param("pairing"), actor)
	s.respondTransition(c, actor, doc, err)
}

func (s *Server) handleAdvance(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	doc, err := s.engine.AdvanceAs(c.Request.Context(), c.Param("pairing"), actor)
	s.respondTransition(c, actor, doc, err)
}

func (s *Server) respondTransition(c *gin.Context, actor setup.Actor, doc setup.Document, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderView(c.Param("pairing"), setup.DeriveView(doc, actor)))
}

// handleStream pushes the caller's view as server-sent events until the
// client goes away or the attachment closes.
func (s *Server) handleStream(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	pairingID := c.Param("pairing")
	att, err := s.projector.Attach(c.Request.Context(), pairingID, actor, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	views, cancel := att.Watch()
	defer cancel()

	log.Debug().Str("pairing", pairingID).Str("user", actor.UserID).Msg("view stream opened")
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case v, ok := <-views:
			if !ok {
				return false
			}
			c.SSEvent("view", renderView(pairingID, v))
			return true
		}
	})
	log.Debug().Str("pairing", pairingID).Str("user", actor.UserID).Msg("view stream closed")
}

type viewResponse struct {
	Pairing             string     `json:"pairing"`
	Exists              bool       `json:"exists"`
	Version             int64      `json:"version"`
	Step                string     `json:"step"`
	StepIndex           int        `json:"stepIndex"`
	Phase               string     `json:"phase"`
	MyRole              string     `json:"myRole"`
	PartnerUserID       string     `json:"partnerUserId,omitempty"`
	MyAnswer            any        `json:"myAnswer"`
	PartnerAnswer       any        `json:"partnerAnswer"`
	MySubmitted         bool       `json:"mySubmitted"`
	PartnerSubmitted    bool       `json:"partnerSubmitted"`
	MyApproved          bool       `json:"myApproved"`
	PartnerApproved     bool       `json:"partnerApproved"`
	CanSubmit           bool       `json:"canSubmit"`
	CanApprove          bool       `json:"canApprove"`
	WaitingMessage      string     `json:"waitingMessage"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	ParticipantConflict bool       `json:"participantConflict,omitempty"`
}

func renderView(pairingID string, v setup.View) viewResponse {
	out := viewResponse{
		Pairing:             pairingID,
		Exists:              v.Exists,
		Version:             v.Version,
		Step:                v.Step.String(),
		StepIndex:           v.StepIndex,
		Phase:               v.Phase.String(),
		MyRole:              v.MyRole.String(),
		PartnerUserID:       v.PartnerUserID,
		MyAnswer:            steps.Decode(v.MyAnswer),
		PartnerAnswer:       steps.Decode(v.PartnerAnswer),
		MySubmitted:         v.MySubmitted,
		PartnerSubmitted:    v.PartnerSubmitted,
		MyApproved:          v.MyApproved,
		PartnerApproved:     v.PartnerApproved,
		CanSubmit:           v.CanSubmit,
		CanApprove:          v.CanApprove,
		WaitingMessage:      v.WaitingMessage,
		ParticipantConflict: v.ParticipantConflict,
	}
	if !v.CompletedAt.IsZero() {
		t := v.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	code := setup.Reason(err)
	if errors.Is(err, identity.ErrNoUser) {
		code = "no_user"
	}
	c.Set(observability.ContextCode, code)
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrNoUser):
		return http.StatusUnauthorized
	case errors.Is(err, setup.ErrNoRole), errors.Is(err, setup.ErrInvalidActor):
		return http.StatusForbidden
	case errors.Is(err, setup.ErrInvalidPayload), errors.Is(err, steps.ErrInvalidPayload), errors.Is(err, steps.ErrUnsupportedType):
		return http.StatusBadRequest
	case errors.Is(err, setup.ErrOutOfTurn),
		errors.Is(err, setup.ErrNoProposalYet),
		errors.Is(err, setup.ErrTooManyParticipants),
		errors.Is(err, setup.ErrStepNotComplete),
		errors.Is(err, setup.ErrSequenceFinished):
		return http.StatusConflict
	case errors.Is(err, setup.ErrDocumentMissing):
		return http.StatusNotFound
	case errors.Is(err, setup.ErrStoreUnavailable), errors.Is(err, setup.ErrWriteFailed), errors.Is(err, docstore.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
