package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	st "github.com/keshon/gatekeeper/internal/storagetypes"
	"github.com/keshon/gatekeeper/internal/verification"
)

const (
	codeBadRequest       = "bad_request"
	codeUnauthorized     = "unauthorized"
	codeNotFound         = "not_found"
	codeConflict         = "conflict"
	codeRateLimited      = "too_many_requests"
	codeInternal         = "internal_error"
	codeMethodNotAllowed = "method_not_allowed"
)

type errorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		LoggerFrom(c).Error().Int("status", status).Str("code", code).Str("message", msg).Msg("api error")
	}
	c.AbortWithStatusJSON(status, errorResponse{
		RequestID: c.Writer.Header().Get(requestIDHeader),
		Code:      code,
		Message:   msg,
	})
}

// challengeView is what a client sees of a pending record. The math answer
// never leaves the server.
type challengeView struct {
	ChallengeID string    `json:"challenge_id"`
	StartedAt   time.Time `json:"started_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Required    []st.Step `json:"required"`
	Completed   []st.Step `json:"completed"`
	Remaining   []st.Step `json:"remaining"`
	Code        string    `json:"code,omitempty"`
	MathProblem string    `json:"math_problem,omitempty"`
}

func viewOf(p *st.PendingVerification) *challengeView {
	if p == nil {
		return nil
	}
	v := &challengeView{
		ChallengeID: p.ChallengeID,
		StartedAt:   p.StartedAt,
		ExpiresAt:   p.ExpiresAt,
		Required:    p.Required,
		Completed:   p.CompletedSteps,
		Remaining:   p.Outstanding(),
		Code:        p.Code,
	}
	if p.Math != nil {
		v.MathProblem = p.Math.Problem
	}
	return v
}

type startResponse struct {
	Outcome   verification.Outcome `json:"outcome"`
	State     verification.State   `json:"state"`
	Reason    string               `json:"reason,omitempty"`
	Challenge *challengeView       `json:"challenge,omitempty"`
}

type stepResponse struct {
	Outcome   verification.Outcome `json:"outcome"`
	State     verification.State   `json:"state"`
	Remaining []st.Step            `json:"remaining"`
}

type finalizeResponse struct {
	Outcome   verification.Outcome `json:"outcome"`
	State     verification.State   `json:"state"`
	Score     int                  `json:"score"`
	Threshold int                  `json:"threshold"`
	Triggered []string             `json:"triggered,omitempty"`
	Verified  *st.VerifiedUser     `json:"verified,omitempty"`
	RoleError string               `json:"role_error,omitempty"`
}

type statusResponse struct {
	State     verification.State `json:"state"`
	Challenge *challengeView     `json:"challenge,omitempty"`
	Verified  *st.VerifiedUser   `json:"verified,omitempty"`
}
