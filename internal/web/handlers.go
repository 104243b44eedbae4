package web

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/keshon/gatekeeper/internal/verification"
)

// Verifier is the part of verification.Service the API exposes.
type Verifier interface {
	Start(ctx context.Context, guildID, userID string) (verification.StartResult, error)
	SubmitCode(ctx context.Context, guildID, userID, code string) (verification.StepResult, error)
	SubmitMath(ctx context.Context, guildID, userID string, answer int) (verification.StepResult, error)
	Finalize(ctx context.Context, guildID, userID string, signals verification.Signals) (verification.FinalizeResult, error)
	FinalizeRecorded(ctx context.Context, guildID, userID string) (verification.FinalizeResult, error)
	Status(ctx context.Context, guildID, userID string) (verification.StatusResult, error)
	Threshold() int
}

type handler struct {
	svc Verifier
}

type codeRequest struct {
	Code string `json:"code" binding:"required"`
}

type mathRequest struct {
	Answer *int `json:"answer" binding:"required"`
}

func ids(c *gin.Context) (string, string, bool) {
	guildID, userID := c.Param("guildID"), c.Param("userID")
	if strings.TrimSpace(guildID) == "" || strings.TrimSpace(userID) == "" {
		fail(c, http.StatusBadRequest, codeBadRequest, "guild and user IDs are required")
		return "", "", false
	}
	return guildID, userID, true
}

func (h *handler) start(c *gin.Context) {
	guildID, userID, ok := ids(c)
	if !ok {
		return
	}
	res, err := h.svc.Start(c.Request.Context(), guildID, userID)
	if err != nil {
		failFor(c, err)
		return
	}

	status := http.StatusOK
	switch res.Outcome {
	case verification.OutcomeChallengeIssued:
		status = http.StatusCreated
	case verification.OutcomeDisabled, verification.OutcomeBotRejected, verification.OutcomeAccountTooNew:
		status = http.StatusForbidden
	}
	c.JSON(status, startResponse{
		Outcome:   res.Outcome,
		State:     res.State,
		Reason:    res.Reason,
		Challenge: viewOf(res.Pending),
	})
}

func (h *handler) submitCode(c *gin.Context) {
	guildID, userID, ok := ids(c)
	if !ok {
		return
	}
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeBadRequest, "body must be {\"code\": \"...\"}")
		return
	}
	res, err := h.svc.SubmitCode(c.Request.Context(), guildID, userID, req.Code)
	h.stepReply(c, res, err)
}

func (h *handler) submitMath(c *gin.Context) {
	guildID, userID, ok := ids(c)
	if !ok {
		return
	}
	var req mathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeBadRequest, "body must be {\"answer\": <integer>}")
		return
	}
	res, err := h.svc.SubmitMath(c.Request.Context(), guildID, userID, *req.Answer)
	h.stepReply(c, res, err)
}

func (h *handler) stepReply(c *gin.Context, res verification.StepResult, err error) {
	if err != nil {
		failFor(c, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == verification.OutcomeStepRejected {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, stepResponse{Outcome: res.Outcome, State: res.State, Remaining: res.Remaining})
}

// finalize scores the client-reported signals, or the server-recorded
// interactions when the request has no body.
func (h *handler) finalize(c *gin.Context) {
	guildID, userID, ok := ids(c)
	if !ok {
		return
	}

	var (
		res verification.FinalizeResult
		err error
	)
	if c.Request.ContentLength == 0 {
		res, err = h.svc.FinalizeRecorded(c.Request.Context(), guildID, userID)
	} else {
		var signals verification.Signals
		if bindErr := c.ShouldBindJSON(&signals); bindErr != nil {
			fail(c, http.StatusBadRequest, codeBadRequest, "invalid signals payload")
			return
		}
		res, err = h.svc.Finalize(c.Request.Context(), guildID, userID, signals)
	}
	if err != nil {
		failFor(c, err)
		return
	}

	out := finalizeResponse{
		Outcome:   res.Outcome,
		State:     res.State,
		Score:     res.Score,
		Threshold: h.svc.Threshold(),
		Triggered: res.Triggered,
		Verified:  res.Record,
	}
	if res.RoleErr != nil {
		out.RoleError = res.RoleErr.Error()
		LoggerFrom(c).Warn().Err(res.RoleErr).Str("guild", guildID).Str("user", userID).Msg("verified without role")
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) status(c *gin.Context) {
	guildID, userID, ok := ids(c)
	if !ok {
		return
	}
	res, err := h.svc.Status(c.Request.Context(), guildID, userID)
	if err != nil {
		failFor(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		State:     res.State,
		Challenge: viewOf(res.Pending),
		Verified:  res.Verified,
	})
}

func failFor(c *gin.Context, err error) {
	switch {
	case errors.Is(err, verification.ErrNoPending):
		fail(c, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, verification.ErrStepsIncomplete), errors.Is(err, verification.ErrStepNotRequired):
		fail(c, http.StatusConflict, codeConflict, err.Error())
	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}
