package claim

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	"coupon-engine/pkg/errutil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")
	{
		v1.POST("/coupons/:id/claims", h.Claim)
		v1.POST("/coupons/:id/flash-claims", h.FlashClaim)
		v1.GET("/users/:user_id/coupons", h.ListUserClaims)
	}
}

type claimBody struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) Claim(c *gin.Context) {
	h.claim(c, h.svc.TryClaim)
}

func (h *Handler) FlashClaim(c *gin.Context) {
	h.claim(c, h.svc.FlashClaim)
}

func (h *Handler) claim(c *gin.Context, fn func(ctx context.Context, definitionID, userID snowflake.ID) (*ClaimResult, error)) {
	definitionID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		c.Error(errutil.BadRequest("invalid coupon id", err))
		return
	}

	var body claimBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	userID, err := snowflake.ParseString(body.UserID)
	if err != nil {
		c.Error(errutil.BadRequest("invalid user id", err))
		return
	}

	result, err := fn(c.Request.Context(), definitionID, userID)
	if err != nil {
		c.Error(errutil.Internal("claim failed", err))
		return
	}
	if result.Code != ClaimOK {
		c.Error(claimError(result.Code))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"claim":           result.Claim,
		"redemption_code": result.PlainCode,
	})
}

// claimError maps a claim outcome to a transport error. The reason detail
// keeps the outcomes distinguishable even when HTTP statuses collide.
func claimError(code ClaimCode) error {
	reason := errutil.Detail{Field: "reason", Message: string(code)}
	switch code {
	case ClaimNotFound:
		return errutil.NotFound("coupon not found", nil, errutil.WithDetails(reason))
	case ClaimNotActive:
		return errutil.Conflict("coupon is not active", nil, errutil.WithDetails(reason))
	case ClaimNotStarted:
		return errutil.Conflict("claim window has not opened", nil, errutil.WithDetails(reason))
	case ClaimExpired:
		return errutil.Gone("claim window has closed", nil, errutil.WithDetails(reason))
	case ClaimSoldOut:
		return errutil.Gone("coupon is sold out", nil, errutil.WithDetails(reason))
	case ClaimLimitReached:
		return errutil.Conflict("per-user claim limit reached", nil, errutil.WithDetails(reason))
	default:
		return errutil.Internal("unexpected claim outcome", nil, errutil.WithDetails(reason))
	}
}

type listUserQuery struct {
	Status string `form:"status"`
	Before string `form:"before"`
	Limit  int    `form:"limit,default=20"`
}

func (h *Handler) ListUserClaims(c *gin.Context) {
	userID, err := snowflake.ParseString(c.Param("user_id"))
	if err != nil {
		c.Error(errutil.BadRequest("invalid user id", err))
		return
	}

	var q listUserQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	var beforeID snowflake.ID
	if q.Before != "" {
		beforeID, err = snowflake.ParseString(q.Before)
		if err != nil {
			c.Error(errutil.BadRequest("invalid before cursor", err))
			return
		}
	}

	rows, err := h.svc.ListUserClaims(c.Request.Context(), userID, ClaimStatus(q.Status), beforeID, q.Limit)
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) {
			c.Error(err)
			return
		}
		c.Error(errutil.Internal("failed to list claims", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"claims": rows})
}
