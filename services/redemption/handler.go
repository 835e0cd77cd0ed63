package redemption

import (
	"errors"
	"io"
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
		v1.GET("/redemptions/:code", h.Verify)
		v1.POST("/redemptions/:code/redeem", h.Redeem)
	}
}

func (h *Handler) Verify(c *gin.Context) {
	shopID, err := optionalID(c.Query("shop_id"))
	if err != nil {
		c.Error(errutil.BadRequest("invalid shop id", err))
		return
	}

	result, err := h.svc.Verify(c.Request.Context(), c.Param("code"), shopID)
	if err != nil {
		c.Error(errutil.Internal("verification failed", err))
		return
	}

	// Verification is informational, so every outcome is a 200 with the
	// status in the body rather than an error envelope.
	c.JSON(http.StatusOK, result)
}

type redeemBody struct {
	ShopID     *string `json:"shop_id"`
	OperatorID *string `json:"operator_id"`
	OrderID    *string `json:"order_id"`
}

func (h *Handler) Redeem(c *gin.Context) {
	// An empty body is a plain redeem with no attribution.
	var body redeemBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	var req RedeemRequest
	if body.ShopID != nil {
		parsed, err := optionalID(*body.ShopID)
		if err != nil {
			c.Error(errutil.BadRequest("invalid shop id", err))
			return
		}
		req.ShopID = parsed
	}
	if body.OperatorID != nil {
		parsed, err := optionalID(*body.OperatorID)
		if err != nil {
			c.Error(errutil.BadRequest("invalid operator id", err))
			return
		}
		req.OperatorID = parsed
	}
	req.OrderID = body.OrderID

	result, err := h.svc.Redeem(c.Request.Context(), c.Param("code"), req)
	if err != nil {
		c.Error(errutil.Internal("redemption failed", err))
		return
	}
	if result.Status != StatusValid {
		c.Error(redeemError(result.Status))
		return
	}

	c.JSON(http.StatusOK, result)
}

func redeemError(status VerificationStatus) error {
	reason := errutil.Detail{Field: "reason", Message: string(status)}
	switch status {
	case StatusInvalidCode:
		return errutil.NotFound("unknown redemption code", nil, errutil.WithDetails(reason))
	case StatusAlreadyUsed:
		return errutil.Conflict("coupon already redeemed", nil, errutil.WithDetails(reason))
	case StatusExpired:
		return errutil.Gone("coupon has expired", nil, errutil.WithDetails(reason))
	case StatusNotRedeemableYet:
		return errutil.Conflict("redemption window has not opened", nil, errutil.WithDetails(reason))
	case StatusScopeMismatch:
		return errutil.Forbidden("coupon is not valid at this shop", nil, errutil.WithDetails(reason))
	default:
		return errutil.Internal("unexpected redemption outcome", nil, errutil.WithDetails(reason))
	}
}

func optionalID(raw string) (*snowflake.ID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
