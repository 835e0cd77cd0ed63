package catalog

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"coupon-engine/pkg/db/pagination"
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
		v1.GET("/coupons", h.List)
		v1.GET("/coupons/:id", h.Get)
		v1.POST("/merchants/:merchant_id/coupons", h.Create)
		v1.PATCH("/coupons/:id", h.Update)
		v1.POST("/coupons/:id/pause", h.Pause)
		v1.POST("/coupons/:id/resume", h.Resume)
		v1.POST("/coupons/:id/end", h.End)
	}
}

type createDefinitionBody struct {
	ShopID       *string        `json:"shop_id"`
	Title        string         `json:"title" binding:"required"`
	Description  string         `json:"description"`
	Type         string         `json:"type" binding:"required"`
	Amount       int64          `json:"amount"`
	DiscountRate float64        `json:"discount_rate"`
	MinimumSpend int64          `json:"minimum_spend"`
	TotalCount   int64          `json:"total_count"`
	PerUserLimit int            `json:"per_user_limit"`
	ValidFrom    time.Time      `json:"valid_from" binding:"required"`
	ValidUntil   time.Time      `json:"valid_until" binding:"required"`
	RedeemFrom   *time.Time     `json:"redeem_from"`
	RedeemUntil  *time.Time     `json:"redeem_until"`
	Stackable    bool           `json:"stackable"`
	Metadata     datatypes.JSON `json:"metadata"`
}

func (h *Handler) Create(c *gin.Context) {
	merchantID, err := snowflake.ParseString(c.Param("merchant_id"))
	if err != nil {
		c.Error(errutil.BadRequest("invalid merchant id", err))
		return
	}

	var body createDefinitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	req := CreateDefinitionRequest{
		MerchantID:   merchantID,
		Title:        body.Title,
		Description:  body.Description,
		Type:         CouponType(body.Type),
		Amount:       body.Amount,
		DiscountRate: body.DiscountRate,
		MinimumSpend: body.MinimumSpend,
		TotalCount:   body.TotalCount,
		PerUserLimit: body.PerUserLimit,
		ValidFrom:    body.ValidFrom,
		ValidUntil:   body.ValidUntil,
		RedeemFrom:   body.RedeemFrom,
		RedeemUntil:  body.RedeemUntil,
		Stackable:    body.Stackable,
		Metadata:     body.Metadata,
	}
	if body.ShopID != nil {
		shopID, err := snowflake.ParseString(*body.ShopID)
		if err != nil {
			c.Error(errutil.BadRequest("invalid shop id", err))
			return
		}
		req.ShopID = &shopID
	}

	def, err := h.svc.CreateDefinition(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"coupon": def})
}

type updateDefinitionBody struct {
	Title        *string           `json:"title"`
	Description  *string           `json:"description"`
	PerUserLimit *int              `json:"per_user_limit"`
	ValidFrom    *time.Time        `json:"valid_from"`
	ValidUntil   *time.Time        `json:"valid_until"`
	RedeemFrom   *time.Time        `json:"redeem_from"`
	RedeemUntil  *time.Time        `json:"redeem_until"`
	Stackable    *bool             `json:"stackable"`
	Status       *DefinitionStatus `json:"status"`
	TotalCount   *int64            `json:"total_count"`
}

func (h *Handler) Update(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		c.Error(errutil.BadRequest("invalid coupon id", err))
		return
	}

	var body updateDefinitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	def, err := h.svc.UpdateDefinition(c.Request.Context(), id, UpdateDefinitionRequest{
		Title:        body.Title,
		Description:  body.Description,
		PerUserLimit: body.PerUserLimit,
		ValidFrom:    body.ValidFrom,
		ValidUntil:   body.ValidUntil,
		RedeemFrom:   body.RedeemFrom,
		RedeemUntil:  body.RedeemUntil,
		Stackable:    body.Stackable,
		Status:       body.Status,
		TotalCount:   body.TotalCount,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"coupon": def})
}

func (h *Handler) Get(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		c.Error(errutil.BadRequest("invalid coupon id", err))
		return
	}

	def, err := h.svc.GetDefinition(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"coupon": def})
}

type listQuery struct {
	MerchantID string `form:"merchant_id"`
	ShopID     string `form:"shop_id"`
	Type       string `form:"type"`
	Keyword    string `form:"keyword"`
	pagination.Pagination
}

func (h *Handler) List(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	filter := ListFilter{
		Type:       CouponType(q.Type),
		Keyword:    q.Keyword,
		Pagination: q.Pagination,
	}
	if q.MerchantID != "" {
		merchantID, err := snowflake.ParseString(q.MerchantID)
		if err != nil {
			c.Error(errutil.BadRequest("invalid merchant id", err))
			return
		}
		filter.MerchantID = merchantID
	}
	if q.ShopID != "" {
		shopID, err := snowflake.ParseString(q.ShopID)
		if err != nil {
			c.Error(errutil.BadRequest("invalid shop id", err))
			return
		}
		filter.ShopID = &shopID
	}

	defs, pageInfo, err := h.svc.ListActiveDefinitions(c.Request.Context(), filter)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"coupons": defs, "page_info": pageInfo})
}

func (h *Handler) Pause(c *gin.Context) {
	h.lifecycle(c, h.svc.Pause)
}

func (h *Handler) Resume(c *gin.Context) {
	h.lifecycle(c, h.svc.Resume)
}

func (h *Handler) End(c *gin.Context) {
	h.lifecycle(c, h.svc.End)
}

func (h *Handler) lifecycle(c *gin.Context, fn func(context.Context, snowflake.ID) (*CouponDefinition, error)) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		c.Error(errutil.BadRequest("invalid coupon id", err))
		return
	}

	def, err := fn(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"coupon": def})
}
