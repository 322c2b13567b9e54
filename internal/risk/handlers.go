package risk

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/refguard/internal/pagination"
	"github.com/mbd888/refguard/internal/validation"
)

// Handler provides HTTP endpoints for referral risk operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new risk handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterProtectedRoutes sets up API-key protected routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/referrals/validate", h.ValidateReferral)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/fraud/stats", h.GetFraudStatistics)
	r.GET("/fraud/logs", h.ListFraudLogs)
	r.GET("/reviews", h.ListPendingReviews)
	r.POST("/reviews/:userId", h.ReviewFlaggedUser)
}

type profileRequest struct {
	Username            string `json:"username"`
	FirstName           string `json:"firstName"`
	ProfilePhotoPresent bool   `json:"profilePhotoPresent"`
	AccountAgeDays      *int   `json:"accountAgeDays"`
}

// ValidateReferralRequest is the body of POST /v1/referrals/validate.
type ValidateReferralRequest struct {
	ReferrerID int64          `json:"referrerId"`
	ReferredID int64          `json:"referredId"`
	Profile    profileRequest `json:"profile"`
}

// ReviewRequest is the body of POST /v1/admin/reviews/:userId.
type ReviewRequest struct {
	Decision ReviewDecision `json:"decision"`
	Notes    string         `json:"notes"`
}

// ValidateReferral handles POST /v1/referrals/validate
func (h *Handler) ValidateReferral(c *gin.Context) {
	var req ValidateReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.PositiveID("referrerId", req.ReferrerID),
		validation.PositiveID("referredId", req.ReferredID),
		validation.MaxLength("profile.username", req.Profile.Username, validation.MaxNameLength),
		validation.MaxLength("profile.firstName", req.Profile.FirstName, validation.MaxNameLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	profile := UserProfile{
		Username:            validation.SanitizeString(req.Profile.Username, validation.MaxNameLength),
		FirstName:           validation.SanitizeString(req.Profile.FirstName, validation.MaxNameLength),
		ProfilePhotoPresent: req.Profile.ProfilePhotoPresent,
		AccountAgeDays:      UnknownAccountAge,
	}
	if req.Profile.AccountAgeDays != nil {
		profile.AccountAgeDays = *req.Profile.AccountAgeDays
	}

	result := h.engine.ValidateReferral(c.Request.Context(), req.ReferrerID, req.ReferredID, profile)
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// GetFraudStatistics handles GET /v1/admin/fraud/stats
func (h *Handler) GetFraudStatistics(c *gin.Context) {
	stats, err := h.engine.GetFraudStatistics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute fraud statistics",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// ListFraudLogs handles GET /v1/admin/fraud/logs
func (h *Handler) ListFraudLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	page, err := h.engine.ListFraudLogs(c.Request.Context(), c.Query("cursor"), limit)
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list fraud logs",
		})
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListPendingReviews handles GET /v1/admin/reviews
func (h *Handler) ListPendingReviews(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	reviews, err := h.engine.ListPendingReviews(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list reviews",
		})
		return
	}
	if reviews == nil {
		reviews = []*Review{}
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews, "count": len(reviews)})
}

// ReviewFlaggedUser handles POST /v1/admin/reviews/:userId
func (h *Handler) ReviewFlaggedUser(c *gin.Context) {
	userID, err := validation.ParseID(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "userId must be a positive integer",
		})
		return
	}

	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	notes := validation.SanitizeString(req.Notes, validation.MaxStringLength)

	err = h.engine.ReviewFlaggedUser(c.Request.Context(), userID, req.Decision, notes)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"userId": userID, "decision": req.Decision})
	case errors.Is(err, ErrInvalidDecision):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_decision",
			"message": err.Error(),
		})
	case errors.Is(err, ErrReviewNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "User is not flagged for review",
		})
	case errors.Is(err, ErrAlreadyReviewed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_reviewed",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to apply review decision",
		})
	}
}
