package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/PlanFactsLab/planfacts/backend/internal/directory"
	"github.com/PlanFactsLab/planfacts/backend/internal/imports"
	"github.com/PlanFactsLab/planfacts/backend/internal/trust"
)

const operatorContextKey = "planfacts_operator"

var (
	errMissingTrustService     = errors.New("trust service dependency required")
	errMissingLifecycle        = errors.New("lifecycle dependency required")
	errMissingDirectoryService = errors.New("directory service dependency required")
	errMissingResolver         = errors.New("import resolver dependency required")
	errMissingTokenValidator   = errors.New("token validator dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// OperatorTokenValidator checks the bearer token guarding operator endpoints.
type OperatorTokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TrustService     *trust.Service
	Lifecycle        *trust.Lifecycle
	DirectoryService *directory.Service
	Resolver         *imports.Resolver
	TokenValidator   OperatorTokenValidator
	Gatherer         prometheus.Gatherer
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TrustService == nil {
		return nil, errMissingTrustService
	}
	if deps.Lifecycle == nil {
		return nil, errMissingLifecycle
	}
	if deps.DirectoryService == nil {
		return nil, errMissingDirectoryService
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		trustService:     deps.TrustService,
		lifecycle:        deps.Lifecycle,
		directoryService: deps.DirectoryService,
		resolver:         deps.Resolver,
		tokens:           deps.TokenValidator,
		logger:           logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/verifications", handler.handleSubmit)
	router.POST("/verifications/:id/votes", handler.handleVote)
	router.GET("/stats", handler.handleStats)
	router.GET("/providers/:id/acceptances", handler.handleListAcceptances)

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	admin := router.Group("/admin")
	admin.Use(handler.authorizeOperator)
	admin.POST("/providers", handler.handleRegisterProvider)
	admin.POST("/plans", handler.handleRegisterPlan)
	admin.POST("/imports", handler.handleImportBatch)
	admin.GET("/conflicts", handler.handleListConflicts)
	admin.POST("/conflicts/:id/resolve", handler.handleResolveConflict)
	admin.POST("/cleanup", handler.handleCleanup)
	admin.GET("/expiration-stats", handler.handleExpirationStats)
	admin.POST("/backfill", handler.handleBackfill)

	return router, nil
}

type httpHandler struct {
	trustService     *trust.Service
	lifecycle        *trust.Lifecycle
	directoryService *directory.Service
	resolver         *imports.Resolver
	tokens           OperatorTokenValidator
	logger           *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type submitRequestPayload struct {
	ProviderID  string `json:"provider_id"`
	PlanID      string `json:"plan_id"`
	LocationID  string `json:"location_id"`
	Accepts     *bool  `json:"accepts"`
	SubmittedBy string `json:"submitted_by"`
}

type acceptancePayload struct {
	AcceptanceID      string  `json:"acceptance_id"`
	ProviderID        string  `json:"provider_id"`
	PlanID            string  `json:"plan_id"`
	LocationID        string  `json:"location_id"`
	Status            string  `json:"status"`
	ConfidenceScore   int     `json:"confidence_score"`
	ConfidenceLevel   string  `json:"confidence_level"`
	DataSourceScore   int     `json:"data_source_score"`
	RecencyScore      int     `json:"recency_score"`
	VerificationScore int     `json:"verification_score"`
	AgreementScore    int     `json:"agreement_score"`
	VerificationCount int64   `json:"verification_count"`
	DataSource        string  `json:"data_source"`
	LastVerifiedAt    *string `json:"last_verified_at"`
	ExpiresAt         *string `json:"expires_at"`
}

type submitResponsePayload struct {
	VerificationID string            `json:"verification_id"`
	Acceptance     acceptancePayload `json:"acceptance"`
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Accepts == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.trustService.Submit(c.Request.Context(), trust.SubmitRequest{
		ProviderID:  request.ProviderID,
		PlanID:      request.PlanID,
		LocationID:  request.LocationID,
		Accepts:     *request.Accepts,
		SourceIP:    c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		SubmittedBy: request.SubmittedBy,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, submitResponsePayload{
		VerificationID: result.Verification.VerificationID,
		Acceptance:     renderAcceptance(result.Acceptance),
	})
}

type voteRequestPayload struct {
	Direction string `json:"direction"`
}

func (h *httpHandler) handleVote(c *gin.Context) {
	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	direction, ok := trust.ParseVoteDirection(request.Direction)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_direction"})
		return
	}

	if err := h.trustService.Vote(c.Request.Context(), c.Param("id"), direction, c.ClientIP()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

type statsResponsePayload struct {
	Total       int64            `json:"total"`
	Approved    int64            `json:"approved"`
	Pending     int64            `json:"pending"`
	ByType      map[string]int64 `json:"by_type"`
	RecentCount int64            `json:"recent_count"`
}

func (h *httpHandler) handleStats(c *gin.Context) {
	report, err := h.trustService.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statsResponsePayload{
		Total:       report.Total,
		Approved:    report.Approved,
		Pending:     report.Pending,
		ByType:      report.ByType,
		RecentCount: report.RecentCount,
	})
}

func (h *httpHandler) handleListAcceptances(c *gin.Context) {
	acceptances, err := h.trustService.ListAcceptances(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]acceptancePayload, 0, len(acceptances))
	for _, acceptance := range acceptances {
		payload = append(payload, renderAcceptance(acceptance))
	}
	c.JSON(http.StatusOK, gin.H{"acceptances": payload})
}

type providerRequestPayload struct {
	ProviderID   string `json:"provider_id"`
	DisplayName  string `json:"display_name"`
	Specialty    string `json:"specialty"`
	Phone        string `json:"phone"`
	Fax          string `json:"fax"`
	AddressLine1 string `json:"address_line1"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postal_code"`
	DataSource   string `json:"data_source"`
}

func (h *httpHandler) handleRegisterProvider(c *gin.Context) {
	var request providerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	provider, err := h.directoryService.RegisterProvider(c.Request.Context(), directory.Provider{
		ProviderID:   request.ProviderID,
		DisplayName:  request.DisplayName,
		Specialty:    trust.SpecialtyCategory(request.Specialty),
		Phone:        request.Phone,
		Fax:          request.Fax,
		AddressLine1: request.AddressLine1,
		City:         request.City,
		State:        request.State,
		PostalCode:   request.PostalCode,
		DataSource:   trust.DataSource(request.DataSource),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"provider_id": provider.ProviderID})
}

type planRequestPayload struct {
	PlanID      string `json:"plan_id"`
	CarrierName string `json:"carrier_name"`
	PlanName    string `json:"plan_name"`
	PlanType    string `json:"plan_type"`
}

func (h *httpHandler) handleRegisterPlan(c *gin.Context) {
	var request planRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	plan, err := h.directoryService.RegisterPlan(c.Request.Context(), directory.Plan{
		PlanID:      request.PlanID,
		CarrierName: request.CarrierName,
		PlanName:    request.PlanName,
		PlanType:    request.PlanType,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plan_id": plan.PlanID})
}

type importBatchPayload struct {
	Updates []importUpdatePayload `json:"updates"`
}

type importUpdatePayload struct {
	ProviderID string `json:"provider_id"`
	Field      string `json:"field"`
	Value      string `json:"value"`
}

func (h *httpHandler) handleImportBatch(c *gin.Context) {
	var request importBatchPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	updates := make([]imports.FieldUpdate, 0, len(request.Updates))
	for _, update := range request.Updates {
		updates = append(updates, imports.FieldUpdate{
			ProviderID: update.ProviderID,
			Field:      update.Field,
			Incoming:   update.Value,
		})
	}

	report, err := h.resolver.ApplyBatch(c.Request.Context(), updates)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": report.Applied, "conflicts": report.Conflicts})
}

type conflictPayload struct {
	ConflictID     string  `json:"conflict_id"`
	TargetRecordID string  `json:"target_record_id"`
	FieldName      string  `json:"field_name"`
	CurrentValue   string  `json:"current_value"`
	IncomingValue  string  `json:"incoming_value"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	ResolvedAt     *string `json:"resolved_at"`
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	conflicts, err := h.resolver.List(c.Request.Context(), imports.ConflictStatus(strings.TrimSpace(c.Query("status"))))
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := make([]conflictPayload, 0, len(conflicts))
	for _, conflict := range conflicts {
		payload = append(payload, conflictPayload{
			ConflictID:     conflict.ConflictID,
			TargetRecordID: conflict.TargetRecordID,
			FieldName:      conflict.FieldName,
			CurrentValue:   conflict.CurrentValue,
			IncomingValue:  conflict.IncomingValue,
			Status:         string(conflict.Status),
			CreatedAt:      conflict.CreatedAt.UTC().Format(time.RFC3339),
			ResolvedAt:     renderTime(conflict.ResolvedAt),
		})
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": payload})
}

type resolveRequestPayload struct {
	Outcome string `json:"outcome"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.resolver.Resolve(c.Request.Context(), c.Param("id"), imports.ConflictStatus(strings.TrimSpace(request.Outcome)))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("import conflict resolved",
		zap.String("conflict_id", c.Param("id")),
		zap.String("outcome", request.Outcome),
		zap.String("operator", c.GetString(operatorContextKey)))
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func (h *httpHandler) handleCleanup(c *gin.Context) {
	dryRun := strings.EqualFold(c.DefaultQuery("dry_run", "false"), "true")
	batchSize := 0
	if raw := c.Query("batch_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_batch_size"})
			return
		}
		batchSize = parsed
	}

	report, err := h.lifecycle.CleanupExpired(c.Request.Context(), dryRun, batchSize)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dry_run":                report.DryRun,
		"batch_size":             report.BatchSize,
		"expired_verifications":  report.ExpiredVerifications,
		"expired_acceptances":    report.ExpiredAcceptances,
		"deleted_verifications":  report.DeletedVerifications,
		"deleted_acceptances":    report.DeletedAcceptances,
		"deleted_votes":          report.DeletedVotes,
		"unlinked_verifications": report.UnlinkedVerifications,
	})
}

func (h *httpHandler) handleExpirationStats(c *gin.Context) {
	stats, err := h.lifecycle.ExpirationStats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generated_at":  stats.GeneratedAt.UTC().Format(time.RFC3339),
		"verifications": renderTableStats(stats.Verifications),
		"acceptances":   renderTableStats(stats.Acceptances),
	})
}

func (h *httpHandler) handleBackfill(c *gin.Context) {
	apply := strings.EqualFold(c.DefaultQuery("apply", "false"), "true")

	report, err := h.lifecycle.BackfillExpirations(c.Request.Context(), apply)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied":               report.Applied,
		"missing_verifications": report.MissingVerifications,
		"missing_acceptances":   report.MissingAcceptances,
		"updated_verifications": report.UpdatedVerifications,
		"updated_acceptances":   report.UpdatedAcceptances,
	})
}

func (h *httpHandler) authorizeOperator(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	operator, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine; only unexpected failures warrant a warning.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("operator token expired", zap.Error(err))
		} else {
			h.logger.Warn("operator token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, operator)
	c.Next()
}

// respondError maps service errors onto HTTP statuses. Unexpected failures
// log with detail but surface only a generic payload.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trust.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.Is(err, trust.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, trust.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate"})
	case errors.Is(err, imports.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func renderAcceptance(acceptance trust.PlanAcceptance) acceptancePayload {
	return acceptancePayload{
		AcceptanceID:      acceptance.AcceptanceID,
		ProviderID:        acceptance.ProviderID,
		PlanID:            acceptance.PlanID,
		LocationID:        acceptance.LocationID,
		Status:            string(acceptance.Status),
		ConfidenceScore:   acceptance.ConfidenceScore,
		ConfidenceLevel:   string(acceptance.ConfidenceLevel),
		DataSourceScore:   acceptance.DataSourceScore,
		RecencyScore:      acceptance.RecencyScore,
		VerificationScore: acceptance.VerificationScore,
		AgreementScore:    acceptance.AgreementScore,
		VerificationCount: acceptance.VerificationCount,
		DataSource:        string(acceptance.DataSource),
		LastVerifiedAt:    renderTime(acceptance.LastVerifiedAt),
		ExpiresAt:         renderTime(acceptance.ExpiresAt),
	}
}

func renderTableStats(stats trust.TableExpirationStats) gin.H {
	return gin.H{
		"total":                   stats.Total,
		"with_expiry":             stats.WithExpiry,
		"expired":                 stats.Expired,
		"expiring_within_7_days":  stats.ExpiringWithin7Days,
		"expiring_within_30_days": stats.ExpiringWithin30Days,
	}
}

func renderTime(value *time.Time) *string {
	if value == nil {
		return nil
	}
	rendered := value.UTC().Format(time.RFC3339)
	return &rendered
}
