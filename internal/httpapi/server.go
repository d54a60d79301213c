package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/changeroom/billingcore/internal/stripefeed"
	"github.com/changeroom/billingcore/pkg/billing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// CreditService is the slice of the billing core the HTTP facade needs.
// *billing.Service satisfies it.
type CreditService interface {
	Reserve(ctx context.Context, userID billing.UserID, requestID billing.RequestID, amount billing.CreditAmount, reason string, expiresAtUnixUTC int64) (billing.ReserveResult, error)
	Finalize(ctx context.Context, requestID billing.RequestID) (*billing.Hold, error)
	Release(ctx context.Context, requestID billing.RequestID, reason string) (*billing.Hold, error)
	Cancel(ctx context.Context, requestID billing.RequestID, reason string) (*billing.Hold, error)
	Grant(ctx context.Context, userID billing.UserID, requestID billing.RequestID, amount billing.CreditAmount, metadata billing.MetadataJSON) (billing.Account, error)
	Refund(ctx context.Context, userID billing.UserID, requestID billing.RequestID, amount billing.CreditAmount, metadata billing.MetadataJSON) (billing.Account, error)
	ApplyPenalty(ctx context.Context, userID billing.UserID, requestID billing.RequestID, amount billing.CreditAmount, reason string) (billing.Account, error)
	GrantFreeTrialOnce(ctx context.Context, userID billing.UserID, amount billing.CreditAmount) (billing.Account, bool, error)
	SetPlan(ctx context.Context, userID billing.UserID, plan billing.Plan, externalCustomerRef string, externalSubscriptionRef string) (billing.Account, error)
	SetFrozen(ctx context.Context, userID billing.UserID, frozen bool) (billing.Account, error)
	GetAccount(ctx context.Context, userID billing.UserID) (billing.Account, bool, error)
	GetHold(ctx context.Context, requestID billing.RequestID) (billing.Hold, bool, error)
	ListLedgerEntries(ctx context.Context, userID billing.UserID, limit int) ([]billing.LedgerEntry, error)
}

// Run boots the HTTP facade using the supplied configuration.
func Run(ctx context.Context, cfg Config, service CreditService, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if service == nil {
		return fmt.Errorf("credit service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		mapper:  stripefeed.NewMapper(),
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("billing api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/stripe", handler.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware("auth_claims"))

	api.GET("/account", handler.handleAccount)
	api.GET("/ledger", handler.handleLedger)
	api.POST("/trial", handler.handleTrial)
	api.POST("/holds", handler.handleReserve)
	api.GET("/holds/:requestId", handler.handleGetHold)
	api.POST("/holds/:requestId/finalize", handler.handleFinalize)
	api.POST("/holds/:requestId/release", handler.handleRelease)
	api.POST("/holds/:requestId/cancel", handler.handleCancel)

	if cfg.AdminToken != "" {
		admin := router.Group("/admin")
		admin.Use(adminTokenMiddleware(cfg.AdminToken))

		admin.POST("/grants", handler.handleAdminGrant)
		admin.POST("/refunds", handler.handleAdminRefund)
		admin.POST("/penalties", handler.handleAdminPenalty)
		admin.POST("/plans", handler.handleAdminPlan)
		admin.POST("/freezes", handler.handleAdminFreeze)
		admin.POST("/trials", handler.handleAdminTrial)
	}

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service CreditService
	mapper  *stripefeed.Mapper
	cfg     Config
}

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, found, err := handler.service.GetAccount(requestCtx, userID)
	if err != nil {
		handler.logger.Error("account fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "account unavailable"))
		return
	}
	if !found {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "account does not exist yet"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": accountPayloadFrom(account)})
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	entries, err := handler.service.ListLedgerEntries(requestCtx, userID, parseLimit(ctx.Query("limit")))
	if err != nil {
		handler.logger.Error("ledger fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "ledger unavailable"))
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayloadFrom(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleTrial(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	amount, err := billing.NewCreditAmount(handler.cfg.TrialCredits)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "trial amount misconfigured"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, granted, err := handler.service.GrantFreeTrialOnce(requestCtx, userID, amount)
	if err != nil {
		handler.logger.Error("trial grant failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "trial grant failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"granted": granted,
		"account": accountPayloadFrom(account),
	})
}

func (handler *httpHandler) handleReserve(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request reserveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestID, err := billing.NewRequestID(request.RequestID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request_id", err.Error()))
		return
	}
	amount, err := billing.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.service.Reserve(requestCtx, userID, requestID, amount, request.Reason, request.ExpiresAtUnixUTC)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInsufficientCredits):
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "not enough credits"))
		case errors.Is(err, billing.ErrAccountFrozen):
			ctx.JSON(http.StatusForbidden, errorResponse("account_frozen", "account is frozen"))
		default:
			handler.logger.Error("reserve failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "reserve failed"))
		}
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	ctx.JSON(status, gin.H{
		"created": result.Created,
		"hold":    holdPayloadFrom(result.Hold),
		"account": accountPayloadFrom(result.Account),
	})
}

func (handler *httpHandler) handleGetHold(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestID, err := billing.NewRequestID(ctx.Param("requestId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request_id", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	hold, found, err := handler.service.GetHold(requestCtx, requestID)
	if err != nil {
		handler.logger.Error("hold fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "hold unavailable"))
		return
	}
	// Another user's hold reads as absent; the 404 must not leak that the
	// request id exists.
	if !found || hold.UserID != userID.String() {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "hold does not exist"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"hold": holdPayloadFrom(hold)})
}

func (handler *httpHandler) handleFinalize(ctx *gin.Context) {
	handler.transitionHold(ctx, func(requestCtx context.Context, requestID billing.RequestID, _ string) (*billing.Hold, error) {
		return handler.service.Finalize(requestCtx, requestID)
	})
}

func (handler *httpHandler) handleRelease(ctx *gin.Context) {
	handler.transitionHold(ctx, func(requestCtx context.Context, requestID billing.RequestID, reason string) (*billing.Hold, error) {
		return handler.service.Release(requestCtx, requestID, reason)
	})
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	handler.transitionHold(ctx, func(requestCtx context.Context, requestID billing.RequestID, reason string) (*billing.Hold, error) {
		return handler.service.Cancel(requestCtx, requestID, reason)
	})
}

func (handler *httpHandler) transitionHold(ctx *gin.Context, transition func(context.Context, billing.RequestID, string) (*billing.Hold, error)) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestID, err := billing.NewRequestID(ctx.Param("requestId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request_id", err.Error()))
		return
	}
	var request transitionRequest
	_ = ctx.ShouldBindJSON(&request)

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	existing, found, err := handler.service.GetHold(requestCtx, requestID)
	if err != nil {
		handler.logger.Error("hold fetch failed", zap.String("request_id", requestID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "hold unavailable"))
		return
	}
	if !found || existing.UserID != userID.String() {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "hold does not exist"))
		return
	}

	hold, err := transition(requestCtx, requestID, request.Reason)
	if err != nil {
		handler.logger.Error("hold transition failed", zap.String("request_id", requestID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "hold transition failed"))
		return
	}
	if hold == nil {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "hold does not exist"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"hold": holdPayloadFrom(*hold)})
}

func (handler *httpHandler) sessionUser(ctx *gin.Context) (billing.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return billing.UserID{}, false
	}
	userID, err := billing.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return billing.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type reserveRequest struct {
	RequestID        string `json:"request_id"`
	Amount           int64  `json:"amount"`
	Reason           string `json:"reason"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
}

type transitionRequest struct {
	Reason string `json:"reason"`
}
