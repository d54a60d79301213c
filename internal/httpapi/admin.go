package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/changeroom/billingcore/pkg/billing"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const adminTokenHeader = "X-Admin-Token"

// adminTokenMiddleware guards the operator surface with a shared token. The
// group is only registered when a token is configured.
func adminTokenMiddleware(token string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		presented := ctx.GetHeader(adminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid admin token"))
			return
		}
		ctx.Next()
	}
}

type adminCreditRequest struct {
	UserID    string            `json:"user_id"`
	RequestID string            `json:"request_id"`
	Amount    int64             `json:"amount"`
	Metadata  map[string]string `json:"metadata"`
}

type adminPenaltyRequest struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

type adminPlanRequest struct {
	UserID          string `json:"user_id"`
	Plan            string `json:"plan"`
	CustomerRef     string `json:"customer_ref"`
	SubscriptionRef string `json:"subscription_ref"`
}

type adminFreezeRequest struct {
	UserID string `json:"user_id"`
	Frozen bool   `json:"frozen"`
}

type adminTrialRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

func (handler *httpHandler) handleAdminGrant(ctx *gin.Context) {
	handler.adminCredit(ctx, false, handler.service.Grant)
}

func (handler *httpHandler) handleAdminRefund(ctx *gin.Context) {
	handler.adminCredit(ctx, true, handler.service.Refund)
}

// adminCredit shares the grant/refund plumbing. Grants may omit the request
// id and apply unconditionally; refunds always carry one so provider-side
// retries stay idempotent.
func (handler *httpHandler) adminCredit(ctx *gin.Context, requireRequestID bool, apply func(ctx context.Context, userID billing.UserID, requestID billing.RequestID, amount billing.CreditAmount, metadata billing.MetadataJSON) (billing.Account, error)) {
	var request adminCreditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := billing.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	var requestID billing.RequestID
	if requireRequestID || request.RequestID != "" {
		requestID, err = billing.NewRequestID(request.RequestID)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request_id", err.Error()))
			return
		}
	}
	amount, err := billing.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	metadata, err := billing.NewMetadataJSON(encodeActionMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, err := apply(requestCtx, userID, requestID, amount, metadata)
	if err != nil {
		handler.logger.Error("admin credit failed", zap.String("user_id", request.UserID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "credit failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": accountPayloadFrom(account)})
}

func (handler *httpHandler) handleAdminPenalty(ctx *gin.Context) {
	var request adminPenaltyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := billing.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
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

	account, err := handler.service.ApplyPenalty(requestCtx, userID, requestID, amount, request.Reason)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInsufficientCredits):
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "not enough credits"))
		case errors.Is(err, billing.ErrAccountFrozen):
			ctx.JSON(http.StatusForbidden, errorResponse("account_frozen", "account is frozen"))
		default:
			handler.logger.Error("admin penalty failed", zap.String("user_id", request.UserID), zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "penalty failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": accountPayloadFrom(account)})
}

func (handler *httpHandler) handleAdminPlan(ctx *gin.Context) {
	var request adminPlanRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := billing.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	plan, err := billing.ParsePlan(request.Plan)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_plan", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, err := handler.service.SetPlan(requestCtx, userID, plan, request.CustomerRef, request.SubscriptionRef)
	if err != nil {
		handler.logger.Error("admin plan change failed", zap.String("user_id", request.UserID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "plan change failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": accountPayloadFrom(account)})
}

func (handler *httpHandler) handleAdminFreeze(ctx *gin.Context) {
	var request adminFreezeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := billing.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, err := handler.service.SetFrozen(requestCtx, userID, request.Frozen)
	if err != nil {
		handler.logger.Error("admin freeze failed", zap.String("user_id", request.UserID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "freeze failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": accountPayloadFrom(account)})
}

func (handler *httpHandler) handleAdminTrial(ctx *gin.Context) {
	var request adminTrialRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := billing.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	credits := request.Amount
	if credits <= 0 {
		credits = handler.cfg.TrialCredits
	}
	amount, err := billing.NewCreditAmount(credits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, granted, err := handler.service.GrantFreeTrialOnce(requestCtx, userID, amount)
	if err != nil {
		handler.logger.Error("admin trial grant failed", zap.String("user_id", request.UserID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "trial grant failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"granted": granted,
		"account": accountPayloadFrom(account),
	})
}
