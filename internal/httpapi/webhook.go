package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/changeroom/billingcore/internal/stripefeed"
	"github.com/changeroom/billingcore/pkg/billing"
	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const webhookBodyLimitBytes = 1 << 20

func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, webhookBodyLimitBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	event, err := webhook.ConstructEvent(payload, ctx.GetHeader("Stripe-Signature"), handler.cfg.StripeWebhookSecret)
	if err != nil {
		handler.logger.Warn("stripe signature rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
		return
	}

	action, handled, err := handler.mapper.MapEvent(event)
	if err != nil {
		if errors.Is(err, stripefeed.ErrMissingUserRef) {
			handler.logger.Warn("stripe event without user attribution", zap.String("event_type", string(event.Type)))
			ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		handler.logger.Error("stripe event decode failed", zap.String("event_type", string(event.Type)), zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "event decode failed"))
		return
	}
	if !handled {
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.applyStripeAction(requestCtx, action); err != nil {
		handler.logger.Error("stripe action failed",
			zap.String("event_type", string(event.Type)),
			zap.String("action", string(action.Kind)),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "event processing failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) applyStripeAction(ctx context.Context, action stripefeed.Action) error {
	userID, err := billing.NewUserID(action.UserID)
	if err != nil {
		return err
	}
	switch action.Kind {
	case stripefeed.ActionGrant:
		requestID, amount, metadata, err := creditArgs(action)
		if err != nil {
			return err
		}
		_, err = handler.service.Grant(ctx, userID, requestID, amount, metadata)
		return err
	case stripefeed.ActionRefund:
		requestID, amount, metadata, err := creditArgs(action)
		if err != nil {
			return err
		}
		_, err = handler.service.Refund(ctx, userID, requestID, amount, metadata)
		return err
	case stripefeed.ActionSetPlan:
		_, err = handler.service.SetPlan(ctx, userID, action.Plan, action.CustomerRef, action.SubscriptionRef)
		return err
	case stripefeed.ActionFreeze:
		_, err = handler.service.SetFrozen(ctx, userID, true)
		return err
	default:
		return nil
	}
}

func creditArgs(action stripefeed.Action) (billing.RequestID, billing.CreditAmount, billing.MetadataJSON, error) {
	requestID, err := billing.NewRequestID(action.RequestID)
	if err != nil {
		return billing.RequestID{}, 0, billing.MetadataJSON{}, err
	}
	amount, err := billing.NewCreditAmount(action.Credits)
	if err != nil {
		return billing.RequestID{}, 0, billing.MetadataJSON{}, err
	}
	metadata, err := billing.NewMetadataJSON(encodeActionMetadata(action.Metadata))
	if err != nil {
		return billing.RequestID{}, 0, billing.MetadataJSON{}, err
	}
	return requestID, amount, metadata, nil
}

func encodeActionMetadata(pairs map[string]string) string {
	if len(pairs) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(pairs)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
