package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/socialflowhq/creditledger/internal/balancecache"
	"github.com/socialflowhq/creditledger/internal/extern"
	"github.com/socialflowhq/creditledger/pkg/ledger"
)

type generationRequest struct {
	RequestID         string         `json:"request_id"`
	Platform          string         `json:"platform"`
	Prompt            string         `json:"prompt"`
	Tone              string         `json:"tone"`
	AccountRef        string         `json:"account_ref"`
	ScheduleAtUnixUTC int64          `json:"schedule_at_unix_utc"`
	Metadata          map[string]any `json:"metadata"`
}

type confirmationRequest struct {
	TxHash  string `json:"tx_hash"`
	Credits int64  `json:"credits"`
}

type balancePayload struct {
	Remaining int64 `json:"remaining"`
	Pending   int64 `json:"pending"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Kind           string          `json:"kind"`
	Amount         int64           `json:"amount"`
	Reference      string          `json:"reference"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
	SettledUnixUTC int64           `json:"settled_unix_utc,omitempty"`
}

type walletResponse struct {
	Balance balancePayload `json:"balance"`
	Entries []entryPayload `json:"entries"`
}

func (server *Server) handleWallet(ctx *gin.Context) {
	userID, ok := server.requireUserID(ctx)
	if !ok {
		return
	}
	server.respondWithWallet(ctx, userID)
}

func (server *Server) handleBootstrap(ctx *gin.Context) {
	userID, ok := server.requireUserID(ctx)
	if !ok {
		return
	}
	grant, err := ledger.NewCredits(server.cfg.SignupGrant)
	if err != nil {
		server.logger.Error("invalid signup grant", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("config_error", "signup grant misconfigured"))
		return
	}
	reference, err := ledger.NewReference("signup:" + userID.String())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("config_error", "invalid signup reference"))
		return
	}
	metadata, _ := ledger.NewMetadataJSON(`{"action":"signup_bootstrap"}`)

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	err = server.service.Credit(requestCtx, userID, grant, reference, ledger.KindAdjustment, metadata)
	if err != nil {
		if errors.Is(err, ledger.ErrReferenceConflict) {
			ctx.JSON(http.StatusConflict, errorResponse("reference_conflict", "signup grant already claimed"))
			return
		}
		server.logger.Error("bootstrap grant failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "grant failed"))
		return
	}
	server.invalidateBalance(ctx.Request.Context(), userID)
	server.respondWithWallet(ctx, userID)
}

func (server *Server) handleGeneration(ctx *gin.Context) {
	userID, ok := server.requireUserID(ctx)
	if !ok {
		return
	}
	var request generationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	platform, err := extern.ParsePlatform(request.Platform)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_platform", "unsupported platform"))
		return
	}
	if request.RequestID == "" {
		request.RequestID = uuid.NewString()
	}
	actionKey, err := ledger.NewReference("gen:" + request.RequestID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request_id", "request id is invalid"))
		return
	}
	cost, err := ledger.NewCredits(server.cfg.GenerationCost)
	if err != nil {
		server.logger.Error("invalid generation cost", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("config_error", "generation cost misconfigured"))
		return
	}
	metadata := marshalMetadata(request.Metadata, map[string]any{
		"action":   "generation",
		"platform": platform.String(),
	})

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.GenerationTimeout)
	defer cancel()

	attempt, err := server.gate.Authorize(requestCtx, userID, cost, actionKey, metadata)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits):
			generationGateDecisions.WithLabelValues("refused").Inc()
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "not enough credits for a generation"))
		case errors.Is(err, ledger.ErrDuplicateReference):
			generationGateDecisions.WithLabelValues("duplicate").Inc()
			ctx.JSON(http.StatusConflict, errorResponse("duplicate_request", "this request id is already in flight"))
		default:
			server.logger.Error("generation authorize failed", zap.Error(err))
			ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "authorization failed"))
		}
		return
	}
	server.invalidateBalance(ctx.Request.Context(), userID)

	post, err := server.generator.Generate(requestCtx, extern.GenerateRequest{
		UserID:   userID.String(),
		Platform: platform,
		Prompt:   request.Prompt,
		Tone:     request.Tone,
	})
	if err != nil {
		server.voidAttempt(ctx.Request.Context(), attempt, userID)
		server.logger.Warn("generation failed, credit returned",
			zap.Error(err), zap.String("user_id", userID.String()))
		ctx.JSON(http.StatusBadGateway, errorResponse("generation_failed", "content generation failed, no credit was spent"))
		return
	}

	var publish *extern.PublishResult
	if server.publisher != nil && request.AccountRef != "" {
		result, err := server.publisher.Publish(requestCtx, extern.PublishRequest{
			UserID:            userID.String(),
			Platform:          platform,
			Body:              post.Body,
			AccountRef:        request.AccountRef,
			ScheduleAtUnixUTC: request.ScheduleAtUnixUTC,
		})
		if err != nil {
			server.voidAttempt(ctx.Request.Context(), attempt, userID)
			server.logger.Warn("publish failed, credit returned",
				zap.Error(err), zap.String("user_id", userID.String()))
			ctx.JSON(http.StatusBadGateway, errorResponse("publish_failed", "publishing failed, no credit was spent"))
			return
		}
		publish = &result
	}

	if err := attempt.Settle(ctx.Request.Context()); err != nil {
		// The work is delivered; the reservation stays pending and the
		// reconciliation sweep will close it if this retry path dies too.
		server.logger.Error("settle failed after successful generation",
			zap.Error(err), zap.String("entry_id", attempt.Reservation().EntryID.String()))
	}
	generationGateDecisions.WithLabelValues("settled").Inc()
	server.invalidateBalance(ctx.Request.Context(), userID)

	response := gin.H{
		"request_id": request.RequestID,
		"post": gin.H{
			"body":     post.Body,
			"hashtags": post.Hashtags,
		},
	}
	if publish != nil {
		response["publish"] = gin.H{
			"external_post_id": publish.ExternalPostID,
			"scheduled":        publish.Scheduled,
		}
	}
	if wallet, err := server.fetchWallet(ctx.Request.Context(), userID); err == nil {
		response["wallet"] = wallet
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handlePaymentConfirmation(ctx *gin.Context) {
	userID, ok := server.requireUserID(ctx)
	if !ok {
		return
	}
	var request confirmationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	event, err := ledger.NewPaymentEvent(userID.String(), request.TxHash, request.Credits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_confirmation", "tx hash and a positive credit amount are required"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	if err := server.confirmations.Confirm(requestCtx, event); err != nil {
		if errors.Is(err, ledger.ErrReferenceConflict) {
			ctx.JSON(http.StatusConflict, errorResponse("reference_conflict", "transaction hash already claimed"))
			return
		}
		server.logger.Error("payment confirmation failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "confirmation failed"))
		return
	}
	server.invalidateBalance(ctx.Request.Context(), userID)
	server.respondWithWallet(ctx, userID)
}

func (server *Server) requireUserID(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(currentUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (server *Server) voidAttempt(ctx context.Context, attempt *ledger.Attempt, userID ledger.UserID) {
	if err := attempt.Void(ctx); err != nil {
		server.logger.Error("void failed, sweep will reconcile",
			zap.Error(err), zap.String("entry_id", attempt.Reservation().EntryID.String()))
		return
	}
	generationGateDecisions.WithLabelValues("voided").Inc()
	server.invalidateBalance(ctx, userID)
}

func (server *Server) invalidateBalance(ctx context.Context, userID ledger.UserID) {
	if err := server.cache.Invalidate(ctx, userID); err != nil {
		server.logger.Warn("balance cache invalidation failed",
			zap.Error(err), zap.String("user_id", userID.String()))
	}
}

func (server *Server) respondWithWallet(ctx *gin.Context, userID ledger.UserID) {
	wallet, err := server.fetchWallet(ctx.Request.Context(), userID)
	if err != nil {
		server.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

func (server *Server) fetchWallet(ctx context.Context, userID ledger.UserID) (*walletResponse, error) {
	requestCtx, cancel := context.WithTimeout(ctx, server.cfg.RequestTimeout)
	defer cancel()

	balance, err := server.cache.Get(requestCtx, userID)
	if err != nil {
		if !errors.Is(err, balancecache.ErrMiss) {
			server.logger.Warn("balance cache read failed", zap.Error(err))
		}
		balance, err = server.service.Balance(requestCtx, userID)
		if err != nil {
			return nil, err
		}
		if err := server.cache.Set(requestCtx, userID, balance); err != nil {
			server.logger.Warn("balance cache write failed", zap.Error(err))
		}
	}

	entries, err := server.service.ListEntries(requestCtx, userID, 0, server.cfg.WalletHistoryLimit)
	if err != nil {
		return nil, err
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		if entry.MetadataJSON == "" {
			entry.MetadataJSON = "{}"
		}
		payload = append(payload, entryPayload{
			EntryID:        entry.EntryID.String(),
			Kind:           entry.Kind.String(),
			Amount:         entry.Amount.Int64(),
			Reference:      entry.Reference.String(),
			Status:         entry.Status.String(),
			Metadata:       json.RawMessage(entry.MetadataJSON),
			CreatedUnixUTC: entry.CreatedUnixUTC,
			SettledUnixUTC: entry.SettledUnixUTC,
		})
	}
	return &walletResponse{
		Balance: balancePayload{Remaining: balance.Remaining, Pending: balance.Pending},
		Entries: payload,
	}, nil
}

func marshalMetadata(requestMetadata map[string]any, defaults map[string]any) ledger.MetadataJSON {
	merged := make(map[string]any, len(requestMetadata)+len(defaults))
	for key, value := range defaults {
		merged[key] = value
	}
	for key, value := range requestMetadata {
		merged[key] = value
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		raw = []byte("{}")
	}
	metadata, err := ledger.NewMetadataJSON(string(raw))
	if err != nil {
		metadata, _ = ledger.NewMetadataJSON("{}")
	}
	return metadata
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}
