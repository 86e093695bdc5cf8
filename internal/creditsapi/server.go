package creditsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nper79/clothing-sub001/pkg/ledger"
	"github.com/shopspring/decimal"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"

	errorCodeInvalidArgument     = "invalid_argument"
	errorCodeUnauthorized        = "unauthorized"
	errorCodeInsufficientCredits = "insufficient_credits"
	errorCodePackNotFound        = "pack_not_found"
	errorCodeInternal            = "internal_error"
)

// CreditService is the ledger surface the HTTP layer calls.
type CreditService interface {
	GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error)
	ChargeForPersonalizedLooks(ctx context.Context, userID ledger.UserID, lookCount int) (ledger.Credits, error)
	ChargeForRemix(ctx context.Context, userID ledger.UserID) (ledger.Credits, error)
	PurchaseCreditPack(ctx context.Context, userID ledger.UserID, packID string) (ledger.Purchase, error)
	PurchaseCreditPackOnce(ctx context.Context, userID ledger.UserID, packID string, idempotencyKey ledger.IdempotencyKey) (ledger.Purchase, error)
	CreditPacks() []ledger.CreditPack
	Pricing() ledger.Pricing
	ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error)
}

// Run serves the credits API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, service CreditService, logger *zap.Logger) error {
	router, err := NewRouter(cfg, service, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credits api listening", zap.String("addr", cfg.ListenAddr))
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

// NewRouter validates cfg and builds the gin engine with CORS and session middleware.
func NewRouter(cfg Config, service CreditService, logger *zap.Logger) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, fmt.Errorf("credit service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	return setupRouter(cfg, handler, validator), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", idempotencyKeyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	credits := api.Group("/credits")
	credits.GET("", handler.handleBalance)
	credits.GET("/packs", handler.handlePacks)
	credits.GET("/transactions", handler.handleTransactions)
	credits.POST("/charges/personalized-looks", handler.handlePersonalizedLooks)
	credits.POST("/charges/remix", handler.handleRemix)
	credits.POST("/purchases", handler.handlePurchase)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service CreditService
	cfg     Config
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	balance, err := handler.service.GetBalance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	pricing := handler.service.Pricing()
	ctx.JSON(http.StatusOK, balanceResponse{
		Balance: balance.Int64(),
		Costs: costsPayload{
			PersonalizedLook: pricing.PersonalizedLookCost.Int64(),
			Remix:            pricing.RemixCost.Int64(),
		},
	})
}

func (handler *httpHandler) handlePacks(ctx *gin.Context) {
	if _, ok := requireUser(ctx); !ok {
		return
	}
	packs := handler.service.CreditPacks()
	payload := make([]packPayload, 0, len(packs))
	for _, pack := range packs {
		payload = append(payload, newPackPayload(pack))
	}
	ctx.JSON(http.StatusOK, gin.H{"packs": payload})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	limit := defaultTransactionsLimit
	if rawLimit := strings.TrimSpace(ctx.Query("limit")); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	transactions, err := handler.service.ListTransactions(requestCtx, userID, limit)
	if err != nil {
		handler.respondError(ctx, "list transactions", err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) handlePersonalizedLooks(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request personalizedLooksRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidArgument, "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	balance, err := handler.service.ChargeForPersonalizedLooks(requestCtx, userID, request.LookCount)
	if err != nil {
		handler.respondError(ctx, "charge personalized looks", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance.Int64()})
}

func (handler *httpHandler) handleRemix(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	balance, err := handler.service.ChargeForRemix(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "charge remix", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance.Int64()})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PackID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidArgument, "pack_id is required"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	var (
		purchase ledger.Purchase
		err      error
	)
	if rawKey := strings.TrimSpace(ctx.GetHeader(idempotencyKeyHeader)); rawKey != "" {
		idempotencyKey, keyErr := ledger.NewIdempotencyKey(rawKey)
		if keyErr != nil {
			handler.respondError(ctx, "purchase", keyErr)
			return
		}
		purchase, err = handler.service.PurchaseCreditPackOnce(requestCtx, userID, request.PackID, idempotencyKey)
	} else {
		purchase, err = handler.service.PurchaseCreditPack(requestCtx, userID, request.PackID)
	}
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}
	ctx.JSON(http.StatusOK, purchaseResponse{
		Balance: purchase.Balance.Int64(),
		Pack:    newPackPayload(purchase.Pack),
	})
}

func (handler *httpHandler) respondError(ctx *gin.Context, action string, err error) {
	status := ledger.StatusCode(err)
	switch status {
	case http.StatusBadRequest:
		ctx.JSON(status, errorResponse(errorCodeInvalidArgument, err.Error()))
	case http.StatusPaymentRequired:
		ctx.JSON(status, errorResponse(errorCodeInsufficientCredits, "not enough credits"))
	case http.StatusNotFound:
		ctx.JSON(status, errorResponse(errorCodePackNotFound, "credit pack not found"))
	default:
		handler.logger.Error(action+" failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeInternal, action+" failed"))
	}
}

func requireUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
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

// formatPrice renders cents as a fixed two-decimal amount, e.g. 499 -> "4.99".
func formatPrice(priceCents int64) string {
	return decimal.New(priceCents, -2).StringFixed(2)
}

func newPackPayload(pack ledger.CreditPack) packPayload {
	return packPayload{
		ID:          pack.ID,
		Label:       pack.Label,
		Description: pack.Description,
		Credits:     pack.Credits.Int64(),
		PriceCents:  pack.PriceCents,
		Price:       formatPrice(pack.PriceCents),
		BestValue:   pack.BestValue,
	}
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	metadata, err := transaction.Metadata.JSON()
	if err != nil {
		metadata = "{}"
	}
	return transactionPayload{
		TransactionID:  transaction.TransactionID,
		Delta:          transaction.Delta,
		Reason:         transaction.Reason.String(),
		Metadata:       json.RawMessage(metadata),
		IdempotencyKey: transaction.IdempotencyKey.String(),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

type personalizedLooksRequest struct {
	LookCount int `json:"look_count"`
}

type purchaseRequest struct {
	PackID string `json:"pack_id"`
}

type balanceResponse struct {
	Balance int64        `json:"balance"`
	Costs   costsPayload `json:"costs"`
}

type costsPayload struct {
	PersonalizedLook int64 `json:"personalized_look"`
	Remix            int64 `json:"remix"`
}

type purchaseResponse struct {
	Balance int64       `json:"balance"`
	Pack    packPayload `json:"pack"`
}

type packPayload struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Credits     int64  `json:"credits"`
	PriceCents  int64  `json:"price_cents"`
	Price       string `json:"price"`
	BestValue   bool   `json:"best_value"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Delta          int64           `json:"delta"`
	Reason         string          `json:"reason"`
	Metadata       json.RawMessage `json:"metadata"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
