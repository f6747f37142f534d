package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"tradepilot/internal/ledger"
	ledgerService "tradepilot/internal/ledger/service"
	signalEntity "tradepilot/internal/signal/entity"
	signalService "tradepilot/internal/signal/service"
	tradingService "tradepilot/internal/trading/service"
	"tradepilot/pkg/jwt"
	"tradepilot/pkg/middleware"
)

const requestTimeout = 30 * time.Second

type SignalQueue interface {
	Enqueue(sig signalEntity.Signal) error
}

type SignalValidator interface {
	Validate(sig signalEntity.Signal) error
}

type Approvals interface {
	Approve(ctx context.Context, userID, approvalID int64) (signalService.Result, error)
	Reject(ctx context.Context, userID, approvalID int64) error
}

type TradeCloser interface {
	ConfirmClose(ctx context.Context, userID, tradeID int64) error
	ExecuteClose(ctx context.Context, userID, tradeID int64) (*ledger.ActiveTrade, error)
}

type ConfigUpdater interface {
	Update(ctx context.Context, userID int64, fields map[string]string) (ledger.UserConfig, error)
}

// Handler HTTP вход для сборщика сигналов и обратных вызовов карточек
type Handler struct {
	queue     SignalQueue
	validator SignalValidator
	approvals Approvals
	closer    TradeCloser
	config    ConfigUpdater
	validate  *validator.Validate
	logger    zerolog.Logger
}

func NewHandler(
	queue SignalQueue,
	signalValidator SignalValidator,
	approvals Approvals,
	closer TradeCloser,
	config ConfigUpdater,
	validate *validator.Validate,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		queue:     queue,
		validator: signalValidator,
		approvals: approvals,
		closer:    closer,
		config:    config,
		validate:  validate,
		logger:    logger.With().Str("component", "SignalHandler").Logger(),
	}
}

// Routes маршруты /api. JWTAuth ставится снаружи.
func (h *Handler) Routes(r chi.Router) {
	r.With(middleware.RequireRole(jwt.RoleCollector, jwt.RoleAdmin)).Post("/signals", h.PostSignal)

	r.Post("/approvals/{id}/approve", h.Approve)
	r.Post("/approvals/{id}/reject", h.Reject)
	r.Post("/trades/{id}/close/confirm", h.ConfirmClose)
	r.Post("/trades/{id}/close/execute", h.ExecuteClose)
	r.Patch("/users/{id}/config", h.UpdateConfig)
}

// PostSignal проверяет сигнал и ставит его в очередь. Обработка идёт асинхронно.
func (h *Handler) PostSignal(w http.ResponseWriter, r *http.Request) {
	var sig signalEntity.Signal
	if !middleware.DecodeJSON(w, r, h.validate, &sig) {
		return
	}
	if err := h.validator.Validate(sig); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.queue.Enqueue(sig); err != nil {
		if errors.Is(err, signalService.ErrQueueFull) {
			h.logger.Warn().Str("symbol", sig.Symbol()).Msg("signal queue full, rejecting")
			middleware.WriteError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.fail(w, err)
		return
	}
	h.logger.Info().Str("type", string(sig.Type)).Str("symbol", sig.Symbol()).Str("source", sig.SourceName).Msg("signal queued")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "symbol": sig.Symbol()})
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, err := h.approvals.Approve(ctx, userID, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.approvals.Reject(r.Context(), userID, id); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ConfirmClose(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.closer.ConfirmClose(r.Context(), userID, id); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type closedTradeResponse struct {
	ID        int64    `json:"id"`
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`
	Status    string   `json:"status"`
	ClosedPnl *float64 `json:"closed_pnl,omitempty"`
}

func (h *Handler) ExecuteClose(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	t, err := h.closer.ExecuteClose(ctx, userID, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, closedTradeResponse{
		ID:        t.ID,
		Symbol:    t.Symbol,
		Side:      string(t.Side),
		Status:    string(t.Status),
		ClosedPnl: t.ClosedPnl,
	})
}

// UpdateConfig принимает объект поле -> значение. Применяется всё или ничего.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || userID <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if !h.mayActFor(r, userID) {
		middleware.WriteError(w, http.StatusForbidden, "forbidden")
		return
	}

	var body map[string]json.RawMessage
	if !middleware.DecodeJSON(w, r, nil, &body) {
		return
	}
	if len(body) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "no fields to update")
		return
	}
	fields := make(map[string]string, len(body))
	for k, raw := range body {
		fields[k] = rawValue(raw)
	}

	cfg, err := h.config.Update(r.Context(), userID, fields)
	if err != nil {
		h.fail(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, cfg)
}

// rawValue приводит JSON значение к строке контракта настроек: строки без кавычек, массивы через запятую
func rawValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, rawValue(item))
		}
		return strings.Join(parts, ",")
	}
	return strings.TrimSpace(string(raw))
}

// target id из пути и пользователь, от имени которого действуем.
// Сборщик и админ пересылают нажатия кнопок и передают ?user_id=.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, "invalid id")
		return 0, 0, false
	}
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return 0, 0, false
	}
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		onBehalf, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || onBehalf <= 0 {
			middleware.WriteError(w, http.StatusBadRequest, "invalid user_id")
			return 0, 0, false
		}
		if !h.mayActFor(r, onBehalf) {
			middleware.WriteError(w, http.StatusForbidden, "forbidden")
			return 0, 0, false
		}
		userID = onBehalf
	}
	return userID, id, true
}

func (h *Handler) mayActFor(r *http.Request, userID int64) bool {
	switch middleware.Role(r.Context()) {
	case jwt.RoleAdmin, jwt.RoleCollector:
		return true
	}
	self, ok := middleware.UserID(r.Context())
	return ok && self == userID
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, signalService.ErrInvalidSignal),
		errors.Is(err, ledgerService.ErrUnknownField),
		errors.Is(err, ledgerService.ErrInvalidValue):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, signalService.ErrApprovalNotFound),
		errors.Is(err, tradingService.ErrTradeNotFound),
		errors.Is(err, ledger.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tradingService.ErrTradeClosed):
		middleware.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		middleware.WriteError(w, http.StatusGatewayTimeout, "timeout")
	default:
		h.logger.Error().Err(err).Msg("request failed")
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
