package interfaces

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"ordersync/internal/pkg/logger"
	"ordersync/internal/service/orderstatus/application"
	"ordersync/internal/service/orderstatus/domain"
)

// OpsHandler 暴露健康检查、指标和待处理队列的运维接口
type OpsHandler struct {
	service *application.ReconciliationService
	hub     *StatusPushHub
}

func NewOpsHandler(service *application.ReconciliationService, hub *StatusPushHub) *OpsHandler {
	return &OpsHandler{service: service, hub: hub}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OpsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /pending", h.pendingHandler)
	mux.HandleFunc("POST /pending/drain", h.drainHandler)
	mux.HandleFunc("POST /pending/sweep", h.sweepHandler)
	mux.HandleFunc("POST /orders/persisted", h.persistedHandler)
	mux.HandleFunc("POST /orders/status", h.statusHandler)
	mux.HandleFunc("GET /orders/history", h.historyHandler)
	if h.hub != nil {
		mux.HandleFunc("/ws", h.hub.ServeWS)
	}
}

func (h *OpsHandler) pendingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"pending_orders":        h.service.PendingCount(),
		"pending_notifications": h.service.PendingNotificationCount(),
	})
}

func (h *OpsHandler) drainHandler(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	writeJSON(w, http.StatusOK, map[string]int{"drained_orders": h.service.DrainAll(ctx)})
}

func (h *OpsHandler) sweepHandler(w http.ResponseWriter, r *http.Request) {
	var maxAge time.Duration
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "max_age must be a positive duration", http.StatusBadRequest)
			return
		}
		maxAge = d
	}
	stats := h.service.SweepExpired(maxAge)
	writeJSON(w, http.StatusOK, map[string]int{
		"updates":       stats.Updates,
		"orders":        stats.Orders,
		"notifications": stats.Notifications,
	})
}

func (h *OpsHandler) persistedHandler(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		http.Error(w, "order_id is required", http.StatusBadRequest)
		return
	}
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "applied": h.service.OnOrderPersisted(ctx, orderID)})
}

// statusHandler 供内部流程（自动发货、订单保存）直接推进状态
func (h *OpsHandler) statusHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orderID := q.Get("order_id")
	if orderID == "" {
		http.Error(w, "order_id is required", http.StatusBadRequest)
		return
	}
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var (
		outcome application.Outcome
		err     error
	)
	switch status := q.Get("status"); status {
	case string(domain.StatusShipped):
		outcome, err = h.service.MarkShipped(ctx, orderID, q.Get("account_id"), q.Get("label"))
	case string(domain.StatusProcessing):
		outcome, err = h.service.MarkProcessing(ctx, orderID, q.Get("account_id"), q.Get("label"))
	default:
		outcome, err = h.service.UpdateStatus(ctx, orderID, domain.Status(status), q.Get("account_id"), q.Get("label"))
	}

	code := http.StatusOK
	switch {
	case errors.Is(err, domain.ErrUnknownStatus):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition) || outcome == application.OutcomeInvalid:
		code = http.StatusConflict
	case err != nil:
		code = http.StatusBadGateway
	case outcome == application.OutcomeDeferred:
		code = http.StatusAccepted
	}
	resp := map[string]string{"order_id": orderID, "outcome": outcome.String()}
	if err != nil {
		resp["error"] = err.Error()
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Msg("⚠️ Manual status update rejected")
	}
	writeJSON(w, code, resp)
}

type historyEntryDTO struct {
	From    domain.Status `json:"from"`
	To      domain.Status `json:"to"`
	Context string        `json:"context"`
	At      time.Time     `json:"at"`
}

func (h *OpsHandler) historyHandler(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		http.Error(w, "order_id is required", http.StatusBadRequest)
		return
	}
	entries := h.service.History(orderID)
	out := make([]historyEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntryDTO{From: e.From, To: e.To, Context: e.Context, At: e.At})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
