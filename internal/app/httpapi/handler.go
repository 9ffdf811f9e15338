// Package httpapi exposes the marketplace REST API.
package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/tokenlab-io/marketplace/internal/app"
	"github.com/tokenlab-io/marketplace/internal/app/domain/service"
	"github.com/tokenlab-io/marketplace/internal/app/domain/transaction"
	"github.com/tokenlab-io/marketplace/internal/app/metrics"
	"github.com/tokenlab-io/marketplace/internal/app/services/proxy"
	"github.com/tokenlab-io/marketplace/internal/app/services/registry"
	"github.com/tokenlab-io/marketplace/internal/app/services/upstream"
)

// Header names carrying payment proof on proxied calls.
const (
	headerUserAddress      = "X-User-Address"
	headerPaymentSignature = "X-Payment-Signature"
	headerNonce            = "X-Nonce"
)

// maxProxyBody bounds the request payload forwarded to providers.
const maxProxyBody = 4 << 20

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// NewHandler returns a router exposing the marketplace REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application, audit: newAuditLog(0)}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(h.auditMiddleware)

	api.HandleFunc("/services", h.registerService).Methods(http.MethodPost)
	api.HandleFunc("/services", h.listServices).Methods(http.MethodGet)
	api.HandleFunc("/services/{id}", h.getService).Methods(http.MethodGet)
	api.HandleFunc("/services/{id}", h.updateService).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/services/{id}", h.deactivateService).Methods(http.MethodDelete)
	api.HandleFunc("/services/{id}/metadata", h.serviceMetadata).Methods(http.MethodGet)

	api.HandleFunc("/proxy/{id}", h.proxyRequest).Methods(http.MethodPost)

	api.HandleFunc("/payments/transactions", h.listTransactions).Methods(http.MethodGet)
	api.HandleFunc("/payments/transactions/{id}", h.getTransaction).Methods(http.MethodGet)
	api.HandleFunc("/payments/revenue/{provider}", h.providerRevenue).Methods(http.MethodGet)

	api.HandleFunc("/analytics/services/{id}/stats", h.serviceStats).Methods(http.MethodGet)
	api.HandleFunc("/analytics/marketplace/stats", h.marketplaceStats).Methods(http.MethodGet)

	api.HandleFunc("/admin/audit", h.listAudit).Methods(http.MethodGet)

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) registerService(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name            string                 `json:"name"`
		Description     string                 `json:"description"`
		ProviderAddress string                 `json:"provider_address"`
		EndpointURL     string                 `json:"endpoint_url"`
		PricingModel    string                 `json:"pricing_model"`
		BasePrice       float64                `json:"base_price"`
		Currency        string                 `json:"currency"`
		Category        string                 `json:"category"`
		Tags            []string               `json:"tags"`
		APISpec         map[string]interface{} `json:"api_spec"`
		RateLimit       int                    `json:"rate_limit"`
		Timeout         int                    `json:"timeout"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := h.app.Registry.Register(r.Context(), service.Service{
		Name:            payload.Name,
		Description:     payload.Description,
		ProviderAddress: payload.ProviderAddress,
		EndpointURL:     payload.EndpointURL,
		PricingModel:    service.PricingModel(payload.PricingModel),
		BasePrice:       payload.BasePrice,
		Currency:        payload.Currency,
		Category:        payload.Category,
		Tags:            payload.Tags,
		APISpec:         payload.APISpec,
		RateLimit:       payload.RateLimit,
		TimeoutSeconds:  payload.Timeout,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := service.Filter{
		Category:        strings.TrimSpace(q.Get("category")),
		ProviderAddress: strings.ToLower(strings.TrimSpace(q.Get("provider"))),
		Limit:           intQuery(q.Get("limit"), 50),
		Offset:          intQuery(q.Get("offset"), 0),
	}
	switch strings.ToLower(q.Get("active")) {
	case "true":
		active := true
		filter.Active = &active
	case "false":
		active := false
		filter.Active = &active
	}

	services, err := h.app.Registry.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *handler) getService(w http.ResponseWriter, r *http.Request) {
	svc, err := h.app.Registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (h *handler) updateService(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name        *string  `json:"name"`
		Description *string  `json:"description"`
		EndpointURL *string  `json:"endpoint_url"`
		BasePrice   *float64 `json:"base_price"`
		Category    *string  `json:"category"`
		Tags        []string `json:"tags"`
		RateLimit   *int     `json:"rate_limit"`
		Timeout     *int     `json:"timeout"`
		Active      *bool    `json:"is_active"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := h.app.Registry.Apply(r.Context(), mux.Vars(r)["id"], registry.Update{
		Name:           payload.Name,
		Description:    payload.Description,
		EndpointURL:    payload.EndpointURL,
		BasePrice:      payload.BasePrice,
		Category:       payload.Category,
		Tags:           payload.Tags,
		RateLimit:      payload.RateLimit,
		TimeoutSeconds: payload.Timeout,
		Active:         payload.Active,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) deactivateService(w http.ResponseWriter, r *http.Request) {
	if _, err := h.app.Registry.Deactivate(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serviceMetadata returns the caller-facing integration surface: pricing,
// limits and the provider's declared API schema, without operational fields.
func (h *handler) serviceMetadata(w http.ResponseWriter, r *http.Request) {
	svc, err := h.app.Registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            svc.ID,
		"name":          svc.Name,
		"description":   svc.Description,
		"proxy_url":     svc.ProxyURL,
		"pricing_model": svc.PricingModel,
		"base_price":    svc.BasePrice,
		"currency":      svc.Currency,
		"rate_limit":    svc.RateLimit,
		"timeout":       svc.TimeoutSeconds,
		"is_active":     svc.Active,
		"api_spec":      svc.APISpec,
	})
}

func (h *handler) proxyRequest(w http.ResponseWriter, r *http.Request) {
	caller := strings.TrimSpace(r.Header.Get(headerUserAddress))
	signature := strings.TrimSpace(r.Header.Get(headerPaymentSignature))
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	if caller == "" || signature == "" || nonce == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s, %s and %s headers are required", headerUserAddress, headerPaymentSignature, headerNonce))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
		return
	}

	result, err := h.app.Proxy.Route(r.Context(), mux.Vars(r)["id"], caller, payload, signature, nonce)
	if err != nil {
		var rerr *proxy.RouteError
		if errors.As(err, &rerr) {
			writeJSON(w, routeStatus(rerr), result)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := transaction.Filter{
		ServiceID:     strings.TrimSpace(q.Get("service_id")),
		CallerAddress: strings.ToLower(strings.TrimSpace(q.Get("caller"))),
		Limit:         intQuery(q.Get("limit"), 50),
		Offset:        intQuery(q.Get("offset"), 0),
	}
	if status := strings.TrimSpace(q.Get("status")); status != "" {
		filter.Status = transaction.Status(status)
	}
	if from, ok := timeQuery(q.Get("from")); ok {
		filter.From = from
	}
	if to, ok := timeQuery(q.Get("to")); ok {
		filter.To = to
	}

	txs, err := h.app.Ledger.ListTransactions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.app.Ledger.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *handler) providerRevenue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var from, to time.Time
	if parsed, ok := timeQuery(q.Get("from")); ok {
		from = parsed
	}
	if parsed, ok := timeQuery(q.Get("to")); ok {
		to = parsed
	}

	revenue, err := h.app.Analytics.ProviderRevenue(r.Context(), mux.Vars(r)["provider"], from, to)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, revenue)
}

func (h *handler) serviceStats(w http.ResponseWriter, r *http.Request) {
	days := intQuery(r.URL.Query().Get("days"), 30)
	stats, err := h.app.Analytics.ServiceStats(r.Context(), mux.Vars(r)["id"], days)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) marketplaceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Analytics.MarketplaceStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// routeStatus maps a routing failure to its HTTP status. Payment failures
// use 402 so billing clients can distinguish them from plain bad requests.
func routeStatus(err *proxy.RouteError) int {
	switch err.Category {
	case proxy.CategoryServiceUnavailable:
		return http.StatusNotFound
	case proxy.CategoryRateLimitExceeded:
		return http.StatusTooManyRequests
	case proxy.CategoryPaymentVerificationFailed:
		return http.StatusPaymentRequired
	case proxy.CategoryUpstreamTransport:
		var terr *upstream.TransportError
		if errors.As(err, &terr) && terr.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case proxy.CategoryUpstreamApplication:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func intQuery(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func timeQuery(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
