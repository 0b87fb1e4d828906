package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/audit"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/dhru"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/domain"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/ratelimit"
)

const currency = "USD"

// Dependencies are the services the DHRU handler orchestrates.
type Dependencies struct {
	Auth          *domain.AuthService
	Catalog       *domain.CatalogService
	Orders        *domain.OrderService
	Limiter       *ratelimit.Limiter
	Health        domain.HealthChecker
	Recorder      audit.Recorder
	Logger        *slog.Logger
	CatalogFormat string // dhru.CatalogJSON or dhru.CatalogXML
}

// Handler serves the DHRU reseller API.
type Handler struct {
	auth          *domain.AuthService
	catalog       *domain.CatalogService
	orders        *domain.OrderService
	limiter       *ratelimit.Limiter
	health        domain.HealthChecker
	recorder      audit.Recorder
	logger        *slog.Logger
	catalogFormat string
}

// NewHandler creates a new Handler.
func NewHandler(deps Dependencies) *Handler {
	if deps.Recorder == nil {
		deps.Recorder = audit.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.CatalogFormat == "" {
		deps.CatalogFormat = dhru.CatalogJSON
	}
	return &Handler{
		auth:          deps.Auth,
		catalog:       deps.Catalog,
		orders:        deps.Orders,
		limiter:       deps.Limiter,
		health:        deps.Health,
		recorder:      deps.Recorder,
		logger:        deps.Logger,
		catalogFormat: deps.CatalogFormat,
	}
}

// ServeDHRU handles one DHRU API call.
// Checks run in order: required fields, rate limit, credentials, action.
func (h *Handler) ServeDHRU(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := clientKey(r)
	req, err := dhru.ParseRequest(r)
	if err != nil {
		h.logger.Warn("malformed request body",
			"request_id", middleware.GetReqID(ctx),
			"client", client,
			"error", err,
		)
	}

	h.record(ctx, audit.EventAction, client, req, "", "")

	if req.MissingCredentials() {
		h.respond(w, r, dhru.Error(dhru.MsgMissingParameters))
		return
	}

	// Store failures are logged by the limiter and resolved by its fail policy.
	if allowed, _ := h.limiter.Allow(ctx, client); !allowed {
		h.record(ctx, audit.EventRateLimited, client, req, "", "")
		h.respond(w, r, dhru.Error(dhru.MsgTooManyRequests))
		return
	}

	account, err := h.auth.Authenticate(ctx, req.Username, req.APIKey)
	if err != nil {
		if errors.Is(err, domain.ErrAuthFailed) {
			h.record(ctx, audit.EventAuthFailed, client, req, "", "")
			h.respond(w, r, dhru.Error(dhru.MsgAuthFailed))
			return
		}
		h.logger.Error("authentication lookup failed",
			"request_id", middleware.GetReqID(ctx),
			"username", req.Username,
			"error", err,
		)
		h.respond(w, r, dhru.Error(dhru.MsgInternalError))
		return
	}

	switch req.Action {
	case dhru.ActionAccountInfo:
		h.accountInfo(w, r, account)
	case dhru.ActionServiceList:
		h.serviceList(w, r)
	case dhru.ActionPlaceOrder:
		h.placeOrder(w, r, client, req, account)
	case dhru.ActionPlaceOrderBulk:
		h.placeOrderBulk(w, r, client, req, account)
	case dhru.ActionGetOrderDetails:
		h.orderDetails(w, r, req, account)
	default:
		h.respond(w, r, dhru.Error(dhru.MsgInvalidAction))
	}
}

func (h *Handler) accountInfo(w http.ResponseWriter, r *http.Request, account *domain.Account) {
	h.respond(w, r, dhru.Success(dhru.AccountInfoResult{
		Message: dhru.MsgAccountInfo,
		AccountInfo: dhru.AccountInfo{
			Credit:   account.Balance.StringFixed(2),
			Mail:     account.Email,
			Currency: currency,
		},
	}))
}

func (h *Handler) serviceList(w http.ResponseWriter, r *http.Request) {
	services, err := h.catalog.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list services",
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		h.respond(w, r, dhru.Error(dhru.MsgInternalError))
		return
	}

	list, err := dhru.ServiceList(services, h.catalogFormat)
	if err != nil {
		h.logger.Error("failed to render services",
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		h.respond(w, r, dhru.Error(dhru.MsgInternalError))
		return
	}

	h.respond(w, r, dhru.Success(list))
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request, client string, req dhru.Request, account *domain.Account) {
	params := req.OrderParams()
	if params.Missing() {
		h.respond(w, r, dhru.Error(dhru.MsgMissingOrderData))
		return
	}

	order, err := h.orders.PlaceOrder(r.Context(), account, params.ID, params.IMEI)
	if err != nil {
		h.respond(w, r, dhru.Error(orderErrorMessage(err, false)))
		return
	}

	h.record(r.Context(), audit.EventOrderPlaced, client, req, order.ReferenceID, "")
	h.respond(w, r, dhru.Success(dhru.OrderResult{
		Message:     dhru.MsgOrderReceived,
		ReferenceID: order.ReferenceID,
	}))
}

// placeOrderBulk places every item independently; one item's failure never
// undoes another's debit. After a storage failure the store is pinged, and
// while it stays unreachable the remaining items fail without being tried.
func (h *Handler) placeOrderBulk(w http.ResponseWriter, r *http.Request, client string, req dhru.Request, account *domain.Account) {
	ctx := r.Context()

	items, err := req.BulkItems()
	if err != nil {
		h.respond(w, r, dhru.Error(dhru.MsgInvalidBulkFormat))
		return
	}

	var resp dhru.BulkResponse
	storeDown := false
	for _, item := range items {
		if item.Missing() {
			resp.AddError(item.Key, dhru.MsgMissingData)
			continue
		}
		if storeDown {
			resp.AddError(item.Key, dhru.MsgInternalError)
			continue
		}

		order, err := h.orders.PlaceOrder(ctx, account, item.ID, item.IMEI)
		if err != nil {
			if errors.Is(err, domain.ErrStorage) {
				h.logger.Error("bulk item failed",
					"request_id", middleware.GetReqID(ctx),
					"key", item.Key,
					"error", err,
				)
				storeDown = h.storeUnreachable(ctx)
			}
			resp.AddError(item.Key, orderErrorMessage(err, true))
			continue
		}

		h.record(ctx, audit.EventOrderPlaced, client, req, order.ReferenceID, item.Key)
		resp.Add(item.Key, dhru.OrderResult{
			Message:     dhru.MsgOrderReceived,
			ReferenceID: order.ReferenceID,
		})
	}

	h.respond(w, r, resp)
}

func (h *Handler) orderDetails(w http.ResponseWriter, r *http.Request, req dhru.Request, account *domain.Account) {
	ref := req.ReferenceID()
	if ref == "" {
		h.respond(w, r, dhru.Error(dhru.MsgMissingReference))
		return
	}

	order, err := h.orders.GetOrder(r.Context(), account, ref)
	if err != nil {
		if !errors.Is(err, domain.ErrOrderNotFound) {
			h.logger.Error("failed to get order",
				"request_id", middleware.GetReqID(r.Context()),
				"reference_id", ref,
				"error", err,
			)
		}
		h.respond(w, r, dhru.Error(orderErrorMessage(err, false)))
		return
	}

	h.respond(w, r, dhru.Success(dhru.OrderInfoResult{
		Message: dhru.MsgOrderInfo,
		Order: dhru.OrderInfo{
			ReferenceID: order.ReferenceID,
			IMEI:        order.IMEI,
			Status:      string(order.Status),
			Result:      order.Result,
		},
	}))
}

// orderErrorMessage maps domain errors to DHRU messages. Bulk items use
// the shorter wording DHRU clients expect per item.
func orderErrorMessage(err error, bulk bool) string {
	switch {
	case errors.Is(err, domain.ErrInvalidIMEI):
		if bulk {
			return dhru.MsgInvalidIMEI
		}
		return dhru.MsgInvalidIMEIFormat
	case errors.Is(err, domain.ErrInvalidService):
		return dhru.MsgInvalidService
	case errors.Is(err, domain.ErrInsufficientCredit):
		return dhru.MsgNotEnoughCredits
	case errors.Is(err, domain.ErrOrderNotFound):
		return dhru.MsgOrderNotFound
	default:
		return dhru.MsgInternalError
	}
}

func (h *Handler) storeUnreachable(ctx context.Context) bool {
	if h.health == nil {
		return false
	}
	if err := h.health.Ping(ctx); err != nil {
		h.logger.Error("store unreachable, failing remaining bulk items",
			"request_id", middleware.GetReqID(ctx),
			"error", err,
		)
		return true
	}
	return false
}

func (h *Handler) record(ctx context.Context, event audit.EventType, client string, req dhru.Request, referenceID, message string) {
	entry := audit.NewEntry(event)
	entry.RequestID = middleware.GetReqID(ctx)
	entry.Client = client
	entry.Username = req.Username
	entry.Action = req.Action
	entry.ReferenceID = referenceID
	entry.Message = message

	if err := h.recorder.Record(ctx, entry); err != nil {
		h.logger.Warn("failed to record audit entry",
			"request_id", entry.RequestID,
			"event", string(event),
			"error", err,
		)
	}
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, v any) {
	if err := dhru.Write(w, v); err != nil {
		h.logger.Error("failed to write response",
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
}

// clientKey identifies the caller for rate limiting. Proxy headers are
// only honoured when the router installs middleware.RealIP.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
