package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

const (
	// maxRequestBody caps JSON request bodies.
	maxRequestBody = 1 << 20

	defaultListLimit = 20
	maxListLimit     = 100
)

type DispatchAPI struct {
	Dispatcher dispatch.Dispatcher
	// Receipts is optional; without it no receipt ids are issued.
	Receipts dispatch.ReceiptStore
	Logger   *slog.Logger
}

func NewDispatchAPI(dispatcher dispatch.Dispatcher, receipts dispatch.ReceiptStore, logger *slog.Logger) *DispatchAPI {
	return &DispatchAPI{
		Dispatcher: dispatcher,
		Receipts:   receipts,
		Logger:     logger.With("component", "DispatchAPI"),
	}
}

// --- Request / response shapes ---

type SendRequest struct {
	DeviceToken string            `json:"deviceToken"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
}

type SendMultipleRequest struct {
	DeviceTokens []string          `json:"deviceTokens"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Data         map[string]string `json:"data,omitempty"`
}

type SendTopicRequest struct {
	Topic string            `json:"topic"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	ReceiptID string `json:"receiptId,omitempty"`
}

type SendMultipleResponse struct {
	TotalCount   int                `json:"totalCount"`
	SuccessCount int                `json:"successCount"`
	Results      map[string]bool    `json:"results"`
	Outcomes     []dispatch.Outcome `json:"outcomes"`
	ReceiptID    string             `json:"receiptId,omitempty"`
}

// --- Handlers ---

// SendToDevice handles POST /api/v1/send.
func (api *DispatchAPI) SendToDevice(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !api.decode(w, r, &req) {
		return
	}
	api.handle(w, r, &dispatch.Request{
		RecipientKind: dispatch.RequestDevice,
		Recipients:    []string{req.DeviceToken},
		Title:         req.Title,
		Body:          req.Body,
		Data:          req.Data,
	})
}

// SendToDevices handles POST /api/v1/send-multiple.
func (api *DispatchAPI) SendToDevices(w http.ResponseWriter, r *http.Request) {
	var req SendMultipleRequest
	if !api.decode(w, r, &req) {
		return
	}
	api.handle(w, r, &dispatch.Request{
		RecipientKind: dispatch.RequestDeviceList,
		Recipients:    req.DeviceTokens,
		Title:         req.Title,
		Body:          req.Body,
		Data:          req.Data,
	})
}

// SendToTopic handles POST /api/v1/send-topic.
func (api *DispatchAPI) SendToTopic(w http.ResponseWriter, r *http.Request) {
	var req SendTopicRequest
	if !api.decode(w, r, &req) {
		return
	}
	api.handle(w, r, &dispatch.Request{
		RecipientKind: dispatch.RequestTopic,
		Recipients:    []string{req.Topic},
		Title:         req.Title,
		Body:          req.Body,
		Data:          req.Data,
	})
}

// Dispatch handles POST /api/v1/dispatch with the generic request shape.
func (api *DispatchAPI) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if !api.decode(w, r, &req) {
		return
	}
	api.handle(w, r, &req)
}

// GetReceipt handles GET /api/v1/receipts/{id}.
func (api *DispatchAPI) GetReceipt(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.caller(w, r); !ok {
		return
	}
	if api.Receipts == nil {
		response.WriteJSONError(w, http.StatusNotFound, "receipts are disabled")
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid receipt id")
		return
	}

	receipt, err := api.Receipts.Get(r.Context(), id)
	if errors.Is(err, dispatch.ErrReceiptNotFound) {
		response.WriteJSONError(w, http.StatusNotFound, "receipt not found")
		return
	}
	if err != nil {
		api.Logger.Error("GetReceipt: storage failed", "receipt_id", id, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.writeJSON(w, http.StatusOK, receipt)
}

// ListReceipts handles GET /api/v1/receipts?limit=N, newest first.
func (api *DispatchAPI) ListReceipts(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.caller(w, r); !ok {
		return
	}
	if api.Receipts == nil {
		response.WriteJSONError(w, http.StatusNotFound, "receipts are disabled")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.WriteJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	receipts, err := api.Receipts.List(r.Context(), limit)
	if err != nil {
		api.Logger.Error("ListReceipts: storage failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	if receipts == nil {
		receipts = []*dispatch.Receipt{}
	}
	api.writeJSON(w, http.StatusOK, receipts)
}

// --- Helpers ---

func (api *DispatchAPI) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

func (api *DispatchAPI) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if _, ok := api.caller(w, r); !ok {
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(into); err != nil {
		api.Logger.Warn("Request JSON decode failed", "path", r.URL.Path, "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (api *DispatchAPI) handle(w http.ResponseWriter, r *http.Request, req *dispatch.Request) {
	ctx := r.Context()
	userID, _ := middleware.GetUserIDFromContext(ctx)

	result, err := req.Execute(ctx, api.Dispatcher)
	if req.RecipientKind == dispatch.RequestDeviceList {
		if result == nil {
			api.writeError(w, req, userID, err)
			return
		}
		if err != nil {
			// Cancelled mid-batch; the partial result is still reported.
			api.Logger.Warn("Batch incomplete", "user", userID, "err", err)
		}
		api.writeJSON(w, http.StatusOK, SendMultipleResponse{
			TotalCount:   result.TotalCount(),
			SuccessCount: result.SuccessCount(),
			Results:      result.ByToken(),
			Outcomes:     result.Outcomes,
			ReceiptID:    api.saveReceipt(ctx, req, result),
		})
		return
	}

	if err != nil {
		api.writeError(w, req, userID, err)
		return
	}
	out := result.Outcomes[0]
	api.writeJSON(w, http.StatusOK, SendResponse{
		Success:   true,
		MessageID: out.MessageID,
		ReceiptID: api.saveReceipt(ctx, req, result),
	})
}

// saveReceipt stores the result and returns its id, or "" if receipts are
// disabled or the write failed. A failed write never fails the send.
func (api *DispatchAPI) saveReceipt(ctx context.Context, req *dispatch.Request, result *dispatch.BatchResult) string {
	if api.Receipts == nil {
		return ""
	}
	receipt := dispatch.NewReceipt(uuid.NewString(), string(req.RecipientKind), req.Title, result.Outcomes, time.Now())
	if err := api.Receipts.Save(context.WithoutCancel(ctx), receipt); err != nil {
		api.Logger.Warn("Receipt save failed", "receipt_id", receipt.ID, "err", err)
		return ""
	}
	return receipt.ID
}

func (api *DispatchAPI) writeError(w http.ResponseWriter, req *dispatch.Request, userID string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		api.Logger.Error("Dispatch failed", "kind", req.RecipientKind, "user", userID, "err", err)
	} else {
		api.Logger.Warn("Dispatch rejected", "kind", req.RecipientKind, "user", userID, "err", err)
	}
	response.WriteJSONError(w, status, err.Error())
}

func (api *DispatchAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		api.Logger.Error("Response encode failed", "err", err)
	}
}

// StatusFor maps a dispatch error onto an HTTP status.
func StatusFor(err error) int {
	switch dispatch.CodeOf(err) {
	case dispatch.CodeNone:
		return http.StatusOK
	case dispatch.CodeValidation:
		return http.StatusBadRequest
	case dispatch.CodeAuth:
		return http.StatusBadGateway
	case dispatch.CodePermanent:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}
