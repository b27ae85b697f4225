package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/dto"
)

func (h *handlers) publishIdentity(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	trID := traceID(r)
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.PublishIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Warn("publish identity decode failed", "error", err, "request_id", reqID, "trace_id", trID)
		return
	}
	res, err := h.keys.PublishIdentity(r.Context(), identity.UserID, req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		slog.Warn("publish identity failed", "error", err, "user_id", identity.UserID, "request_id", reqID, "trace_id", trID)
		return
	}
	slog.Info("identity published", "user_id", res.UserID, "available", res.Available, "request_id", reqID, "trace_id", trID)
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) replenishPrekeys(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	trID := traceID(r)
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.ReplenishPrekeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Warn("replenish prekeys decode failed", "error", err, "request_id", reqID, "trace_id", trID)
		return
	}
	res, err := h.keys.ReplenishPrekeys(r.Context(), identity.UserID, req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		slog.Warn("replenish prekeys failed", "error", err, "user_id", identity.UserID, "request_id", reqID, "trace_id", trID)
		return
	}
	slog.Info("prekeys replenished", "user_id", res.UserID, "available", res.Available, "request_id", reqID, "trace_id", trID)
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) requestBundle(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	trID := traceID(r)
	if _, ok := auth.IdentityFrom(r.Context()); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userIDParam := r.URL.Query().Get("user_id")
	if userIDParam == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		slog.Warn("bundle request missing user id", "request_id", reqID, "trace_id", trID)
		return
	}
	userID, err := uuid.Parse(userIDParam)
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		slog.Warn("bundle request invalid user id", "error", err, "request_id", reqID, "trace_id", trID)
		return
	}
	res, err := h.keys.RequestBundle(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		slog.Warn("bundle request failed", "error", err, "user_id", userID, "request_id", reqID, "trace_id", trID)
		return
	}
	slog.Info("prekey bundle issued", "user_id", res.UserID, "has_one_time", res.OneTimePreKey != nil, "request_id", reqID, "trace_id", trID)
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) publishSenderKeys(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	trID := traceID(r)
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	channelID, ok := pathUUID(r, "channelID")
	if !ok {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		slog.Warn("publish sender keys invalid channel id", "request_id", reqID, "trace_id", trID)
		return
	}
	var req dto.PublishSenderKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Warn("publish sender keys decode failed", "error", err, "request_id", reqID, "trace_id", trID)
		return
	}
	res, err := h.keys.PublishSenderKeys(r.Context(), identity.UserID, channelID, req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		slog.Warn("publish sender keys failed", "error", err, "channel_id", channelID, "user_id", identity.UserID, "request_id", reqID, "trace_id", trID)
		return
	}
	slog.Info("sender keys published", "channel_id", res.ChannelID, "distribution_id", res.DistributionID, "chain_index", res.ChainIndex, "recipients", res.Recipients, "request_id", reqID, "trace_id", trID)
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) fetchSenderKey(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	trID := traceID(r)
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	channelID, ok := pathUUID(r, "channelID")
	if !ok {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		slog.Warn("fetch sender key invalid channel id", "request_id", reqID, "trace_id", trID)
		return
	}
	distributionID, ok := pathUUID(r, "distributionID")
	if !ok {
		http.Error(w, "invalid distribution id", http.StatusBadRequest)
		slog.Warn("fetch sender key invalid distribution id", "request_id", reqID, "trace_id", trID)
		return
	}
	res, err := h.keys.FetchSenderKey(r.Context(), identity.UserID, channelID, distributionID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		slog.Warn("fetch sender key failed", "error", err, "channel_id", channelID, "distribution_id", distributionID, "user_id", identity.UserID, "request_id", reqID, "trace_id", trID)
		return
	}
	slog.Info("sender key fetched", "channel_id", res.ChannelID, "distribution_id", res.DistributionID, "chain_index", res.ChainIndex, "request_id", reqID, "trace_id", trID)
	writeJSON(w, http.StatusOK, res)
}
