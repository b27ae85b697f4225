package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/dto"
)

func (h *handlers) submitEnvelope(w http.ResponseWriter, r *http.Request) {
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
		slog.Warn("envelope submit invalid channel id", "request_id", reqID, "trace_id", trID)
		return
	}
	var req dto.SubmitEnvelopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Warn("envelope submit decode failed", "error", err, "request_id", reqID, "trace_id", trID)
		return
	}
	res, err := h.relay.Submit(r.Context(), identity.UserID, channelID, req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		slog.Warn("envelope submit failed", "error", err, "channel_id", channelID, "user_id", identity.UserID, "request_id", reqID, "trace_id", trID)
		return
	}
	slog.Info("envelope accepted", "envelope_id", res.EnvelopeID, "channel_id", res.ChannelID, "seq", res.Seq, "request_id", reqID, "trace_id", trID)
	writeJSON(w, http.StatusCreated, res)
}

func (h *handlers) listEnvelopes(w http.ResponseWriter, r *http.Request) {
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
		slog.Warn("envelope list invalid channel id", "request_id", reqID, "trace_id", trID)
		return
	}
	var afterSeq int64
	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after_seq", http.StatusBadRequest)
			slog.Warn("envelope list invalid after_seq", "error", err, "request_id", reqID, "trace_id", trID)
			return
		}
		afterSeq = v
	}
	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			slog.Warn("envelope list invalid limit", "error", err, "request_id", reqID, "trace_id", trID)
			return
		}
		limit = v
	}
	res, err := h.relay.History(r.Context(), identity.UserID, channelID, afterSeq, limit)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		slog.Warn("envelope list failed", "error", err, "channel_id", channelID, "user_id", identity.UserID, "request_id", reqID, "trace_id", trID)
		return
	}
	slog.Info("envelopes listed", "channel_id", res.ChannelID, "count", len(res.Envelopes), "after_seq", afterSeq, "request_id", reqID, "trace_id", trID)
	writeJSON(w, http.StatusOK, res)
}
