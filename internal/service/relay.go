package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/dto"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/permissions"
	"e2ee-relay/internal/store"
	"e2ee-relay/internal/wire"

	"github.com/google/uuid"
)

// Pusher fans frames out to live sessions. The connection registry
// implements it; a nil pusher disables fan-out entirely.
type Pusher interface {
	PushChannel(channelID uuid.UUID, payload []byte) int
	PushUser(userID uuid.UUID, payload []byte) int
}

// Relay accepts sealed envelopes, assigns each a channel ordering key,
// persists it append-only and pushes it to every live session
// subscribed to the channel. The relay never inspects payload
// plaintext; it sees kind bytes and sealed bytes only.
type Relay struct {
	store    *store.Store
	access   *Access
	pusher   Pusher
	now      func() time.Time
	batchMax int
}

func NewRelay(st *store.Store, access *Access, pusher Pusher, batchMax int) *Relay {
	if batchMax <= 0 {
		batchMax = 100
	}
	return &Relay{store: st, access: access, pusher: pusher, now: time.Now, batchMax: batchMax}
}

// Submit runs the relay pipeline for one envelope: parse the wire
// header, authorize the sender, persist under the next ordering key,
// clear hidden membership flags, then fan out. Fan-out happens after
// commit so connected sessions never see an envelope that history
// would not return.
func (r *Relay) Submit(ctx context.Context, senderID, channelID uuid.UUID, req dto.SubmitEnvelopeRequest) (dto.SubmitEnvelopeResponse, error) {
	env, err := wire.Parse(req.Payload)
	if err != nil {
		return dto.SubmitEnvelopeResponse{}, err
	}

	var replyTo *uuid.UUID
	if req.ReplyToID != nil {
		id, err := uuid.Parse(*req.ReplyToID)
		if err != nil {
			return dto.SubmitEnvelopeResponse{}, fmt.Errorf("%w: invalid reply_to_id", domain.ErrInvalidRequest)
		}
		replyTo = &id
	}

	need := permissions.SendMessages
	if req.HasAttachments {
		need |= permissions.AttachFiles
	}
	if _, err := r.access.Require(ctx, channelID, senderID, need); err != nil {
		return dto.SubmitEnvelopeResponse{}, err
	}

	rec := domain.Envelope{
		ID:             uuid.New(),
		ChannelID:      channelID,
		SenderID:       senderID,
		Kind:           env.Kind,
		Payload:        append([]byte(nil), req.Payload...),
		HasAttachments: req.HasAttachments,
		ReplyToID:      replyTo,
	}
	err = r.store.WithTx(ctx, func(tx *store.Store) error {
		if replyTo != nil {
			if _, err := tx.Envelopes().GetInChannel(ctx, channelID, *replyTo); err != nil {
				if errors.Is(err, store.ErrRecordNotFound) {
					return fmt.Errorf("%w: reply target not found in channel", domain.ErrInvalidRequest)
				}
				return err
			}
		}
		seq, tsMicros, err := tx.Channels().NextOrderingKey(ctx, channelID, r.now().UTC().UnixMicro())
		if err != nil {
			return err
		}
		rec.Seq = seq
		rec.TimestampMicros = tsMicros
		if err := tx.Envelopes().Create(ctx, &rec); err != nil {
			return err
		}
		return tx.Memberships().ClearHidden(ctx, channelID)
	})
	if err != nil {
		return dto.SubmitEnvelopeResponse{}, err
	}

	kind := kindLabel(rec.Kind)
	metrics.EnvelopesRelayedTotal.WithLabelValues(kind).Inc()
	metrics.EnvelopePayloadBytes.WithLabelValues(kind).Observe(float64(len(rec.Payload)))

	if r.pusher != nil {
		frame := events.Envelope{
			Type:            events.TypeEnvelope,
			EnvelopeID:      rec.ID.String(),
			ChannelID:       channelID.String(),
			SenderID:        senderID.String(),
			Kind:            rec.Kind,
			Seq:             rec.Seq,
			TimestampMicros: rec.TimestampMicros,
			Payload:         rec.Payload,
			HasAttachments:  rec.HasAttachments,
		}
		if replyTo != nil {
			frame.ReplyToID = replyTo.String()
		}
		if b, err := json.Marshal(frame); err == nil {
			r.pusher.PushChannel(channelID, b)
		}
	}

	return dto.SubmitEnvelopeResponse{
		EnvelopeID:      rec.ID.String(),
		ChannelID:       channelID.String(),
		Seq:             rec.Seq,
		TimestampMicros: rec.TimestampMicros,
	}, nil
}

// History returns stored envelopes with seq greater than afterSeq in
// ascending order, capped at the configured batch size. Clients page by
// passing the last seq they hold.
func (r *Relay) History(ctx context.Context, userID, channelID uuid.UUID, afterSeq int64, limit int) (dto.EnvelopeListResponse, error) {
	if _, err := r.access.Require(ctx, channelID, userID, permissions.ViewChannel); err != nil {
		return dto.EnvelopeListResponse{}, err
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	if limit <= 0 || limit > r.batchMax {
		limit = r.batchMax
	}
	list, err := r.store.Envelopes().ListAfter(ctx, channelID, afterSeq, limit)
	if err != nil {
		return dto.EnvelopeListResponse{}, err
	}

	resp := dto.EnvelopeListResponse{
		ChannelID: channelID.String(),
		Envelopes: make([]dto.EnvelopeItem, 0, len(list)),
	}
	for _, env := range list {
		item := dto.EnvelopeItem{
			EnvelopeID:      env.ID.String(),
			ChannelID:       env.ChannelID.String(),
			SenderID:        env.SenderID.String(),
			Kind:            env.Kind,
			Payload:         env.Payload,
			HasAttachments:  env.HasAttachments,
			Seq:             env.Seq,
			TimestampMicros: env.TimestampMicros,
		}
		if env.ReplyToID != nil {
			s := env.ReplyToID.String()
			item.ReplyToID = &s
		}
		resp.Envelopes = append(resp.Envelopes, item)
	}
	return resp, nil
}

func kindLabel(kind uint8) string {
	switch kind {
	case wire.KindDirectInitial:
		return "direct_initial"
	case wire.KindDirectFollowUp:
		return "direct_followup"
	case wire.KindSenderKey:
		return "sender_key"
	default:
		return "unknown"
	}
}
