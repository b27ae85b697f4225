// Package relayclient is a typed client for the relay's HTTP API and its
// websocket event stream. The relayctl CLI is built on it, and the server's
// own integration tests drive full request cycles through it.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Wire types mirror the server's JSON contract. Byte slices ride as base64
// strings, which is encoding/json's default for []byte.

type IdentityUpload struct {
	IdentityKey     []byte   `json:"identity_key"`
	SignedPreKey    []byte   `json:"signed_pre_key"`
	SignedPreKeySig []byte   `json:"signed_pre_key_sig"`
	PreKeys         [][]byte `json:"pre_keys,omitempty"`
}

type IdentityAck struct {
	UserID    string `json:"user_id"`
	Available int64  `json:"available"`
}

type PrekeyUpload struct {
	PreKeys [][]byte `json:"pre_keys"`
}

type PrekeyAck struct {
	UserID    string `json:"user_id"`
	Available int64  `json:"available"`
}

type SignedPreKey struct {
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

type OneTimePreKey struct {
	ID        string `json:"id"`
	PublicKey []byte `json:"public_key"`
}

type Bundle struct {
	UserID        string         `json:"user_id"`
	IdentityKey   []byte         `json:"identity_key"`
	SignedPreKey  SignedPreKey   `json:"signed_pre_key"`
	OneTimePreKey *OneTimePreKey `json:"one_time_pre_key,omitempty"`
}

type EnvelopeSubmission struct {
	Payload        []byte  `json:"payload"`
	HasAttachments bool    `json:"has_attachments,omitempty"`
	ReplyToID      *string `json:"reply_to_id,omitempty"`
}

type EnvelopeAck struct {
	EnvelopeID      string `json:"envelope_id"`
	ChannelID       string `json:"channel_id"`
	Seq             int64  `json:"seq"`
	TimestampMicros int64  `json:"timestamp_micros"`
}

type Envelope struct {
	EnvelopeID      string  `json:"envelope_id"`
	ChannelID       string  `json:"channel_id"`
	SenderID        string  `json:"sender_id"`
	Kind            uint8   `json:"kind"`
	Payload         []byte  `json:"payload"`
	HasAttachments  bool    `json:"has_attachments,omitempty"`
	ReplyToID       *string `json:"reply_to_id,omitempty"`
	Seq             int64   `json:"seq"`
	TimestampMicros int64   `json:"timestamp_micros"`
}

type EnvelopePage struct {
	ChannelID string     `json:"channel_id"`
	Envelopes []Envelope `json:"envelopes"`
}

type SenderKeyRecipient struct {
	UserID string `json:"user_id"`
	Blob   []byte `json:"blob"`
}

type SenderKeyUpload struct {
	DistributionID string               `json:"distribution_id"`
	ChainIndex     uint32               `json:"chain_index"`
	Recipients     []SenderKeyRecipient `json:"recipients"`
}

type SenderKeyAck struct {
	ChannelID      string `json:"channel_id"`
	DistributionID string `json:"distribution_id"`
	ChainIndex     uint32 `json:"chain_index"`
	Recipients     int    `json:"recipients"`
}

type SenderKey struct {
	ChannelID      string `json:"channel_id"`
	DistributionID string `json:"distribution_id"`
	SenderID       string `json:"sender_id"`
	ChainIndex     uint32 `json:"chain_index"`
	Blob           []byte `json:"blob"`
}

// APIError is returned for any non-2xx response, carrying the HTTP status
// and the server's error text.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: %s (status %d)", e.Message, e.Status)
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: normalizeBaseURL(baseURL),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) PublishIdentity(ctx context.Context, req IdentityUpload) (IdentityAck, error) {
	var out IdentityAck
	err := c.doJSON(ctx, http.MethodPost, "/v1/keys/identity", req, &out)
	return out, err
}

func (c *Client) ReplenishPrekeys(ctx context.Context, req PrekeyUpload) (PrekeyAck, error) {
	var out PrekeyAck
	err := c.doJSON(ctx, http.MethodPost, "/v1/keys/prekeys", req, &out)
	return out, err
}

func (c *Client) FetchBundle(ctx context.Context, userID uuid.UUID) (Bundle, error) {
	var out Bundle
	err := c.doJSON(ctx, http.MethodGet, "/v1/keys/bundle?user_id="+userID.String(), nil, &out)
	return out, err
}

func (c *Client) SubmitEnvelope(ctx context.Context, channelID uuid.UUID, req EnvelopeSubmission) (EnvelopeAck, error) {
	var out EnvelopeAck
	err := c.doJSON(ctx, http.MethodPost, "/v1/channels/"+channelID.String()+"/envelopes", req, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, channelID uuid.UUID, afterSeq int64, limit int) (EnvelopePage, error) {
	q := url.Values{}
	if afterSeq > 0 {
		q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/channels/" + channelID.String() + "/envelopes"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var out EnvelopePage
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) PublishSenderKeys(ctx context.Context, channelID uuid.UUID, req SenderKeyUpload) (SenderKeyAck, error) {
	var out SenderKeyAck
	err := c.doJSON(ctx, http.MethodPost, "/v1/channels/"+channelID.String()+"/sender-keys", req, &out)
	return out, err
}

func (c *Client) FetchSenderKey(ctx context.Context, channelID, distributionID uuid.UUID) (SenderKey, error) {
	var out SenderKey
	path := "/v1/channels/" + channelID.String() + "/sender-keys/" + distributionID.String()
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, joinURL(c.BaseURL, path), body)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpc := c.HTTP
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func joinURL(base, path string) string {
	return normalizeBaseURL(base) + path
}

func normalizeBaseURL(in string) string {
	return strings.TrimRight(strings.TrimSpace(in), "/")
}
