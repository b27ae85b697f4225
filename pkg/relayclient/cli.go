package relayclient

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/wire"
)

const defaultBaseURL = "http://localhost:8085"

func RunCLI(prog string, args []string, stderr io.Writer) error {
	if len(args) < 1 {
		return UsageError{Program: prog}
	}
	cmd := args[0]
	rest := args[1:]
	var err error
	switch cmd {
	case "mint":
		err = runMint(rest)
	case "identity":
		err = runIdentity(rest)
	case "prekeys":
		err = runPrekeys(rest)
	case "bundle":
		err = runBundle(rest)
	case "send":
		err = runSend(rest)
	case "history":
		err = runHistory(rest)
	case "sender-key":
		err = runSenderKey(rest)
	case "listen":
		err = runListen(rest)
	default:
		return UsageError{Program: prog}
	}
	if err != nil {
		if stderr == nil {
			stderr = os.Stderr
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return err
}

type UsageError struct {
	Program string
}

func (u UsageError) Error() string {
	if u.Program == "" {
		u.Program = "relayctl"
	}
	return fmt.Sprintf("Usage: %s <command> [options]", u.Program)
}

func (UsageError) UsageLines() []string {
	return []string{
		"Commands:",
		"  mint        Mint a bearer token for a (user, device) pair",
		"  identity    Publish identity key material for the token's user",
		"  prekeys     Upload fresh one-time prekeys",
		"  bundle      Fetch a user's prekey bundle",
		"  send        Submit a sealed envelope to a channel",
		"  history     Page through a channel's envelope history",
		"  sender-key  Fetch a sender key distribution addressed to you",
		"  listen      Stream relay events over the websocket",
	}
}

func runMint(args []string) error {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	secret := fs.String("secret", getenv("RELAY_JWT_SECRET", "dev-secret"), "HS256 signing secret")
	issuer := fs.String("issuer", getenv("RELAY_JWT_ISSUER", "http://localhost:8081"), "token issuer")
	user := fs.String("user", "", "user UUID (random if omitted)")
	device := fs.String("device", "", "device UUID (random if omitted)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	identity := auth.Identity{UserID: uuid.New(), DeviceID: uuid.New()}
	if *user != "" {
		id, err := uuid.Parse(*user)
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		identity.UserID = id
	}
	if *device != "" {
		id, err := uuid.Parse(*device)
		if err != nil {
			return fmt.Errorf("invalid device id: %w", err)
		}
		identity.DeviceID = id
	}
	token, err := auth.Mint(*secret, *issuer, identity, *ttl)
	if err != nil {
		return err
	}
	fmt.Printf("user:   %s\ndevice: %s\ntoken:  %s\n", identity.UserID, identity.DeviceID, token)
	return nil
}

func runIdentity(args []string) error {
	fs := flag.NewFlagSet("identity", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baseURL := fs.String("url", getenv("RELAYCTL_URL", defaultBaseURL), "relay base URL")
	token := fs.String("token", getenv("RELAYCTL_TOKEN", ""), "bearer token")
	identityKey := fs.String("identity-key", "", "base64 identity key (random if omitted)")
	signedPreKey := fs.String("signed-prekey", "", "base64 signed prekey (random if omitted)")
	signature := fs.String("signature", "", "base64 prekey signature (random if omitted)")
	prekeys := fs.Int("prekeys", 0, "number of random one-time prekeys to include")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ik, err := keyBytes(*identityKey, 32)
	if err != nil {
		return err
	}
	spk, err := keyBytes(*signedPreKey, 32)
	if err != nil {
		return err
	}
	sig, err := keyBytes(*signature, 64)
	if err != nil {
		return err
	}
	upload := IdentityUpload{
		IdentityKey:     ik,
		SignedPreKey:    spk,
		SignedPreKeySig: sig,
	}
	for i := 0; i < *prekeys; i++ {
		pk, err := keyBytes("", 32)
		if err != nil {
			return err
		}
		upload.PreKeys = append(upload.PreKeys, pk)
	}
	client := New(*baseURL, *token)
	ack, err := client.PublishIdentity(context.Background(), upload)
	if err != nil {
		return err
	}
	fmt.Printf("identity published for user %s (%d one-time prekeys available)\n", ack.UserID, ack.Available)
	return nil
}

func runPrekeys(args []string) error {
	fs := flag.NewFlagSet("prekeys", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baseURL := fs.String("url", getenv("RELAYCTL_URL", defaultBaseURL), "relay base URL")
	token := fs.String("token", getenv("RELAYCTL_TOKEN", ""), "bearer token")
	count := fs.Int("count", 10, "number of random prekeys to upload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count <= 0 {
		return fmt.Errorf("count must be positive")
	}
	keys := make([][]byte, 0, *count)
	for i := 0; i < *count; i++ {
		k, err := keyBytes("", 32)
		if err != nil {
			return err
		}
		keys = append(keys, k)
	}
	client := New(*baseURL, *token)
	ack, err := client.ReplenishPrekeys(context.Background(), PrekeyUpload{PreKeys: keys})
	if err != nil {
		return err
	}
	fmt.Printf("uploaded %d prekeys for user %s, %d now available\n", *count, ack.UserID, ack.Available)
	return nil
}

func runBundle(args []string) error {
	fs := flag.NewFlagSet("bundle", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baseURL := fs.String("url", getenv("RELAYCTL_URL", defaultBaseURL), "relay base URL")
	token := fs.String("token", getenv("RELAYCTL_TOKEN", ""), "bearer token")
	user := fs.String("user", "", "target user UUID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	client := New(*baseURL, *token)
	bundle, err := client.FetchBundle(context.Background(), userID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baseURL := fs.String("url", getenv("RELAYCTL_URL", defaultBaseURL), "relay base URL")
	token := fs.String("token", getenv("RELAYCTL_TOKEN", ""), "bearer token")
	channel := fs.String("channel", "", "channel UUID")
	text := fs.String("text", "", "plaintext body to frame as a follow-up envelope (smoke testing only)")
	payload := fs.String("payload", "", "base64 pre-framed wire payload")
	replyTo := fs.String("reply-to", "", "envelope UUID this message replies to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	channelID, err := uuid.Parse(*channel)
	if err != nil {
		return fmt.Errorf("invalid channel id: %w", err)
	}
	var body []byte
	switch {
	case *payload != "":
		body, err = base64.StdEncoding.DecodeString(*payload)
		if err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	case *text != "":
		body = wire.AppendDirect(nil, wire.KindDirectFollowUp, []byte(*text))
	default:
		return fmt.Errorf("either -text or -payload is required")
	}
	req := EnvelopeSubmission{Payload: body}
	if *replyTo != "" {
		req.ReplyToID = replyTo
	}
	client := New(*baseURL, *token)
	ack, err := client.SubmitEnvelope(context.Background(), channelID, req)
	if err != nil {
		return err
	}
	fmt.Printf("envelope %s accepted at seq %d\n", ack.EnvelopeID, ack.Seq)
	return nil
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baseURL := fs.String("url", getenv("RELAYCTL_URL", defaultBaseURL), "relay base URL")
	token := fs.String("token", getenv("RELAYCTL_TOKEN", ""), "bearer token")
	channel := fs.String("channel", "", "channel UUID")
	after := fs.Int64("after", 0, "return envelopes with seq greater than this")
	limit := fs.Int("limit", 50, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	channelID, err := uuid.Parse(*channel)
	if err != nil {
		return fmt.Errorf("invalid channel id: %w", err)
	}
	client := New(*baseURL, *token)
	page, err := client.History(context.Background(), channelID, *after, *limit)
	if err != nil {
		return err
	}
	for _, env := range page.Envelopes {
		fmt.Printf("seq=%d id=%s sender=%s kind=0x%02x bytes=%d\n",
			env.Seq, env.EnvelopeID, env.SenderID, env.Kind, len(env.Payload))
	}
	return nil
}

func runSenderKey(args []string) error {
	fs := flag.NewFlagSet("sender-key", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baseURL := fs.String("url", getenv("RELAYCTL_URL", defaultBaseURL), "relay base URL")
	token := fs.String("token", getenv("RELAYCTL_TOKEN", ""), "bearer token")
	channel := fs.String("channel", "", "channel UUID")
	dist := fs.String("dist", "", "distribution UUID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	channelID, err := uuid.Parse(*channel)
	if err != nil {
		return fmt.Errorf("invalid channel id: %w", err)
	}
	distID, err := uuid.Parse(*dist)
	if err != nil {
		return fmt.Errorf("invalid distribution id: %w", err)
	}
	client := New(*baseURL, *token)
	sk, err := client.FetchSenderKey(context.Background(), channelID, distID)
	if err != nil {
		return err
	}
	fmt.Printf("distribution %s from %s at chain index %d\nblob: %s\n",
		sk.DistributionID, sk.SenderID, sk.ChainIndex, base64.StdEncoding.EncodeToString(sk.Blob))
	return nil
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baseURL := fs.String("url", getenv("RELAYCTL_URL", defaultBaseURL), "relay base URL")
	token := fs.String("token", getenv("RELAYCTL_TOKEN", ""), "bearer token")
	heartbeat := fs.Duration("heartbeat", 20*time.Second, "interval between client heartbeats")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client := New(*baseURL, *token)
	conn, err := client.Listen(context.Background())
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	if *heartbeat > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(*heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					if err := conn.Heartbeat(); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		frame, err := conn.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		fmt.Println(string(frame))
	}
}

func keyBytes(encoded string, n int) ([]byte, error) {
	if encoded == "" {
		b := make([]byte, n)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		return b, nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
