package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"keycore/internal/authz"
	"keycore/internal/dto"
	"keycore/internal/protocol"

	"github.com/google/uuid"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "register":
		err = runRegister(args)
	case "bundle":
		err = runBundle(args)
	case "safety":
		err = runSafety(args)
	case "status":
		err = runStatus(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  register   Generate a device identity and register it")
	fmt.Fprintln(os.Stderr, "  bundle     Fetch a pre-key bundle for a device")
	fmt.Fprintln(os.Stderr, "  safety     Compute the safety number for two devices")
	fmt.Fprintln(os.Stderr, "  status     Resolve encryption status for a conversation")
	os.Exit(2)
}

type clientOpts struct {
	baseURL string
	secret  string
	issuer  string
}

func clientFlags(fs *flag.FlagSet) *clientOpts {
	o := &clientOpts{}
	fs.StringVar(&o.baseURL, "base-url", getenv("KEYCTL_BASE_URL", "http://localhost:8082"), "key service base URL")
	fs.StringVar(&o.secret, "secret", getenv("KEYCTL_SECRET", "dev-secret-change-me"), "shared HS256 secret for bearer tokens")
	fs.StringVar(&o.issuer, "issuer", getenv("KEYCTL_ISSUER", "keycore"), "token issuer")
	return o
}

func (o *clientOpts) token() (string, error) {
	return authz.NewValidator(o.secret, o.issuer).IssueToken("keyctl", 5*time.Minute)
}

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts := clientFlags(fs)
	userID := fs.String("user", "", "user UUID (optional; generated if empty)")
	deviceID := fs.String("device", "", "device UUID (optional; generated server-side if empty)")
	primary := fs.Bool("primary", false, "register as the user's primary device")
	count := fs.Int("count", 5, "number of one-time pre-keys to generate")
	snapshotPath := fs.String("snapshot", "", "write the device's private key material to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count < 0 {
		return fmt.Errorf("count must be non-negative")
	}

	dev, err := protocol.GenerateDevice()
	if err != nil {
		return err
	}

	identity, signing := dev.IdentityPublic()
	signed, sig := dev.SignedPrekeyPublic()
	payload := dto.RegisterDeviceRequest{
		UserID:               strings.TrimSpace(*userID),
		DeviceID:             strings.TrimSpace(*deviceID),
		IsPrimary:            *primary,
		IdentityKey:          protocol.EncodeKey(identity[:]),
		IdentitySignatureKey: protocol.EncodeKey(signing),
		SignedPreKey: dto.SignedPreKey{
			PublicKey: protocol.EncodeKey(signed[:]),
			Signature: protocol.EncodeKey(sig),
			CreatedAt: time.Now().UTC(),
		},
	}
	otks, err := dev.GenerateOneTimePrekeys(*count)
	if err != nil {
		return err
	}
	for _, k := range otks {
		payload.OneTimePreKeys = append(payload.OneTimePreKeys, dto.OneTimePreKey{
			ID:        k.ID.String(),
			PublicKey: protocol.EncodeKey(k.Public[:]),
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var registerResp dto.RegisterDeviceResponse
	if err := doJSON(opts, http.MethodPost, "/keys/device/register", body, true, &registerResp); err != nil {
		return err
	}

	if *snapshotPath != "" {
		snap, err := dev.Export()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(*snapshotPath, data, 0o600); err != nil {
			return err
		}
	}

	// Fill back generated IDs so the printed request matches the effective state.
	if payload.UserID == "" {
		payload.UserID = registerResp.UserID
	}
	if payload.DeviceID == "" {
		payload.DeviceID = registerResp.DeviceID
	}

	out := struct {
		Request  dto.RegisterDeviceRequest  `json:"request"`
		Response dto.RegisterDeviceResponse `json:"response"`
	}{payload, registerResp}

	return printJSON(out)
}

func runBundle(args []string) error {
	fs := flag.NewFlagSet("bundle", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts := clientFlags(fs)
	deviceID := fs.String("device", "", "device UUID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := uuid.Parse(strings.TrimSpace(*deviceID)); err != nil {
		return fmt.Errorf("a valid device id is required")
	}

	var bundle dto.PreKeyBundleResponse
	if err := doJSON(opts, http.MethodGet, "/keys/bundle?device_id="+*deviceID, nil, true, &bundle); err != nil {
		return err
	}
	return printJSON(bundle)
}

func runSafety(args []string) error {
	fs := flag.NewFlagSet("safety", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts := clientFlags(fs)
	deviceA := fs.String("device-a", "", "first device UUID")
	deviceB := fs.String("device-b", "", "second device UUID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *deviceA == "" || *deviceB == "" {
		return fmt.Errorf("both device ids are required")
	}

	var sn dto.SafetyNumberResponse
	path := fmt.Sprintf("/keys/safety-number?device_a=%s&device_b=%s", *deviceA, *deviceB)
	if err := doJSON(opts, http.MethodGet, path, nil, false, &sn); err != nil {
		return err
	}
	return printJSON(sn)
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts := clientFlags(fs)
	conversation := fs.String("conversation", "", "conversation id")
	users := fs.String("users", "", "comma-separated participant user UUIDs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	participants := []string{}
	for _, u := range strings.Split(*users, ",") {
		if s := strings.TrimSpace(u); s != "" {
			participants = append(participants, s)
		}
	}
	if *conversation == "" || len(participants) == 0 {
		return fmt.Errorf("conversation id and at least one participant are required")
	}

	body, err := json.Marshal(dto.EncryptionStatusRequest{
		ConversationID:     *conversation,
		ParticipantUserIDs: participants,
	})
	if err != nil {
		return err
	}
	var status dto.EncryptionStatusResponse
	if err := doJSON(opts, http.MethodPost, "/keys/conversation/status", body, false, &status); err != nil {
		return err
	}
	return printJSON(status)
}

func doJSON(opts *clientOpts, method, path string, body []byte, authed bool, out any) error {
	url := strings.TrimRight(opts.baseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token, err := opts.token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close response body: %v\n", cerr)
		}
	}()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return fmt.Errorf("%s %s failed: %s", method, path, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
