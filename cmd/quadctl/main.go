package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"quadgate/pkg/attest"
	"quadgate/pkg/auth"
	"quadgate/pkg/client"
	"quadgate/pkg/config"
	"quadgate/pkg/models"
	"quadgate/pkg/totp"
)

// Testable variables for main()
var (
	osExit = os.Exit
	nowFn  = time.Now
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "totp-enroll":
		return totpEnroll(args[1:], out)
	case "operator-token":
		return operatorToken(args[1:], out)
	case "sign-challenge":
		return signChallenge(args[1:], out)
	case "register":
		return register(args[1:], out)
	case "revoke":
		return revoke(args[1:], out)
	case "authenticate":
		return authenticate(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "quadctl commands:")
	fmt.Fprintln(out, "  gen-key --out-private device.key --out-public device.pub")
	fmt.Fprintln(out, "  totp-enroll --account alice@laptop [--issuer quadgate] [--qr enroll.png]")
	fmt.Fprintln(out, "  operator-token --sub ops --roles operator,auditor [--ttl 1h]")
	fmt.Fprintln(out, "  sign-challenge --private device.key --challenge-id <id> --nonce <nonce>")
	fmt.Fprintln(out, "  register --server URL --token TOKEN --device <id> --public device.pub --totp-secret <base32>")
	fmt.Fprintln(out, "  revoke --server URL --token TOKEN --device <id>")
	fmt.Fprintln(out, "  authenticate --server URL --device <id> --totp <code> [--private device.key] [--topic t --answer text]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

type serverFlags struct {
	url     *string
	token   *string
	timeout *time.Duration
}

func addServerFlags(fs *flag.FlagSet) serverFlags {
	return serverFlags{
		url:     fs.String("server", config.Env("QUADGATE_URL", "http://localhost:8080"), "quadgated base URL"),
		token:   fs.String("token", config.Env("QUADGATE_TOKEN", ""), "operator bearer token"),
		timeout: fs.Duration("timeout", 10*time.Second, "request timeout"),
	}
}

func (f serverFlags) client() *client.Client {
	c := client.NewClient(*f.url, *f.timeout)
	c.AuthToken = *f.token
	return c
}

func (f serverFlags) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*(*f.timeout))
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readKeyFile(path string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("decode %s: invalid size %d", path, len(b))
	}
	return b, nil
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPriv := fs.String("out-private", "device.key", "private key output")
	outPub := fs.String("out-public", "device.pub", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(*outPriv, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*outPub, []byte(base64.StdEncoding.EncodeToString(pub)), 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\n", *outPriv, *outPub)
	return nil
}

// totpEnroll prints a fresh seed and its provisioning URL. With --qr the URL
// is also rendered as a PNG for authenticator apps.
func totpEnroll(args []string, out io.Writer) error {
	fs := newFlagSet("totp-enroll")
	issuer := fs.String("issuer", "quadgate", "issuer shown in authenticator apps")
	account := fs.String("account", "", "account name")
	qrPath := fs.String("qr", "", "write provisioning QR code PNG to this path")
	qrSize := fs.Int("qr-size", 256, "QR code size in pixels")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account == "" {
		return errors.New("account required")
	}
	enr, err := totp.Enroll(*issuer, *account)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "secret: %s\nurl: %s\n", enr.Secret, enr.URL)
	if *qrPath != "" {
		if err := qrcode.WriteFile(enr.URL, qrcode.Medium, *qrSize, *qrPath); err != nil {
			return fmt.Errorf("write qr code: %w", err)
		}
		fmt.Fprintf(out, "wrote %s\n", *qrPath)
	}
	return nil
}

func operatorToken(args []string, out io.Writer) error {
	fs := newFlagSet("operator-token")
	secret := fs.String("secret", config.Env("OPERATOR_HS256_SECRET", ""), "HS256 operator secret")
	sub := fs.String("sub", "", "token subject")
	roles := fs.String("roles", auth.RoleOperator, "comma separated roles")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return errors.New("sub required")
	}
	if *ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}
	now := nowFn().UTC()
	tok, err := auth.IssueHS256Token(auth.TokenClaims{
		Sub:   *sub,
		Roles: roleList,
		Aud:   "quadgate",
		Iat:   now.Unix(),
		Exp:   now.Add(*ttl).Unix(),
	}, *secret)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(out, tok)
	return nil
}

func signChallenge(args []string, out io.Writer) error {
	fs := newFlagSet("sign-challenge")
	privatePath := fs.String("private", "", "base64 private key path")
	challengeID := fs.String("challenge-id", "", "challenge id")
	nonce := fs.String("nonce", "", "challenge nonce")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *privatePath == "" || *challengeID == "" || *nonce == "" {
		return errors.New("private, challenge-id, nonce required")
	}
	priv, err := readKeyFile(*privatePath, ed25519.PrivateKeySize)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	sig, err := attest.Sign(ed25519.PrivateKey(priv), *challengeID, *nonce)
	if err != nil {
		return fmt.Errorf("sign challenge: %w", err)
	}
	fmt.Fprintln(out, base64.StdEncoding.EncodeToString(sig))
	return nil
}

func register(args []string, out io.Writer) error {
	fs := newFlagSet("register")
	srv := addServerFlags(fs)
	deviceID := fs.String("device", "", "device id")
	publicPath := fs.String("public", "", "base64 public key path")
	totpSecret := fs.String("totp-secret", "", "base32 TOTP seed")
	label := fs.String("label", "", "device label")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *deviceID == "" || *publicPath == "" || *totpSecret == "" {
		return errors.New("device, public, totp-secret required")
	}
	pub, err := readKeyFile(*publicPath, ed25519.PublicKeySize)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	ctx, cancel := srv.context()
	defer cancel()
	d, err := srv.client().RegisterDevice(ctx, models.RegisterDeviceRequest{
		DeviceID:   *deviceID,
		PublicKey:  pub,
		TOTPSecret: *totpSecret,
		Label:      *label,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return writeJSON(out, d)
}

func revoke(args []string, out io.Writer) error {
	fs := newFlagSet("revoke")
	srv := addServerFlags(fs)
	deviceID := fs.String("device", "", "device id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *deviceID == "" {
		return errors.New("device required")
	}
	ctx, cancel := srv.context()
	defer cancel()
	if err := srv.client().RevokeDevice(ctx, *deviceID); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	fmt.Fprintf(out, "revoked %s\n", *deviceID)
	return nil
}

// authenticate runs one full attempt: it fetches and answers whichever
// challenges the flags provide material for, then prints the decision.
func authenticate(args []string, out io.Writer) error {
	fs := newFlagSet("authenticate")
	srv := addServerFlags(fs)
	deviceID := fs.String("device", "", "device id")
	code := fs.String("totp", "", "current TOTP code")
	privatePath := fs.String("private", "", "base64 private key path for the crypto gate")
	topic := fs.String("topic", "", "semantic challenge topic")
	difficulty := fs.String("difficulty", "easy", "semantic challenge difficulty")
	answer := fs.String("answer", "", "semantic challenge answer")
	sessionID := fs.String("session-id", "", "session binding for the semantic challenge")
	sessionToken := fs.String("session-token", "", "existing session token")
	freeText := fs.String("text", "", "free text for the behavior gate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *deviceID == "" || *code == "" {
		return errors.New("device and totp required")
	}
	if *topic != "" && *answer == "" {
		return errors.New("answer required with topic")
	}

	c := srv.client()
	ctx, cancel := srv.context()
	defer cancel()

	req := models.AuthenticationRequest{
		DeviceID:            *deviceID,
		TOTP:                *code,
		SessionToken:        *sessionToken,
		FreeTextForBehavior: *freeText,
	}
	if *sessionID != "" {
		req.Context = map[string]any{"session_id": *sessionID}
	}
	if *privatePath != "" {
		priv, err := readKeyFile(*privatePath, ed25519.PrivateKeySize)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		ch, err := c.IssueCryptoChallenge(ctx, *deviceID)
		if err != nil {
			return fmt.Errorf("crypto challenge: %w", err)
		}
		resp, err := client.Signer{PrivateKey: priv}.Answer(ch)
		if err != nil {
			return fmt.Errorf("answer crypto challenge: %w", err)
		}
		req.CryptoResponse = resp
	}
	if *topic != "" {
		ch, err := c.IssueSemanticChallenge(ctx, models.SemanticChallengeRequest{
			DeviceID:   *deviceID,
			SessionID:  *sessionID,
			Topic:      *topic,
			Difficulty: *difficulty,
		})
		if err != nil {
			return fmt.Errorf("semantic challenge: %w", err)
		}
		fmt.Fprintf(out, "prompt: %s\n", ch.Prompt)
		req.SemanticResponse = &models.SemanticResponse{ChallengeID: ch.ChallengeID, ResponseText: *answer}
	}

	d, err := c.Authenticate(ctx, req)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := writeJSON(out, d); err != nil {
		return err
	}
	if d.Outcome != models.OutcomeAllow {
		return errors.New("authentication denied")
	}
	return nil
}
