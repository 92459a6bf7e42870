package auth

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/decred/slog"
	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/wager/internal/pkg/address"
	"github.com/vreid/wager/internal/pkg/common"
)

const (
	HeaderIdentity  = "X-Wager-Identity"
	HeaderTimestamp = "X-Wager-Timestamp"
	HeaderSignature = "X-Wager-Signature"

	callerKey = "wager.caller"

	privateKeySize = 32
)

var (
	ErrMissingHeaders    = errors.New("missing authentication headers")
	ErrInvalidTimestamp  = errors.New("invalid request timestamp")
	ErrExpired           = errors.New("request signature expired")
	ErrInvalidSignature  = errors.New("invalid request signature")
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

type AuthService struct {
	Clock common.Clock
	Log   slog.Logger

	MaxAge time.Duration
}

func NewAuthService(i do.Injector) (*AuthService, error) {
	clock := do.MustInvoke[common.Clock](i)
	logService := do.MustInvoke[*common.LogService](i)

	maxAge := do.MustInvokeNamed[time.Duration](i, "signature-max-age")

	return &AuthService{
		Clock: clock,
		Log:   logService.Logger("AUTH"),

		MaxAge: maxAge,
	}, nil
}

// Digest is the message a caller signs: method, path and timestamp on their
// own lines, followed by the raw body.
func Digest(method string, path string, timestamp int64, body []byte) []byte {
	h := blake256.New()

	_, _ = fmt.Fprintf(h, "%s\n%s\n%d\n", method, path, timestamp)
	_, _ = h.Write(body)

	return h.Sum(nil)
}

type Headers struct {
	Identity  string
	Timestamp string
	Signature string
}

func Sign(priv *secp256k1.PrivateKey, method string, path string, timestamp int64, body []byte) (*Headers, error) {
	sig, err := schnorr.Sign(priv, Digest(method, path, timestamp, body))
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	return &Headers{
		Identity:  address.IdentityFromPubKey(priv.PubKey()).String(),
		Timestamp: strconv.FormatInt(timestamp, 10),
		Signature: hex.EncodeToString(sig.Serialize()),
	}, nil
}

func (h *Headers) Apply(header http.Header) {
	header.Set(HeaderIdentity, h.Identity)
	header.Set(HeaderTimestamp, h.Timestamp)
	header.Set(HeaderSignature, h.Signature)
}

func Verify(identity address.Identity, method string, path string, timestamp int64, body []byte, signature string) error {
	raw, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	sig, err := schnorr.ParseSignature(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	pub, err := identity.PubKey()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	if !sig.Verify(Digest(method, path, timestamp, body), pub) {
		return ErrInvalidSignature
	}

	return nil
}

func GeneratePrivateKey() (*secp256k1.PrivateKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	return priv, nil
}

func ParsePrivateKey(s string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}

	if len(raw) != privateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPrivateKey, privateKeySize, len(raw))
	}

	priv := secp256k1.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrInvalidPrivateKey)
	}

	return priv, nil
}

// Authenticate checks the signature headers of an incoming request against
// its body and returns the signing identity.
func (s *AuthService) Authenticate(r *http.Request, body []byte) (address.Identity, error) {
	identityHeader := r.Header.Get(HeaderIdentity)
	timestampHeader := r.Header.Get(HeaderTimestamp)
	signatureHeader := r.Header.Get(HeaderSignature)

	if len(identityHeader) == 0 || len(timestampHeader) == 0 || len(signatureHeader) == 0 {
		return address.Identity{}, ErrMissingHeaders
	}

	identity, err := address.ParseIdentity(identityHeader)
	if err != nil {
		return address.Identity{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return address.Identity{}, fmt.Errorf("%w: %w", ErrInvalidTimestamp, err)
	}

	age := s.Clock.Now().Sub(time.Unix(timestamp, 0))
	if age > s.MaxAge || age < -s.MaxAge {
		return address.Identity{}, ErrExpired
	}

	err = Verify(identity, r.Method, r.URL.Path, timestamp, body, signatureHeader)
	if err != nil {
		return address.Identity{}, err
	}

	return identity, nil
}

func (s *AuthService) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()

			body, err := io.ReadAll(r.Body)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
			}

			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			identity, err := s.Authenticate(r, body)
			if err != nil {
				s.Log.Debugf("Rejected request %s %s: %v", r.Method, r.URL.Path, err)

				return echo.NewHTTPError(http.StatusUnauthorized, err.Error()).SetInternal(err)
			}

			c.Set(callerKey, identity)

			return next(c)
		}
	}
}

func Caller(c echo.Context) (address.Identity, bool) {
	identity, ok := c.Get(callerKey).(address.Identity)

	return identity, ok
}
