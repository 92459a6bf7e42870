package auth_test

import (
	"bytes"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/wager/internal/pkg/address"
	"github.com/vreid/wager/internal/pkg/auth"
	"github.com/vreid/wager/internal/pkg/common"
)

const now = 1_700_000_000

func newAuth(t *testing.T) *auth.AuthService {
	t.Helper()

	i := do.New()
	do.ProvideNamedValue(i, "signature-max-age", 5*time.Minute)
	do.ProvideValue[common.Clock](i, common.NewManualClock(time.Unix(now, 0)))
	do.ProvideValue(i, common.NewDiscardLogService())
	do.Provide(i, auth.NewAuthService)

	return do.MustInvoke[*auth.AuthService](i)
}

func privateKey(seed byte) *secp256k1.PrivateKey {
	return secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
}

func signedRequest(t *testing.T, priv *secp256k1.PrivateKey, method string, path string, timestamp int64, body string) *http.Request {
	t.Helper()

	headers, err := auth.Sign(priv, method, path, timestamp, []byte(body))
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	headers.Apply(req.Header)

	return req
}

func TestSignVerify(t *testing.T) {
	t.Parallel()

	priv := privateKey(1)
	identity := address.IdentityFromPubKey(priv.PubKey())

	headers, err := auth.Sign(priv, http.MethodPost, "/api/escrow/matches", now, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, identity.String(), headers.Identity)

	err = auth.Verify(identity, http.MethodPost, "/api/escrow/matches", now, []byte(`{"a":1}`), headers.Signature)
	require.NoError(t, err)

	err = auth.Verify(identity, http.MethodPost, "/api/escrow/matches", now, []byte(`{"a":2}`), headers.Signature)
	require.ErrorIs(t, err, auth.ErrInvalidSignature)

	err = auth.Verify(identity, http.MethodPost, "/api/escrow/matches", now+1, []byte(`{"a":1}`), headers.Signature)
	require.ErrorIs(t, err, auth.ErrInvalidSignature)

	other := address.IdentityFromPubKey(privateKey(2).PubKey())
	err = auth.Verify(other, http.MethodPost, "/api/escrow/matches", now, []byte(`{"a":1}`), headers.Signature)
	require.ErrorIs(t, err, auth.ErrInvalidSignature)

	err = auth.Verify(identity, http.MethodPost, "/api/escrow/matches", now, []byte(`{"a":1}`), "zz")
	require.ErrorIs(t, err, auth.ErrInvalidSignature)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	s := newAuth(t)
	priv := privateKey(1)

	for _, tc := range []struct {
		name      string
		timestamp int64
		mutate    func(r *http.Request)
		expected  error
	}{
		{"valid", now, func(*http.Request) {}, nil},
		{"slightly old", now - 60, func(*http.Request) {}, nil},
		{"expired", now - 600, func(*http.Request) {}, auth.ErrExpired},
		{"from the future", now + 600, func(*http.Request) {}, auth.ErrExpired},
		{"missing identity", now, func(r *http.Request) { r.Header.Del(auth.HeaderIdentity) }, auth.ErrMissingHeaders},
		{"bad timestamp", now, func(r *http.Request) { r.Header.Set(auth.HeaderTimestamp, "soon") }, auth.ErrInvalidTimestamp},
		{"bad identity", now, func(r *http.Request) { r.Header.Set(auth.HeaderIdentity, "abc") }, auth.ErrInvalidSignature},
		{"other path", now, func(r *http.Request) { r.URL.Path = "/api/escrow/faucet" }, auth.ErrInvalidSignature},
	} {
		req := signedRequest(t, priv, http.MethodPost, "/api/escrow/matches", tc.timestamp, `{}`)
		tc.mutate(req)

		identity, err := s.Authenticate(req, []byte(`{}`))
		if tc.expected != nil {
			require.ErrorIs(t, err, tc.expected, tc.name)

			continue
		}

		require.NoError(t, err, tc.name)
		assert.Equal(t, address.IdentityFromPubKey(priv.PubKey()), identity, tc.name)
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	s := newAuth(t)
	priv := privateKey(3)

	e := echo.New()
	e.POST("/api/escrow/matches", func(c echo.Context) error {
		caller, ok := auth.Caller(c)
		if !ok {
			return echo.NewHTTPError(http.StatusInternalServerError)
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}

		return c.String(http.StatusOK, caller.String()+" "+string(body))
	}, s.Middleware())

	req := signedRequest(t, priv, http.MethodPost, "/api/escrow/matches", now, `{"x":1}`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, address.IdentityFromPubKey(priv.PubKey()).String()+` {"x":1}`, rec.Body.String())

	req = signedRequest(t, priv, http.MethodPost, "/api/escrow/matches", now, `{"x":1}`)
	req.Body = io.NopCloser(strings.NewReader(`{"x":2}`))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestParsePrivateKey(t *testing.T) {
	t.Parallel()

	priv, err := auth.GeneratePrivateKey()
	require.NoError(t, err)

	parsed, err := auth.ParsePrivateKey(hex.EncodeToString(priv.Serialize()))
	require.NoError(t, err)
	assert.Equal(t, priv.PubKey().SerializeCompressed(), parsed.PubKey().SerializeCompressed())

	for _, input := range []string{"", "xyz", "abcd", strings.Repeat("00", 32)} {
		_, err = auth.ParsePrivateKey(input)
		require.ErrorIs(t, err, auth.ErrInvalidPrivateKey, input)
	}
}
