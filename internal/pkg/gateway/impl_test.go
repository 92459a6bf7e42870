package gateway_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/wager/internal/pkg/address"
	"github.com/vreid/wager/internal/pkg/auth"
	"github.com/vreid/wager/internal/pkg/common"
	"github.com/vreid/wager/internal/pkg/escrow"
	"github.com/vreid/wager/internal/pkg/gateway"
	"github.com/vreid/wager/internal/pkg/standings"
)

var (
	arbiterKey = privateKey(9)
	playerAKey = privateKey(1)
	playerBKey = privateKey(2)
	bettorXKey = privateKey(3)
	bettorYKey = privateKey(4)
)

func privateKey(seed byte) *secp256k1.PrivateKey {
	return secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
}

func identity(priv *secp256k1.PrivateKey) address.Identity {
	return address.IdentityFromPubKey(priv.PubKey())
}

type harness struct {
	t *testing.T

	echo  *common.EchoService
	clock *common.ManualClock
}

func newHarness(t *testing.T, faucet bool) *harness {
	t.Helper()

	clock := common.NewManualClock(time.Unix(1_700_000_000, 0))
	commits := make(chan struct{}, 1)

	i := do.New()
	do.ProvideNamedValue(i, "port", 0)
	do.ProvideNamedValue(i, "data-dir", t.TempDir())
	do.ProvideNamedValue(i, "program-name", "wager-test")
	do.ProvideNamedValue(i, "arbiter", identity(arbiterKey).String())
	do.ProvideNamedValue(i, "faucet", faucet)
	do.ProvideNamedValue(i, "signature-max-age", 5*time.Minute)
	do.ProvideNamedValue[chan<- struct{}](i, "commit-sink", commits)
	do.ProvideNamedValue[<-chan struct{}](i, "commit-source", commits)
	do.ProvideValue[common.Clock](i, clock)
	do.ProvideValue(i, common.NewDiscardLogService())
	do.Provide(i, common.NewDatabaseService)
	do.Provide(i, common.NewMetricsService)
	do.Provide(i, common.NewEchoService)
	do.Provide(i, auth.NewAuthService)
	do.Provide(i, escrow.NewEscrowService)
	do.Provide(i, standings.NewStandingsService)
	do.Provide(i, gateway.NewGatewayService)

	t.Cleanup(func() {
		_ = i.Shutdown()
	})

	do.MustInvoke[*gateway.GatewayService](i)

	return &harness{
		t: t,

		echo:  do.MustInvoke[*common.EchoService](i),
		clock: clock,
	}
}

func (h *harness) request(priv *secp256k1.PrivateKey, method string, path string, body string) *httptest.ResponseRecorder {
	h.t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	if priv != nil {
		headers, err := auth.Sign(priv, method, path, h.clock.Now().Unix(), []byte(body))
		require.NoError(h.t, err)

		headers.Apply(req.Header)
	}

	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)

	return rec
}

func (h *harness) fund(priv *secp256k1.PrivateKey, amount string) {
	h.t.Helper()

	rec := h.request(priv, http.MethodPost, "/api/escrow/faucet",
		fmt.Sprintf(`{"identity":%q,"amount":%q}`, identity(priv), amount))
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (h *harness) createMatch(matchID int) string {
	h.t.Helper()

	body := fmt.Sprintf(`{"match_id":%d,"stake_amount":"100","deadline":%d,"player_a":%q,"player_b":%q}`,
		matchID, h.clock.Now().Unix()+3600, identity(playerAKey), identity(playerBKey))

	rec := h.request(arbiterKey, http.MethodPost, "/api/escrow/matches", body)
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())

	var result escrow.CreateMatchResult
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &result))

	return result.MatchAddress.String()
}

func TestSettlementOverHTTP(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	for _, key := range []*secp256k1.PrivateKey{playerAKey, playerBKey, bettorXKey, bettorYKey} {
		h.fund(key, "1000")
	}

	match := h.createMatch(1)
	base := "/api/escrow/matches/" + match

	rec := h.request(playerAKey, http.MethodPost, base+"/join", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.request(playerBKey, http.MethodPost, base+"/join", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.request(bettorXKey, http.MethodPost, base+"/bets", `{"side":"PlayerA","amount":"200"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var bet escrow.PlaceBetResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bet))

	rec = h.request(bettorYKey, http.MethodPost, base+"/bets", `{"side":"PlayerB","amount":"100"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.request(arbiterKey, http.MethodPost, base+"/winner", `{"winner":"PlayerA"}`)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	h.clock.Advance(2 * time.Hour)

	rec = h.request(arbiterKey, http.MethodPost, base+"/winner", `{"winner":"PlayerA"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.request(playerAKey, http.MethodPost, base+"/stake-withdrawals", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.request(bettorXKey, http.MethodPost, base+"/claims",
		fmt.Sprintf(`{"participant_address":%q}`, bet.ParticipantAddress))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var claim gateway.ReceiptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	require.Len(t, claim.Receipt.Transfers, 1)
	assert.Equal(t, uint64(300), claim.Receipt.Transfers[0].Amount)

	rec = h.request(bettorYKey, http.MethodPost, base+"/claims", "")
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = h.request(nil, http.MethodGet, "/api/escrow/balances/"+identity(bettorXKey).String(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, fmt.Sprintf(`{"account":%q,"balance":"1100"}`, identity(bettorXKey)), rec.Body.String())

	rec = h.request(nil, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var view escrow.MatchView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, escrow.StatusResolved, view.Match.Status)
	assert.Equal(t, uint64(0), view.CustodyBalance)
	assert.Len(t, view.Participants, 2)

	rec = h.request(nil, http.MethodGet, "/api/escrow/receipts/"+claim.Receipt.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.request(nil, http.MethodGet, "/api/escrow/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), identity(arbiterKey).String())

	rec = h.request(nil, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "escrow.claim_bet_payout.committed")

	rec = h.request(nil, http.MethodGet, "/api/escrow/standings/"+identity(bettorXKey).String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	h.fund(playerAKey, "1000")
	h.fund(playerBKey, "1000")
	h.fund(bettorXKey, "5")

	match := h.createMatch(1)
	base := "/api/escrow/matches/" + match

	for _, tc := range []struct {
		name     string
		key      *secp256k1.PrivateKey
		method   string
		path     string
		body     string
		expected int
	}{
		{"unsigned", nil, http.MethodPost, base + "/join", "", http.StatusUnauthorized},
		{"not a player", bettorXKey, http.MethodPost, base + "/join", "", http.StatusForbidden},
		{"join", playerAKey, http.MethodPost, base + "/join", "", http.StatusOK},
		{"second join", playerAKey, http.MethodPost, base + "/join", "", http.StatusConflict},
		{"join b", playerBKey, http.MethodPost, base + "/join", "", http.StatusOK},
		{"fractional bet", bettorXKey, http.MethodPost, base + "/bets", `{"side":"PlayerA","amount":"1.5"}`, http.StatusBadRequest},
		{"negative bet", bettorXKey, http.MethodPost, base + "/bets", `{"side":"PlayerA","amount":"-1"}`, http.StatusBadRequest},
		{"bad side", bettorXKey, http.MethodPost, base + "/bets", `{"side":"PlayerC","amount":"1"}`, http.StatusBadRequest},
		{"broke bettor", bettorXKey, http.MethodPost, base + "/bets", `{"side":"PlayerA","amount":"6"}`, http.StatusPaymentRequired},
		{"not arbiter", playerAKey, http.MethodPost, base + "/winner", `{"winner":"PlayerA"}`, http.StatusForbidden},
		{"bad match", playerAKey, http.MethodPost, "/api/escrow/matches/xyz/join", "", http.StatusBadRequest},
		{"unknown receipt", nil, http.MethodGet, "/api/escrow/receipts/nope", "", http.StatusNotFound},
		{"bad account", nil, http.MethodGet, "/api/escrow/balances/nope", "", http.StatusBadRequest},
	} {
		rec := h.request(tc.key, tc.method, tc.path, tc.body)
		assert.Equal(t, tc.expected, rec.Code, "%s: %s", tc.name, rec.Body.String())
	}

	unknown, err := address.MatchAddress(address.Address{1}, identity(arbiterKey), 2)
	require.NoError(t, err)

	rec := h.request(nil, http.MethodGet, "/api/escrow/matches/"+unknown.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateMatchRequiresConfiguredArbiter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	body := fmt.Sprintf(`{"match_id":1,"stake_amount":"100","deadline":%d,"player_a":%q,"player_b":%q}`,
		h.clock.Now().Unix()+3600, identity(playerAKey), identity(playerBKey))

	rec := h.request(bettorXKey, http.MethodPost, "/api/escrow/matches", body)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = h.request(nil, http.MethodGet, "/api/escrow/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), identity(arbiterKey).String())

	h.createMatch(1)
}

func TestOversizedBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	body := fmt.Sprintf(`{"padding":%q}`, strings.Repeat("a", 128*1024))

	rec := h.request(arbiterKey, http.MethodPost, "/api/escrow/matches", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestFaucetDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	rec := h.request(playerAKey, http.MethodPost, "/api/escrow/faucet",
		fmt.Sprintf(`{"identity":%q,"amount":"10"}`, identity(playerAKey)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExpiredSignature(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	req := httptest.NewRequest(http.MethodPost, "/api/escrow/faucet", strings.NewReader(`{}`))

	headers, err := auth.Sign(playerAKey, http.MethodPost, "/api/escrow/faucet", h.clock.Now().Unix()-3600, []byte(`{}`))
	require.NoError(t, err)

	headers.Apply(req.Header)

	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestParseAmount(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		input    string
		expected uint64
	}{
		{"0", 0},
		{"42", 42},
		{"1e3", 1000},
		{"18446744073709551615", 18446744073709551615},
	} {
		amount, err := gateway.ParseAmount(tc.input)
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.expected, amount, tc.input)
	}

	for _, input := range []string{"", "abc", "1.5", "-3", "18446744073709551616"} {
		_, err := gateway.ParseAmount(input)
		require.ErrorIs(t, err, gateway.ErrInvalidAmount, input)
	}
}

func TestStatusCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusNotFound, gateway.StatusCode(escrow.ErrMatchNotFound))
	assert.Equal(t, http.StatusForbidden, gateway.StatusCode(escrow.ErrNotBettor))
	assert.Equal(t, http.StatusConflict, gateway.StatusCode(escrow.ErrAlreadyClaimed))
	assert.Equal(t, http.StatusPaymentRequired, gateway.StatusCode(escrow.ErrInsufficientFunds))
	assert.Equal(t, http.StatusBadRequest, gateway.StatusCode(escrow.ErrAddressDerivation))
	assert.Equal(t, http.StatusServiceUnavailable, gateway.StatusCode(escrow.ErrLedgerFailure))
}
