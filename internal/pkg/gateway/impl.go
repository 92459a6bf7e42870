package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/decred/slog"
	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/shopspring/decimal"
	"github.com/vreid/wager/internal/pkg/address"
	"github.com/vreid/wager/internal/pkg/auth"
	"github.com/vreid/wager/internal/pkg/common"
	"github.com/vreid/wager/internal/pkg/escrow"
	"github.com/vreid/wager/internal/pkg/ledger"
	"github.com/vreid/wager/internal/pkg/standings"
)

var ErrInvalidAmount = errors.New("amount must be a non-negative integer that fits in 64 bits")

type GatewayService struct {
	EscrowService    *escrow.EscrowService
	StandingsService *standings.StandingsService
	AuthService      *auth.AuthService

	Log slog.Logger

	Faucet bool
}

func NewGatewayService(i do.Injector) (*GatewayService, error) {
	escrowService := do.MustInvoke[*escrow.EscrowService](i)
	standingsService := do.MustInvoke[*standings.StandingsService](i)
	authService := do.MustInvoke[*auth.AuthService](i)
	metricsService := do.MustInvoke[*common.MetricsService](i)
	logService := do.MustInvoke[*common.LogService](i)

	faucet := do.MustInvokeNamed[bool](i, "faucet")

	result := &GatewayService{
		EscrowService:    escrowService,
		StandingsService: standingsService,
		AuthService:      authService,

		Log: logService.Logger("GATE"),

		Faucet: faucet,
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		apiGroup.GET("/metrics", metricsService.GetMetrics)

		escrowGroup := apiGroup.Group("/escrow")

		escrowGroup.GET("/info", result.GetInfo)
		escrowGroup.GET("/matches/:match", result.GetMatch)
		escrowGroup.GET("/receipts/:id", result.GetReceipt)
		escrowGroup.GET("/balances/:account", result.GetBalance)
		escrowGroup.GET("/standings/:identity", result.GetStanding)

		signed := authService.Middleware()

		escrowGroup.POST("/matches", result.PostMatch, signed)
		escrowGroup.POST("/matches/:match/join", result.PostJoin, signed)
		escrowGroup.POST("/matches/:match/bets", result.PostBet, signed)
		escrowGroup.POST("/matches/:match/winner", result.PostWinner, signed)
		escrowGroup.POST("/matches/:match/stake-withdrawals", result.PostStakeWithdrawal, signed)
		escrowGroup.POST("/matches/:match/claims", result.PostClaim, signed)

		if faucet {
			escrowGroup.POST("/faucet", result.PostFaucet, signed)
		}
	})

	if faucet {
		result.Log.Warnf("Faucet enabled, anyone with a signing key can mint units")
	}

	return result, nil
}

// ParseAmount reads a decimal string as a whole number of units.
func ParseAmount(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}

	if !d.IsInteger() || d.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}

	n := d.BigInt()
	if !n.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}

	return n.Uint64(), nil
}

// StatusCode maps an escrow error onto the HTTP status reported to callers.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, escrow.ErrMatchNotFound),
		errors.Is(err, escrow.ErrParticipantNotFound),
		errors.Is(err, escrow.ErrReceiptNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrNotArbiter),
		errors.Is(err, escrow.ErrNotAPlayer),
		errors.Is(err, escrow.ErrNotWinnerPlayer),
		errors.Is(err, escrow.ErrNotBettor):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, escrow.ErrAddressDerivation):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrPreconditionViolation):
		return http.StatusConflict
	}

	return http.StatusServiceUnavailable
}

func (s *GatewayService) fail(err error) error {
	code := StatusCode(err)
	if code == http.StatusServiceUnavailable {
		s.Log.Errorf("Ledger failure: %v", err)
	}

	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}

func caller(c echo.Context) (address.Identity, error) {
	identity, ok := auth.Caller(c)
	if !ok {
		return address.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated request")
	}

	return identity, nil
}

func matchParam(c echo.Context) (address.Address, error) {
	addr, err := address.ParseAddress(c.Param("match"))
	if err != nil {
		return address.Address{}, echo.NewHTTPError(http.StatusBadRequest, "invalid match address").SetInternal(err)
	}

	return addr, nil
}

func bind(c echo.Context, req any) error {
	err := c.Bind(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	//nolint:wrapcheck
	return c.Validate(req)
}

func (s *GatewayService) GetInfo(c echo.Context) error {
	//nolint:wrapcheck
	return c.JSON(http.StatusOK, s.EscrowService.Info())
}

func (s *GatewayService) GetMatch(c echo.Context) error {
	match, err := matchParam(c)
	if err != nil {
		return err
	}

	view, err := s.EscrowService.GetMatch(c.Request().Context(), match)
	if err != nil {
		return s.fail(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, view, "  ")
}

func (s *GatewayService) GetReceipt(c echo.Context) error {
	receipt, err := s.EscrowService.GetReceipt(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, receipt, "  ")
}

func (s *GatewayService) GetBalance(c echo.Context) error {
	account := c.Param("account")

	_, identityErr := address.ParseIdentity(account)
	_, addressErr := address.ParseAddress(account)

	if identityErr != nil && addressErr != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "account is neither an identity nor an address")
	}

	balance, err := s.EscrowService.Balance(c.Request().Context(), account)
	if err != nil {
		return s.fail(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, BalanceResponse{
		Account: account,
		Balance: strconv.FormatUint(balance, 10),
	})
}

func (s *GatewayService) GetStanding(c echo.Context) error {
	identity, err := address.ParseIdentity(c.Param("identity"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid identity").SetInternal(err)
	}

	standing, err := s.StandingsService.Get(c.Request().Context(), identity)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to read standing").SetInternal(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, standing)
}

func (s *GatewayService) PostMatch(c echo.Context) error {
	identity, err := caller(c)
	if err != nil {
		return err
	}

	var req CreateMatchRequest

	err = bind(c, &req)
	if err != nil {
		return err
	}

	stake, err := ParseAmount(req.StakeAmount)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	playerA, err := address.ParseIdentity(req.PlayerA)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid player_a identity")
	}

	playerB, err := address.ParseIdentity(req.PlayerB)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid player_b identity")
	}

	result, err := s.EscrowService.CreateMatch(c.Request().Context(), identity, escrow.CreateMatchParams{
		MatchID:     req.MatchID,
		StakeAmount: stake,
		Deadline:    req.Deadline,
		PlayerA:     playerA,
		PlayerB:     playerB,
	})
	if err != nil {
		return s.fail(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusCreated, result)
}

func (s *GatewayService) PostJoin(c echo.Context) error {
	return s.respond(c, func(identity address.Identity, match address.Address) (*ledger.Receipt, error) {
		//nolint:wrapcheck
		return s.EscrowService.JoinAsPlayer(c.Request().Context(), identity, match)
	})
}

func (s *GatewayService) PostBet(c echo.Context) error {
	identity, err := caller(c)
	if err != nil {
		return err
	}

	match, err := matchParam(c)
	if err != nil {
		return err
	}

	var req PlaceBetRequest

	err = bind(c, &req)
	if err != nil {
		return err
	}

	side, err := escrow.ParseSide(req.Side)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	amount, err := ParseAmount(req.Amount)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.EscrowService.PlaceBet(c.Request().Context(), identity, match, side, amount)
	if err != nil {
		return s.fail(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusCreated, result)
}

func (s *GatewayService) PostWinner(c echo.Context) error {
	var req DeclareWinnerRequest

	err := bind(c, &req)
	if err != nil {
		return err
	}

	winner, err := escrow.ParseSide(req.Winner)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return s.respond(c, func(identity address.Identity, match address.Address) (*ledger.Receipt, error) {
		//nolint:wrapcheck
		return s.EscrowService.DeclareWinner(c.Request().Context(), identity, match, winner)
	})
}

func (s *GatewayService) PostStakeWithdrawal(c echo.Context) error {
	return s.respond(c, func(identity address.Identity, match address.Address) (*ledger.Receipt, error) {
		//nolint:wrapcheck
		return s.EscrowService.WithdrawWinnerStake(c.Request().Context(), identity, match)
	})
}

func (s *GatewayService) PostClaim(c echo.Context) error {
	var req ClaimBetPayoutRequest

	err := bind(c, &req)
	if err != nil {
		return err
	}

	var participant address.Address

	if len(req.ParticipantAddress) > 0 {
		participant, err = address.ParseAddress(req.ParticipantAddress)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid participant address")
		}
	}

	return s.respond(c, func(identity address.Identity, match address.Address) (*ledger.Receipt, error) {
		//nolint:wrapcheck
		return s.EscrowService.ClaimBetPayout(c.Request().Context(), identity, match, participant)
	})
}

func (s *GatewayService) PostFaucet(c echo.Context) error {
	var req FaucetRequest

	err := bind(c, &req)
	if err != nil {
		return err
	}

	identity, err := address.ParseIdentity(req.Identity)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid identity")
	}

	amount, err := ParseAmount(req.Amount)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	receipt, err := s.EscrowService.Credit(c.Request().Context(), identity, amount)
	if err != nil {
		return s.fail(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, ReceiptResponse{Receipt: receipt})
}

func (s *GatewayService) respond(c echo.Context, fn func(identity address.Identity, match address.Address) (*ledger.Receipt, error)) error {
	identity, err := caller(c)
	if err != nil {
		return err
	}

	match, err := matchParam(c)
	if err != nil {
		return err
	}

	receipt, err := fn(identity, match)
	if err != nil {
		return s.fail(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, ReceiptResponse{Receipt: receipt})
}
