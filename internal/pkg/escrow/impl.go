package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/samber/do/v2"
	"github.com/vreid/wager/internal/pkg/address"
	"github.com/vreid/wager/internal/pkg/common"
	"github.com/vreid/wager/internal/pkg/ledger"
	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	OperationCreateMatch         = "create_match"
	OperationJoinAsPlayer        = "join_as_player"
	OperationPlaceBet            = "place_bet"
	OperationDeclareWinner       = "declare_winner"
	OperationWithdrawWinnerStake = "withdraw_winner_stake"
	OperationClaimBetPayout      = "claim_bet_payout"
	OperationCredit              = "credit"
)

var tracer = otel.Tracer("github.com/vreid/wager/internal/pkg/escrow")

type EscrowService struct {
	DatabaseService *common.DatabaseService
	MetricsService  *common.MetricsService

	Clock common.Clock
	Log   slog.Logger

	Program address.Address
	Arbiter string

	CommitSink chan<- struct{}
}

func NewEscrowService(i do.Injector) (*EscrowService, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	metricsService := do.MustInvoke[*common.MetricsService](i)
	logService := do.MustInvoke[*common.LogService](i)
	clock := do.MustInvoke[common.Clock](i)

	programName := do.MustInvokeNamed[string](i, "program-name")
	arbiter := do.MustInvokeNamed[string](i, "arbiter")

	commitSink, _ := do.InvokeNamed[chan<- struct{}](i, "commit-sink")

	program, err := address.ProgramAddress(programName)
	if err != nil {
		return nil, fmt.Errorf("failed to derive program address: %w", err)
	}

	if len(arbiter) > 0 {
		parsed, err := address.ParseIdentity(arbiter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse arbiter identity: %w", err)
		}

		arbiter = parsed.String()
	}

	result := &EscrowService{
		DatabaseService: databaseService,
		MetricsService:  metricsService,

		Clock: clock,
		Log:   logService.Logger("ESCW"),

		Program: program,
		Arbiter: arbiter,

		CommitSink: commitSink,
	}

	result.Log.Infof("Settlement program address %s", program)

	return result, nil
}

func (s *EscrowService) Info() Info {
	return Info{
		ProgramAddress: s.Program,
		Arbiter:        s.Arbiter,
	}
}

func (s *EscrowService) CreateMatch(ctx context.Context, caller address.Identity, params CreateMatchParams) (*CreateMatchResult, error) {
	var matchAddress address.Address

	receipt, err := s.commit(ctx, OperationCreateMatch, caller, func(c *txContext) error {
		// Without a configured arbiter any caller may open a match and arbitrate it.
		if len(s.Arbiter) > 0 && caller.String() != s.Arbiter {
			return ErrNotArbiter
		}

		if !params.PlayerA.Valid() || !params.PlayerB.Valid() {
			return fmt.Errorf("%w: invalid player identity", ErrAddressDerivation)
		}

		addr, err := address.MatchAddress(s.Program, caller, params.MatchID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAddressDerivation, err)
		}

		c.receipt.Match = addr.String()

		if c.matches.Get(addr[:]) != nil {
			return ErrMatchExists
		}

		if params.Deadline <= c.now.Unix() {
			return ErrInvalidDeadline
		}

		_, err = StakePayout(params.StakeAmount)
		if params.StakeAmount == 0 || err != nil {
			return ErrInvalidStake
		}

		if params.PlayerA == params.PlayerB {
			return ErrSamePlayers
		}

		matchAddress = addr

		return c.putMatch(&Match{
			Address: addr,
			MatchID: params.MatchID,

			Arbiter: caller,
			PlayerA: params.PlayerA,
			PlayerB: params.PlayerB,

			StakeAmount: params.StakeAmount,
			Deadline:    params.Deadline,

			Status: StatusCreated,

			CreatedAt: c.now.Unix(),
		})
	})
	if err != nil {
		return nil, err
	}

	return &CreateMatchResult{
		MatchAddress: matchAddress,
		Receipt:      receipt,
	}, nil
}

func (s *EscrowService) JoinAsPlayer(ctx context.Context, caller address.Identity, matchAddress address.Address) (*ledger.Receipt, error) {
	return s.commit(ctx, OperationJoinAsPlayer, caller, func(c *txContext) error {
		m, err := c.loadMatch(matchAddress)
		if err != nil {
			return err
		}

		side, ok := m.SideOf(caller)
		if !ok {
			return ErrNotAPlayer
		}

		if m.Deposited(side) {
			return ErrAlreadyDeposited
		}

		switch m.Status {
		case StatusCreated, StatusAwaitingPlayer:
		case StatusFunded, StatusResolved:
			return ErrInvalidStatus
		default:
			return fmt.Errorf("%w: unknown status %s", ErrInvalidStatus, m.Status)
		}

		err = c.transfer(caller.String(), m.Address.String(), m.StakeAmount)
		if err != nil {
			return err
		}

		switch side {
		case SidePlayerA:
			m.PlayerADeposited = true
		case SidePlayerB:
			m.PlayerBDeposited = true
		}

		if m.PlayerADeposited && m.PlayerBDeposited {
			m.Status = StatusFunded
		} else {
			m.Status = StatusAwaitingPlayer
		}

		return c.putMatch(m)
	})
}

//nolint:cyclop
func (s *EscrowService) PlaceBet(ctx context.Context, caller address.Identity, matchAddress address.Address, side Side, amount uint64) (*PlaceBetResult, error) {
	var participantAddress address.Address

	receipt, err := s.commit(ctx, OperationPlaceBet, caller, func(c *txContext) error {
		if !side.Valid() {
			return ErrInvalidSide
		}

		if amount == 0 {
			return ErrInvalidAmount
		}

		m, err := c.loadMatch(matchAddress)
		if err != nil {
			return err
		}

		switch m.Status {
		case StatusFunded:
		case StatusCreated, StatusAwaitingPlayer, StatusResolved:
			return ErrInvalidStatus
		default:
			return fmt.Errorf("%w: unknown status %s", ErrInvalidStatus, m.Status)
		}

		if c.now.Unix() >= m.Deadline {
			return ErrBetsClosed
		}

		addr, err := address.ParticipantAddress(s.Program, m.Address, caller)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAddressDerivation, err)
		}

		c.receipt.Participant = addr.String()

		if c.participants.Get(participantKey(m.Address, addr)) != nil {
			return ErrAlreadyBet
		}

		totalSideA, totalSideB := m.TotalSideA, m.TotalSideB

		switch side {
		case SidePlayerA:
			totalSideA += amount
			if totalSideA < m.TotalSideA {
				return ErrMathOverflow
			}
		case SidePlayerB:
			totalSideB += amount
			if totalSideB < m.TotalSideB {
				return ErrMathOverflow
			}
		}

		_, err = Pool(totalSideA, totalSideB)
		if err != nil {
			return err
		}

		err = c.transfer(caller.String(), m.Address.String(), amount)
		if err != nil {
			return err
		}

		err = c.putParticipant(&Participant{
			Address:  addr,
			MatchRef: m.Address,
			Bettor:   caller,

			Side:   side,
			Amount: amount,

			CreatedAt: c.now.Unix(),
		})
		if err != nil {
			return err
		}

		m.TotalSideA, m.TotalSideB = totalSideA, totalSideB
		participantAddress = addr

		return c.putMatch(m)
	})
	if err != nil {
		return nil, err
	}

	return &PlaceBetResult{
		ParticipantAddress: participantAddress,
		Receipt:            receipt,
	}, nil
}

func (s *EscrowService) DeclareWinner(ctx context.Context, caller address.Identity, matchAddress address.Address, winner Side) (*ledger.Receipt, error) {
	return s.commit(ctx, OperationDeclareWinner, caller, func(c *txContext) error {
		if !winner.Valid() {
			return ErrInvalidSide
		}

		m, err := c.loadMatch(matchAddress)
		if err != nil {
			return err
		}

		if caller != m.Arbiter {
			return ErrNotArbiter
		}

		switch m.Status {
		case StatusFunded:
		case StatusResolved:
			return ErrAlreadyResolved
		case StatusCreated, StatusAwaitingPlayer:
			return ErrInvalidStatus
		default:
			return fmt.Errorf("%w: unknown status %s", ErrInvalidStatus, m.Status)
		}

		if c.now.Unix() < m.Deadline {
			return ErrTooEarly
		}

		m.Winner = &winner
		m.Status = StatusResolved
		m.ResolvedAt = c.now.Unix()

		return c.putMatch(m)
	})
}

func (s *EscrowService) WithdrawWinnerStake(ctx context.Context, caller address.Identity, matchAddress address.Address) (*ledger.Receipt, error) {
	return s.commit(ctx, OperationWithdrawWinnerStake, caller, func(c *txContext) error {
		m, winner, err := c.loadResolvedMatch(matchAddress)
		if err != nil {
			return err
		}

		if caller != m.Principal(winner) {
			return ErrNotWinnerPlayer
		}

		if m.StakeWithdrawn {
			return ErrStakesAlreadyWithdrawn
		}

		amount, err := StakePayout(m.StakeAmount)
		if err != nil {
			return err
		}

		err = c.transfer(m.Address.String(), caller.String(), amount)
		if err != nil {
			return err
		}

		m.StakeWithdrawn = true

		return c.putMatch(m)
	})
}

// ClaimBetPayout pays a winning bettor. A zero participantAddress is derived
// from the caller.
func (s *EscrowService) ClaimBetPayout(ctx context.Context, caller address.Identity, matchAddress address.Address, participantAddress address.Address) (*ledger.Receipt, error) {
	return s.commit(ctx, OperationClaimBetPayout, caller, func(c *txContext) error {
		if participantAddress.IsZero() {
			addr, err := address.ParticipantAddress(s.Program, matchAddress, caller)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrAddressDerivation, err)
			}

			participantAddress = addr
		}

		c.receipt.Participant = participantAddress.String()

		m, winner, err := c.loadResolvedMatch(matchAddress)
		if err != nil {
			return err
		}

		p, err := c.loadParticipant(m.Address, participantAddress)
		if err != nil {
			return err
		}

		if p.Bettor != caller {
			return ErrNotBettor
		}

		if p.Side != winner {
			return ErrWrongSide
		}

		if p.Claimed {
			return ErrAlreadyClaimed
		}

		payout, err := BetPayout(p.Amount, m.TotalSideA, m.TotalSideB, winner)
		if err != nil {
			return err
		}

		err = c.transfer(m.Address.String(), caller.String(), payout)
		if err != nil {
			return err
		}

		p.Claimed = true
		p.Payout = payout
		m.PaidOut += payout

		err = c.putParticipant(p)
		if err != nil {
			return err
		}

		return c.putMatch(m)
	})
}

// Credit mints units into an identity's balance. It backs the faucet and the
// offline credit command.
func (s *EscrowService) Credit(ctx context.Context, to address.Identity, amount uint64) (*ledger.Receipt, error) {
	return s.commitAs(ctx, OperationCredit, s.Program.String(), func(c *txContext) error {
		if !to.Valid() {
			return fmt.Errorf("%w: invalid identity", ErrAddressDerivation)
		}

		if amount == 0 {
			return ErrInvalidAmount
		}

		transfer, err := c.book.Mint(to.String(), amount)
		if errors.Is(err, ledger.ErrBalanceOverflow) {
			return ErrMathOverflow
		} else if err != nil {
			return err
		}

		c.receipt.Transfers = append(c.receipt.Transfers, transfer)

		return nil
	})
}

func (s *EscrowService) GetMatch(ctx context.Context, matchAddress address.Address) (*MatchView, error) {
	var view *MatchView

	err := s.view(ctx, func(c *txContext) error {
		m, err := c.loadMatch(matchAddress)
		if err != nil {
			return err
		}

		participants, err := c.listParticipants(m.Address)
		if err != nil {
			return err
		}

		pool, err := m.Pool()
		if err != nil {
			return err
		}

		view = &MatchView{
			Match:          m,
			Participants:   participants,
			CustodyBalance: c.book.Balance(m.Address.String()),
			Pool:           pool,
		}

		if m.Status == StatusResolved {
			residual, err := Residual(m, participants)
			if err != nil {
				return err
			}

			view.Residual = &residual
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return view, nil
}

func (s *EscrowService) GetReceipt(ctx context.Context, id string) (*ledger.Receipt, error) {
	var receipt *ledger.Receipt

	err := s.view(ctx, func(c *txContext) error {
		r, err := c.book.Receipt(id)
		if errors.Is(err, ledger.ErrReceiptNotFound) {
			return fmt.Errorf("%w: %s", ErrReceiptNotFound, id)
		} else if err != nil {
			return err
		}

		receipt = r

		return nil
	})
	if err != nil {
		return nil, err
	}

	return receipt, nil
}

func (s *EscrowService) Balance(ctx context.Context, account string) (uint64, error) {
	var balance uint64

	err := s.view(ctx, func(c *txContext) error {
		balance = c.book.Balance(account)

		return nil
	})

	return balance, err
}

// ReplayCustody recomputes a match's custody balance from the receipt log
// alone. It equals the stored balance unless the ledger was tampered with.
func (s *EscrowService) ReplayCustody(ctx context.Context, matchAddress address.Address) (uint64, error) {
	var custody uint64

	account := matchAddress.String()

	err := s.view(ctx, func(c *txContext) error {
		return c.book.ForEachReceipt(func(r *ledger.Receipt) error {
			for _, t := range r.Transfers {
				if t.To == account {
					custody += t.Amount
				}

				if t.From == account {
					if t.Amount > custody {
						return fmt.Errorf("%w: receipt %s overdraws %s", ErrLedgerFailure, r.ID, account)
					}

					custody -= t.Amount
				}
			}

			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return custody, nil
}

type txContext struct {
	book         *ledger.Book
	matches      *bolt.Bucket
	participants *bolt.Bucket

	receipt *ledger.Receipt
	now     time.Time
}

func openTx(tx *bolt.Tx, now time.Time, receipt *ledger.Receipt) (*txContext, error) {
	book, err := ledger.Open(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	matches := tx.Bucket([]byte(common.EscrowMatchesBucket))
	if matches == nil {
		return nil, ErrMatchesBucketNotFound
	}

	participants := tx.Bucket([]byte(common.EscrowParticipantsBucket))
	if participants == nil {
		return nil, ErrParticipantsBucketNotFound
	}

	return &txContext{
		book:         book,
		matches:      matches,
		participants: participants,

		receipt: receipt,
		now:     now,
	}, nil
}

func (s *EscrowService) commit(ctx context.Context, operation string, caller address.Identity, fn func(c *txContext) error) (*ledger.Receipt, error) {
	if !caller.Valid() {
		return nil, fmt.Errorf("%w: invalid caller identity", ErrAddressDerivation)
	}

	return s.commitAs(ctx, operation, caller.String(), fn)
}

// commitAs runs fn inside one read-write transaction. The receipt is written
// in that same transaction.
func (s *EscrowService) commitAs(ctx context.Context, operation string, caller string, fn func(c *txContext) error) (*ledger.Receipt, error) {
	ctx, span := tracer.Start(ctx, "escrow."+operation, trace.WithAttributes(
		attribute.String("wager.caller", caller),
	))
	defer span.End()

	start := time.Now()

	receipt, err := s.tryCommit(ctx, operation, caller, fn)

	s.MetricsService.Timer("escrow." + operation + ".duration").UpdateSince(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if IsRejection(err) {
			s.MetricsService.Counter("escrow." + operation + ".rejected").Inc(1)
			s.Log.Debugf("Rejected %s by %s: %v", operation, caller, err)
		} else {
			s.MetricsService.Counter("escrow." + operation + ".failed").Inc(1)
			s.Log.Errorf("Failed %s by %s: %v", operation, caller, err)
		}

		return nil, err
	}

	span.SetAttributes(attribute.String("wager.receipt", receipt.ID))

	s.MetricsService.Counter("escrow." + operation + ".committed").Inc(1)
	s.Log.Infof("Committed %s by %s (receipt %s, match %s)", operation, caller, receipt.ID, receipt.Match)

	if s.CommitSink != nil {
		select {
		case s.CommitSink <- struct{}{}:
		default:
		}
	}

	return receipt, nil
}

func (s *EscrowService) tryCommit(ctx context.Context, operation string, caller string, fn func(c *txContext) error) (*ledger.Receipt, error) {
	err := ctx.Err()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerFailure, err)
	}

	var receipt *ledger.Receipt

	// Receipt IDs are issued under the writer lock so their order is the
	// commit order.
	err = s.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
		now := s.Clock.Now()

		r, err := ledger.NewReceipt(operation, caller, now)
		if err != nil {
			return err
		}

		c, err := openTx(tx, now, r)
		if err != nil {
			return err
		}

		receipt = r

		err = fn(c)
		if err != nil {
			return err
		}

		return c.book.PutReceipt(receipt)
	})
	if err != nil {
		if IsRejection(err) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", ErrLedgerFailure, err)
	}

	return receipt, nil
}

func (s *EscrowService) view(ctx context.Context, fn func(c *txContext) error) error {
	err := ctx.Err()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerFailure, err)
	}

	err = s.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		c, err := openTx(tx, s.Clock.Now(), nil)
		if err != nil {
			return err
		}

		return fn(c)
	})
	if err != nil && !IsRejection(err) {
		return fmt.Errorf("%w: %w", ErrLedgerFailure, err)
	}

	//nolint:wrapcheck
	return err
}

func (c *txContext) transfer(from string, to string, amount uint64) error {
	t, err := c.book.Transfer(from, to, amount)

	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return fmt.Errorf("%w: %w", ErrMathOverflow, err)
	case err != nil:
		//nolint:wrapcheck
		return err
	}

	c.receipt.Transfers = append(c.receipt.Transfers, t)

	return nil
}

func (c *txContext) loadMatch(addr address.Address) (*Match, error) {
	data := c.matches.Get(addr[:])
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrMatchNotFound, addr)
	}

	var m Match

	err := json.Unmarshal(data, &m)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal match %s: %w", addr, err)
	}

	if c.receipt != nil {
		c.receipt.Match = addr.String()
	}

	return &m, nil
}

// ReadMatch loads a match record inside a transaction owned by the caller.
func ReadMatch(tx *bolt.Tx, addr address.Address) (*Match, error) {
	c, err := openTx(tx, time.Time{}, nil)
	if err != nil {
		return nil, err
	}

	return c.loadMatch(addr)
}

func (c *txContext) loadResolvedMatch(addr address.Address) (*Match, Side, error) {
	m, err := c.loadMatch(addr)
	if err != nil {
		return nil, 0, err
	}

	switch m.Status {
	case StatusResolved:
	case StatusCreated, StatusAwaitingPlayer, StatusFunded:
		return nil, 0, ErrInvalidStatus
	default:
		return nil, 0, fmt.Errorf("%w: unknown status %s", ErrInvalidStatus, m.Status)
	}

	if m.Winner == nil {
		return nil, 0, fmt.Errorf("%w: resolved match %s has no winner", ErrLedgerFailure, addr)
	}

	return m, *m.Winner, nil
}

func (c *txContext) putMatch(m *Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal match: %w", err)
	}

	err = c.matches.Put(m.Address[:], data)
	if err != nil {
		return fmt.Errorf("failed to put match: %w", err)
	}

	return nil
}

func participantKey(match address.Address, participant address.Address) []byte {
	key := make([]byte, 0, address.AddressSize*2)
	key = append(key, match[:]...)

	return append(key, participant[:]...)
}

func (c *txContext) loadParticipant(match address.Address, addr address.Address) (*Participant, error) {
	data := c.participants.Get(participantKey(match, addr))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrParticipantNotFound, addr)
	}

	var p Participant

	err := json.Unmarshal(data, &p)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal participant %s: %w", addr, err)
	}

	return &p, nil
}

func (c *txContext) putParticipant(p *Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	err = c.participants.Put(participantKey(p.MatchRef, p.Address), data)
	if err != nil {
		return fmt.Errorf("failed to put participant: %w", err)
	}

	return nil
}

func (c *txContext) listParticipants(match address.Address) ([]*Participant, error) {
	result := []*Participant{}

	cursor := c.participants.Cursor()

	for k, data := cursor.Seek(match[:]); k != nil && bytes.HasPrefix(k, match[:]); k, data = cursor.Next() {
		var p Participant

		err := json.Unmarshal(data, &p)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal participant: %w", err)
		}

		result = append(result, &p)
	}

	return result, nil
}
