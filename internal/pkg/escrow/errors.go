package escrow

import (
	"errors"
	"fmt"
)

// Every rejection wraps exactly one of these roots.
var (
	ErrPreconditionViolation = errors.New("precondition violation")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrAddressDerivation     = errors.New("address derivation failure")
	ErrLedgerFailure         = errors.New("ledger failure")
)

var (
	ErrMatchesBucketNotFound      = errors.New("matches bucket doesn't exist")
	ErrParticipantsBucketNotFound = errors.New("participants bucket doesn't exist")
)

var (
	ErrMatchExists         = precondition("match account already initialized")
	ErrMatchNotFound       = precondition("match not found")
	ErrParticipantNotFound = precondition("participant not found")
	ErrReceiptNotFound     = precondition("receipt not found")

	ErrInvalidDeadline = precondition("deadline must be in the future")
	ErrInvalidStake    = precondition("stake must be greater than zero and fit twice in a balance")
	ErrSamePlayers     = precondition("player A and player B must differ")
	ErrInvalidSide     = precondition("side must be PlayerA or PlayerB")
	ErrInvalidStatus   = precondition("match is not in a valid status for this operation")

	ErrNotAPlayer       = precondition("signer is not a valid player for this match")
	ErrAlreadyDeposited = precondition("this player has already deposited the stake")

	ErrInvalidAmount = precondition("bet amount must be greater than zero")
	ErrBetsClosed    = precondition("bets are closed for this match")
	ErrAlreadyBet    = precondition("bettor already holds a bet on this match")
	ErrMathOverflow  = precondition("math overflow")

	ErrNotArbiter      = precondition("only the arbiter can perform this action")
	ErrTooEarly        = precondition("too early to declare a winner")
	ErrAlreadyResolved = precondition("match already resolved")

	ErrNotWinnerPlayer        = precondition("signer is not the winning player")
	ErrStakesAlreadyWithdrawn = precondition("stakes have already been withdrawn")

	ErrNotBettor          = precondition("signer is not the owner of the participant record")
	ErrWrongSide          = precondition("participant is on the losing side")
	ErrAlreadyClaimed     = precondition("participant has already claimed payout")
	ErrNoBetsOnWinnerSide = precondition("there are no bets on the winner side")
)

func precondition(reason string) error {
	return fmt.Errorf("%w: %s", ErrPreconditionViolation, reason)
}

// IsRejection reports whether err is a deliberate rejection rather than a
// failure of the ledger itself.
func IsRejection(err error) bool {
	return errors.Is(err, ErrPreconditionViolation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAddressDerivation)
}
