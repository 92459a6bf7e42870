package escrow

import (
	"math"
	"math/bits"
)

// StakePayout is what the winning principal withdraws: both locked stakes.
func StakePayout(stake uint64) (uint64, error) {
	if stake > math.MaxUint64/2 {
		return 0, ErrMathOverflow
	}

	return stake * 2, nil
}

func Pool(totalSideA uint64, totalSideB uint64) (uint64, error) {
	sum, carry := bits.Add64(totalSideA, totalSideB, 0)
	if carry != 0 {
		return 0, ErrMathOverflow
	}

	return sum, nil
}

func WinningTotal(totalSideA uint64, totalSideB uint64, winner Side) (uint64, error) {
	switch winner {
	case SidePlayerA:
		return totalSideA, nil
	case SidePlayerB:
		return totalSideB, nil
	}

	return 0, ErrInvalidSide
}

// BetPayout returns floor(amount * pool / winningTotal) for a bet on the
// winning side. The product is held in 128 bits.
func BetPayout(amount uint64, totalSideA uint64, totalSideB uint64, winner Side) (uint64, error) {
	winningTotal, err := WinningTotal(totalSideA, totalSideB, winner)
	if err != nil {
		return 0, err
	}

	if winningTotal == 0 {
		return 0, ErrNoBetsOnWinnerSide
	}

	pool, err := Pool(totalSideA, totalSideB)
	if err != nil {
		return 0, err
	}

	hi, lo := bits.Mul64(amount, pool)
	if hi >= winningTotal {
		return 0, ErrMathOverflow
	}

	quo, _ := bits.Div64(hi, lo, winningTotal)

	return quo, nil
}

// Residual is the part of the pool that floor division leaves undistributed
// once every winning record is paid. It stays in match custody.
func Residual(m *Match, participants []*Participant) (uint64, error) {
	if m.Winner == nil {
		return 0, ErrInvalidStatus
	}

	pool, err := m.Pool()
	if err != nil {
		return 0, err
	}

	var owed uint64

	for _, p := range participants {
		if p.Side != *m.Winner {
			continue
		}

		payout, err := BetPayout(p.Amount, m.TotalSideA, m.TotalSideB, *m.Winner)
		if err != nil {
			return 0, err
		}

		owed += payout
	}

	if owed > pool {
		return 0, ErrMathOverflow
	}

	return pool - owed, nil
}
