package escrow

import (
	"fmt"

	"github.com/vreid/wager/internal/pkg/address"
	"github.com/vreid/wager/internal/pkg/ledger"
)

type Side uint8

const (
	SidePlayerA Side = iota + 1
	SidePlayerB
)

func ParseSide(s string) (Side, error) {
	switch s {
	case "PlayerA":
		return SidePlayerA, nil
	case "PlayerB":
		return SidePlayerB, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

func (s Side) String() string {
	switch s {
	case SidePlayerA:
		return "PlayerA"
	case SidePlayerB:
		return "PlayerB"
	}

	return fmt.Sprintf("Side(%d)", uint8(s))
}

func (s Side) Valid() bool {
	switch s {
	case SidePlayerA, SidePlayerB:
		return true
	}

	return false
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, uint8(s))
	}

	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

type Status uint8

const (
	StatusCreated Status = iota + 1
	StatusAwaitingPlayer
	StatusFunded
	StatusResolved
)

func ParseStatus(s string) (Status, error) {
	switch s {
	case "Created":
		return StatusCreated, nil
	case "AwaitingPlayer":
		return StatusAwaitingPlayer, nil
	case "Funded":
		return StatusFunded, nil
	case "Resolved":
		return StatusResolved, nil
	}

	return 0, fmt.Errorf("unknown match status %q", s)
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "Created"
	case StatusAwaitingPlayer:
		return "AwaitingPlayer"
	case StatusFunded:
		return "Funded"
	case StatusResolved:
		return "Resolved"
	}

	return fmt.Sprintf("Status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case StatusCreated, StatusAwaitingPlayer, StatusFunded, StatusResolved:
		return []byte(s.String()), nil
	}

	return nil, fmt.Errorf("unknown match status %d", uint8(s))
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

type Match struct {
	Address address.Address `json:"address"`
	MatchID uint64          `json:"match_id"`

	Arbiter address.Identity `json:"arbiter"`
	PlayerA address.Identity `json:"player_a"`
	PlayerB address.Identity `json:"player_b"`

	StakeAmount uint64 `json:"stake_amount"`
	Deadline    int64  `json:"deadline"`

	Status Status `json:"status"`
	Winner *Side  `json:"winner,omitempty"`

	PlayerADeposited bool `json:"player_a_deposited"`
	PlayerBDeposited bool `json:"player_b_deposited"`

	TotalSideA uint64 `json:"total_side_a"`
	TotalSideB uint64 `json:"total_side_b"`

	StakeWithdrawn bool   `json:"stake_withdrawn"`
	PaidOut        uint64 `json:"paid_out"`

	CreatedAt  int64 `json:"created_at"`
	ResolvedAt int64 `json:"resolved_at,omitempty"`
}

// Principal returns the identity playing side.
func (m *Match) Principal(side Side) address.Identity {
	switch side {
	case SidePlayerA:
		return m.PlayerA
	case SidePlayerB:
		return m.PlayerB
	}

	return address.Identity{}
}

// SideOf returns the side identity plays, if it is a principal.
func (m *Match) SideOf(id address.Identity) (Side, bool) {
	switch id {
	case m.PlayerA:
		return SidePlayerA, true
	case m.PlayerB:
		return SidePlayerB, true
	}

	return 0, false
}

func (m *Match) Deposited(side Side) bool {
	switch side {
	case SidePlayerA:
		return m.PlayerADeposited
	case SidePlayerB:
		return m.PlayerBDeposited
	}

	return false
}

func (m *Match) Pool() (uint64, error) {
	return Pool(m.TotalSideA, m.TotalSideB)
}

type Participant struct {
	Address  address.Address  `json:"address"`
	MatchRef address.Address  `json:"match_ref"`
	Bettor   address.Identity `json:"bettor"`

	Side   Side   `json:"side"`
	Amount uint64 `json:"amount"`

	Claimed bool   `json:"claimed"`
	Payout  uint64 `json:"payout"`

	CreatedAt int64 `json:"created_at"`
}

type CreateMatchParams struct {
	MatchID     uint64
	StakeAmount uint64
	Deadline    int64
	PlayerA     address.Identity
	PlayerB     address.Identity
}

type CreateMatchResult struct {
	MatchAddress address.Address `json:"match_address"`
	Receipt      *ledger.Receipt `json:"receipt"`
}

type PlaceBetResult struct {
	ParticipantAddress address.Address `json:"participant_address"`
	Receipt            *ledger.Receipt `json:"receipt"`
}

// MatchView is the read-only presentation of a match for lobby and status
// screens.
type MatchView struct {
	Match        *Match         `json:"match"`
	Participants []*Participant `json:"participants"`

	CustodyBalance uint64 `json:"custody_balance"`
	Pool           uint64 `json:"pool"`

	// Residual is the floor-division remainder of the bet pool, known once
	// the match is resolved.
	Residual *uint64 `json:"residual,omitempty"`
}

type Info struct {
	ProgramAddress address.Address `json:"program_address"`
	Arbiter        string          `json:"arbiter,omitempty"`
}
