package gateway

import "github.com/vreid/wager/internal/pkg/ledger"

type CreateMatchRequest struct {
	MatchID     uint64 `json:"match_id"`
	StakeAmount string `json:"stake_amount" validate:"required"`
	Deadline    int64  `json:"deadline"     validate:"required,gt=0"`

	PlayerA string `json:"player_a" validate:"required"`
	PlayerB string `json:"player_b" validate:"required"`
}

type PlaceBetRequest struct {
	Side   string `json:"side"   validate:"required,oneof=PlayerA PlayerB"`
	Amount string `json:"amount" validate:"required"`
}

type DeclareWinnerRequest struct {
	Winner string `json:"winner" validate:"required,oneof=PlayerA PlayerB"`
}

type ClaimBetPayoutRequest struct {
	ParticipantAddress string `json:"participant_address,omitempty"`
}

type FaucetRequest struct {
	Identity string `json:"identity" validate:"required"`
	Amount   string `json:"amount"   validate:"required"`
}

type ReceiptResponse struct {
	Receipt *ledger.Receipt `json:"receipt"`
}

type BalanceResponse struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}
