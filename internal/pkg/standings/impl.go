package standings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/decred/slog"
	"github.com/samber/do/v2"
	"github.com/vreid/wager/internal/pkg/address"
	"github.com/vreid/wager/internal/pkg/common"
	"github.com/vreid/wager/internal/pkg/escrow"
	"github.com/vreid/wager/internal/pkg/ledger"
	bolt "go.etcd.io/bbolt"
)

const DefaultRating = 1500.0

var cursorKey = []byte("last-receipt")

var (
	ErrStandingsBucketNotFound = errors.New("standings bucket doesn't exist")
	ErrCursorBucketNotFound    = errors.New("standings cursor bucket doesn't exist")
)

// Standing is the derived record of one identity across all matches. It is
// rebuilt from the receipt log and never feeds back into settlement.
type Standing struct {
	Identity string `json:"identity"`

	Rating        float64 `json:"rating"`
	MatchesPlayed int64   `json:"matches_played"`
	MatchesWon    int64   `json:"matches_won"`

	BetsPlaced int64  `json:"bets_placed"`
	Wagered    uint64 `json:"wagered"`
	Received   uint64 `json:"received"`
}

func NewStanding(identity string) *Standing {
	return &Standing{
		Identity: identity,
		Rating:   DefaultRating,
	}
}

type StandingsService struct {
	DatabaseService *common.DatabaseService

	Log slog.Logger

	CommitSource <-chan struct{}

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

func NewStandingsService(i do.Injector) (*StandingsService, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	logService := do.MustInvoke[*common.LogService](i)
	commitSource := do.MustInvokeNamed[<-chan struct{}](i, "commit-source")

	result := &StandingsService{
		DatabaseService: databaseService,

		Log: logService.Logger("STND"),

		CommitSource: commitSource,

		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	return result, nil
}

func (s *StandingsService) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	go s.processCommits()
}

// Shutdown stops the commit loop and waits for an in-flight catch-up to finish.
func (s *StandingsService) Shutdown() error {
	s.stopOnce.Do(func() {
		close(s.done)
	})

	if s.started.Load() {
		<-s.stopped
	}

	return nil
}

func GetKFactor(matchesPlayed int64) float64 {
	if matchesPlayed <= 20 {
		return 128.0
	}

	if matchesPlayed <= 50 {
		return 64.0
	}

	return 32.0
}

func CalculateExpectedScore(ratingA, ratingB float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (ratingB-ratingA)/400.0))
}

// UpdateRatings applies one decided match between two principals.
func UpdateRatings(winner *Standing, loser *Standing) {
	expectedWinner := CalculateExpectedScore(winner.Rating, loser.Rating)

	k := (GetKFactor(winner.MatchesPlayed) + GetKFactor(loser.MatchesPlayed)) / 2.0

	winner.Rating += k * (1.0 - expectedWinner)
	loser.Rating -= k * (1.0 - expectedWinner)

	winner.MatchesPlayed++
	winner.MatchesWon++
	loser.MatchesPlayed++
}

// CatchUp folds every receipt committed since the last run into the
// standings and returns how many it applied.
func (s *StandingsService) CatchUp() (int, error) {
	applied := 0

	err := s.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
		standings := tx.Bucket([]byte(common.StandingsBucket))
		if standings == nil {
			return ErrStandingsBucketNotFound
		}

		cursor := tx.Bucket([]byte(common.StandingsCursorBucket))
		if cursor == nil {
			return ErrCursorBucketNotFound
		}

		book, err := ledger.Open(tx)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}

		last := string(cursor.Get(cursorKey))

		err = book.ForEachReceiptAfter(last, func(r *ledger.Receipt) error {
			err := s.HandleReceipt(tx, standings, r)
			if err != nil {
				return fmt.Errorf("failed to apply receipt %s: %w", r.ID, err)
			}

			last = r.ID
			applied++

			return nil
		})
		if err != nil {
			return err
		}

		if applied == 0 {
			return nil
		}

		err = cursor.Put(cursorKey, []byte(last))
		if err != nil {
			return fmt.Errorf("failed to put standings cursor: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to catch up standings: %w", err)
	}

	return applied, nil
}

//nolint:cyclop
func (s *StandingsService) HandleReceipt(tx *bolt.Tx, bucket *bolt.Bucket, r *ledger.Receipt) error {
	switch r.Operation {
	case escrow.OperationDeclareWinner:
		matchAddress, err := address.ParseAddress(r.Match)
		if err != nil {
			return fmt.Errorf("failed to parse match address: %w", err)
		}

		m, err := escrow.ReadMatch(tx, matchAddress)
		if err != nil {
			return fmt.Errorf("failed to read match: %w", err)
		}

		if m.Winner == nil {
			return nil
		}

		loserSide := escrow.SidePlayerA
		if *m.Winner == escrow.SidePlayerA {
			loserSide = escrow.SidePlayerB
		}

		winner, err := get(bucket, m.Principal(*m.Winner).String())
		if err != nil {
			return err
		}

		loser, err := get(bucket, m.Principal(loserSide).String())
		if err != nil {
			return err
		}

		UpdateRatings(winner, loser)

		err = put(bucket, winner)
		if err != nil {
			return err
		}

		return put(bucket, loser)
	case escrow.OperationPlaceBet:
		standing, err := get(bucket, r.Caller)
		if err != nil {
			return err
		}

		standing.BetsPlaced++
		for _, t := range r.Transfers {
			standing.Wagered += t.Amount
		}

		return put(bucket, standing)
	case escrow.OperationWithdrawWinnerStake, escrow.OperationClaimBetPayout:
		standing, err := get(bucket, r.Caller)
		if err != nil {
			return err
		}

		for _, t := range r.Transfers {
			if t.To == r.Caller {
				standing.Received += t.Amount
			}
		}

		return put(bucket, standing)
	}

	return nil
}

func (s *StandingsService) Get(ctx context.Context, identity address.Identity) (*Standing, error) {
	err := ctx.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to read standing: %w", err)
	}

	var result *Standing

	err = s.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(common.StandingsBucket))
		if bucket == nil {
			return ErrStandingsBucketNotFound
		}

		standing, err := get(bucket, identity.String())
		if err != nil {
			return err
		}

		result = standing

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read standing: %w", err)
	}

	return result, nil
}

func get(bucket *bolt.Bucket, identity string) (*Standing, error) {
	data := bucket.Get([]byte(identity))
	if data == nil {
		return NewStanding(identity), nil
	}

	var standing Standing

	err := json.Unmarshal(data, &standing)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal standing of %s: %w", identity, err)
	}

	return &standing, nil
}

func put(bucket *bolt.Bucket, standing *Standing) error {
	data, err := json.Marshal(standing)
	if err != nil {
		return fmt.Errorf("failed to marshal standing: %w", err)
	}

	err = bucket.Put([]byte(standing.Identity), data)
	if err != nil {
		return fmt.Errorf("failed to put standing of %s: %w", standing.Identity, err)
	}

	return nil
}

func (s *StandingsService) processCommits() {
	defer close(s.stopped)

	s.catchUp()

	for {
		select {
		case <-s.done:
			return
		case _, ok := <-s.CommitSource:
			if !ok {
				return
			}

			s.catchUp()
		}
	}
}

func (s *StandingsService) catchUp() {
	applied, err := s.CatchUp()
	if err != nil {
		s.Log.Errorf("Standings are behind: %v", err)

		return
	}

	if applied > 0 {
		s.Log.Debugf("Applied %d receipts to standings", applied)
	}
}
