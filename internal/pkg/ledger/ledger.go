package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/vreid/wager/internal/pkg/common"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrBalancesBucketNotFound = errors.New("balances bucket doesn't exist")
	ErrReceiptsBucketNotFound = errors.New("receipts bucket doesn't exist")
	ErrReceiptNotFound        = errors.New("receipt not found")

	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrInvalidAccount    = errors.New("account must not be empty")
	ErrSameAccount       = errors.New("cannot transfer to the same account")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBalanceOverflow   = errors.New("balance overflow")
)

// Transfer is one movement of units. From is empty for minted units.
// Balances are the values after the movement.
type Transfer struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`

	FromBalance uint64 `json:"from_balance"`
	ToBalance   uint64 `json:"to_balance"`
}

type Receipt struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Caller    string `json:"caller"`

	Match       string `json:"match,omitempty"`
	Participant string `json:"participant,omitempty"`

	Transfers []Transfer `json:"transfers"`

	CommittedAt time.Time `json:"committed_at"`
}

func NewReceipt(operation string, caller string, now time.Time) (*Receipt, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate receipt ID: %w", err)
	}

	return &Receipt{
		ID:          id.String(),
		Operation:   operation,
		Caller:      caller,
		Transfers:   []Transfer{},
		CommittedAt: now.UTC(),
	}, nil
}

// Book reads and moves balances inside a single bbolt transaction. Nothing it
// writes is visible until the transaction commits.
type Book struct {
	balances *bolt.Bucket
	receipts *bolt.Bucket
}

func Open(tx *bolt.Tx) (*Book, error) {
	balances := tx.Bucket([]byte(common.LedgerBalancesBucket))
	if balances == nil {
		return nil, ErrBalancesBucketNotFound
	}

	receipts := tx.Bucket([]byte(common.LedgerReceiptsBucket))
	if receipts == nil {
		return nil, ErrReceiptsBucketNotFound
	}

	return &Book{
		balances: balances,
		receipts: receipts,
	}, nil
}

func (b *Book) Balance(account string) uint64 {
	return common.BytesToUint64(b.balances.Get([]byte(account)), 0)
}

func (b *Book) CheckTransfer(from string, to string, amount uint64) error {
	if len(from) == 0 || len(to) == 0 {
		return ErrInvalidAccount
	}

	if amount == 0 {
		return ErrInvalidAmount
	}

	if from == to {
		return ErrSameAccount
	}

	fromBalance := b.Balance(from)
	if fromBalance < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, from, fromBalance, amount)
	}

	if b.Balance(to) > math.MaxUint64-amount {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, to)
	}

	return nil
}

func (b *Book) Transfer(from string, to string, amount uint64) (Transfer, error) {
	err := b.CheckTransfer(from, to, amount)
	if err != nil {
		return Transfer{}, err
	}

	fromBalance := b.Balance(from) - amount
	toBalance := b.Balance(to) + amount

	err = b.put(from, fromBalance)
	if err != nil {
		return Transfer{}, err
	}

	err = b.put(to, toBalance)
	if err != nil {
		return Transfer{}, err
	}

	return Transfer{
		From:        from,
		To:          to,
		Amount:      amount,
		FromBalance: fromBalance,
		ToBalance:   toBalance,
	}, nil
}

func (b *Book) Mint(to string, amount uint64) (Transfer, error) {
	if len(to) == 0 {
		return Transfer{}, ErrInvalidAccount
	}

	if amount == 0 {
		return Transfer{}, ErrInvalidAmount
	}

	balance := b.Balance(to)
	if balance > math.MaxUint64-amount {
		return Transfer{}, fmt.Errorf("%w: %s", ErrBalanceOverflow, to)
	}

	err := b.put(to, balance+amount)
	if err != nil {
		return Transfer{}, err
	}

	return Transfer{
		To:        to,
		Amount:    amount,
		ToBalance: balance + amount,
	}, nil
}

func (b *Book) PutReceipt(r *Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}

	err = b.receipts.Put([]byte(r.ID), data)
	if err != nil {
		return fmt.Errorf("failed to put receipt: %w", err)
	}

	return nil
}

func (b *Book) Receipt(id string) (*Receipt, error) {
	data := b.receipts.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, id)
	}

	var r Receipt

	err := json.Unmarshal(data, &r)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	return &r, nil
}

// ForEachReceipt walks receipts in commit order. UUIDv7 keys sort by time.
func (b *Book) ForEachReceipt(fn func(r *Receipt) error) error {
	return b.ForEachReceiptAfter("", fn)
}

// ForEachReceiptAfter walks receipts committed after the one with ID after.
func (b *Book) ForEachReceiptAfter(after string, fn func(r *Receipt) error) error {
	cursor := b.receipts.Cursor()

	k, data := cursor.First()
	if len(after) > 0 {
		k, data = cursor.Seek([]byte(after))
		if k != nil && string(k) == after {
			k, data = cursor.Next()
		}
	}

	for ; k != nil; k, data = cursor.Next() {
		var r Receipt

		err := json.Unmarshal(data, &r)
		if err != nil {
			return fmt.Errorf("failed to unmarshal receipt: %w", err)
		}

		err = fn(&r)
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *Book) put(account string, balance uint64) error {
	err := b.balances.Put([]byte(account), common.Uint64ToBytes(balance))
	if err != nil {
		return fmt.Errorf("failed to put balance of %s: %w", account, err)
	}

	return nil
}
