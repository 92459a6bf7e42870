package address

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/decred/base58"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	IdentitySize = 33
	AddressSize  = 32

	MatchSeed       = "match"
	ParticipantSeed = "participant"

	programSeed = "wager program"
	derivedTag  = "DerivedAddress"

	maxSeedLength = 255
)

var ErrMalformed = errors.New("malformed address input")

// Identity is a compressed secp256k1 public key. It names callers: arbiters,
// principals and bettors.
type Identity [IdentitySize]byte

// Address is a 32-byte derived location. Match custody and records live at
// addresses; no private key exists for them.
type Address [AddressSize]byte

func IdentityFromPubKey(pub *secp256k1.PublicKey) Identity {
	var id Identity
	copy(id[:], pub.SerializeCompressed())

	return id
}

func ParseIdentity(s string) (Identity, error) {
	var id Identity

	raw := base58.Decode(s)
	if len(raw) != IdentitySize {
		return id, fmt.Errorf("%w: identity %q is not a %d-byte base58 key", ErrMalformed, s, IdentitySize)
	}

	_, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return id, fmt.Errorf("%w: identity %q: %w", ErrMalformed, s, err)
	}

	copy(id[:], raw)

	return id, nil
}

func (id Identity) PubKey() (*secp256k1.PublicKey, error) {
	pub, err := secp256k1.ParsePubKey(id[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return pub, nil
}

func (id Identity) Valid() bool {
	_, err := secp256k1.ParsePubKey(id[:])

	return err == nil
}

func (id Identity) String() string {
	return base58.Encode(id[:])
}

func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

func ParseAddress(s string) (Address, error) {
	var addr Address

	raw := base58.Decode(s)
	if len(raw) != AddressSize {
		return addr, fmt.Errorf("%w: address %q is not a %d-byte base58 value", ErrMalformed, s, AddressSize)
	}

	copy(addr[:], raw)

	if addr.IsZero() {
		return addr, fmt.Errorf("%w: zero address", ErrMalformed)
	}

	return addr, nil
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}

// ProgramAddress names the settlement program itself. Minted credits record it
// as their receipt caller; it never holds or pays out a balance.
func ProgramAddress(name string) (Address, error) {
	if len(name) == 0 || len(name) > maxSeedLength {
		return Address{}, fmt.Errorf("%w: program name must be 1-%d bytes", ErrMalformed, maxSeedLength)
	}

	return Address(blake256.Sum256(append([]byte(programSeed), name...))), nil
}

func MatchAddress(program Address, arbiter Identity, matchID uint64) (Address, error) {
	if !arbiter.Valid() {
		return Address{}, fmt.Errorf("%w: invalid arbiter identity", ErrMalformed)
	}

	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], matchID)

	return derive(program, []byte(MatchSeed), arbiter[:], id[:])
}

func ParticipantAddress(program Address, match Address, bettor Identity) (Address, error) {
	if match.IsZero() {
		return Address{}, fmt.Errorf("%w: zero match address", ErrMalformed)
	}

	if !bettor.Valid() {
		return Address{}, fmt.Errorf("%w: invalid bettor identity", ErrMalformed)
	}

	return derive(program, []byte(ParticipantSeed), match[:], bettor[:])
}

// derive length-prefixes every seed so that no two seed lists share an
// encoding.
func derive(program Address, seeds ...[]byte) (Address, error) {
	if program.IsZero() {
		return Address{}, fmt.Errorf("%w: zero program address", ErrMalformed)
	}

	h := blake256.New()

	for _, seed := range seeds {
		if len(seed) > maxSeedLength {
			return Address{}, fmt.Errorf("%w: seed longer than %d bytes", ErrMalformed, maxSeedLength)
		}

		h.Write([]byte{byte(len(seed))})
		h.Write(seed)
	}

	h.Write(program[:])
	h.Write([]byte(derivedTag))

	var addr Address
	copy(addr[:], h.Sum(nil))

	return addr, nil
}
