package address_test

import (
	"bytes"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/wager/internal/pkg/address"
)

func identity(seed byte) address.Identity {
	priv := secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))

	return address.IdentityFromPubKey(priv.PubKey())
}

func TestParseIdentityRoundTrip(t *testing.T) {
	t.Parallel()

	id := identity(1)

	parsed, err := address.ParseIdentity(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseIdentityRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, input := range []string{
		"",
		"0OIl",
		identity(1).String()[:10],
		address.Identity{}.String(),
	} {
		_, err := address.ParseIdentity(input)
		assert.ErrorIs(t, err, address.ErrMalformed, input)
	}
}

func TestParseAddressRejectsIdentity(t *testing.T) {
	t.Parallel()

	_, err := address.ParseAddress(identity(1).String())
	assert.ErrorIs(t, err, address.ErrMalformed)

	_, err = address.ParseAddress(address.Address{}.String())
	assert.ErrorIs(t, err, address.ErrMalformed)
}

func TestMatchAddressDeterministic(t *testing.T) {
	t.Parallel()

	program, err := address.ProgramAddress("wager")
	require.NoError(t, err)

	a1, err := address.MatchAddress(program, identity(1), 7)
	require.NoError(t, err)

	a2, err := address.MatchAddress(program, identity(1), 7)
	require.NoError(t, err)

	assert.Equal(t, a1, a2)

	parsed, err := address.ParseAddress(a1.String())
	require.NoError(t, err)
	assert.Equal(t, a1, parsed)
}

func TestDerivedAddressesDistinct(t *testing.T) {
	t.Parallel()

	program, err := address.ProgramAddress("wager")
	require.NoError(t, err)

	other, err := address.ProgramAddress("other")
	require.NoError(t, err)

	seen := map[address.Address]string{}

	add := func(name string, addr address.Address, err error) {
		require.NoError(t, err)

		prev, ok := seen[addr]
		assert.False(t, ok, "%s collides with %s", name, prev)

		seen[addr] = name
	}

	m1, err := address.MatchAddress(program, identity(1), 1)
	add("match arbiter=1 id=1", m1, err)

	m2, err := address.MatchAddress(program, identity(1), 2)
	add("match arbiter=1 id=2", m2, err)

	m3, err := address.MatchAddress(program, identity(2), 1)
	add("match arbiter=2 id=1", m3, err)

	m4, err := address.MatchAddress(other, identity(1), 1)
	add("match other program", m4, err)

	p1, err := address.ParticipantAddress(program, m1, identity(3))
	add("participant m1 bettor=3", p1, err)

	p2, err := address.ParticipantAddress(program, m2, identity(3))
	add("participant m2 bettor=3", p2, err)

	p3, err := address.ParticipantAddress(program, m1, identity(4))
	add("participant m1 bettor=4", p3, err)

	add("program", program, nil)
}

func TestDerivationFailsOnMalformedInput(t *testing.T) {
	t.Parallel()

	program, err := address.ProgramAddress("wager")
	require.NoError(t, err)

	_, err = address.MatchAddress(program, address.Identity{}, 1)
	require.ErrorIs(t, err, address.ErrMalformed)

	_, err = address.MatchAddress(address.Address{}, identity(1), 1)
	require.ErrorIs(t, err, address.ErrMalformed)

	_, err = address.ParticipantAddress(program, address.Address{}, identity(1))
	require.ErrorIs(t, err, address.ErrMalformed)

	m, err := address.MatchAddress(program, identity(1), 1)
	require.NoError(t, err)

	_, err = address.ParticipantAddress(program, m, address.Identity{0x05})
	require.ErrorIs(t, err, address.ErrMalformed)

	_, err = address.ProgramAddress("")
	require.ErrorIs(t, err, address.ErrMalformed)
}
