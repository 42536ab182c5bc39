package resources

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrFromIPv4PlacesHighBits(t *testing.T) {
	a := AddrFromIPv4(0xC0000200) // 192.0.2.0
	assert.Equal(t, uint64(0xC0000200)<<32, a.Hi)
	assert.Equal(t, uint64(0), a.Lo)
}

func TestAddrFromNetIPv4(t *testing.T) {
	a, fam, err := AddrFromNetIP(net.ParseIP("192.0.2.1"))
	require.NoError(t, err)
	assert.Equal(t, FamilyIPv4, fam)
	assert.Equal(t, AddrFromIPv4(0xC0000201), a)
}

func TestAddrFromNetIPv6(t *testing.T) {
	a, fam, err := AddrFromNetIP(net.ParseIP("2001:db8::1"))
	require.NoError(t, err)
	assert.Equal(t, FamilyIPv6, fam)
	assert.NotEqual(t, Addr{}, a)
}

func TestPrefixBlockIPv4(t *testing.T) {
	addr := AddrFromIPv4(0xC0000200) // 192.0.2.0
	block, err := PrefixBlock(FamilyIPv4, addr, 24)
	require.NoError(t, err)
	assert.Equal(t, addr, block.Min)
	assert.Equal(t, AddrFromIPv4(0xC00002FF), block.Max)
}

func TestPrefixBlockIPv4HostBitsSet(t *testing.T) {
	// 192.0.2.1/24 should mask down to the 192.0.2.0/24 network.
	addr := AddrFromIPv4(0xC0000201)
	block, err := PrefixBlock(FamilyIPv4, addr, 24)
	require.NoError(t, err)
	assert.Equal(t, AddrFromIPv4(0xC0000200), block.Min)
	assert.Equal(t, AddrFromIPv4(0xC00002FF), block.Max)
}

func TestPrefixBlockIPv4SlashThirtyTwo(t *testing.T) {
	addr := AddrFromIPv4(0xC0000201)
	block, err := PrefixBlock(FamilyIPv4, addr, 32)
	require.NoError(t, err)
	assert.Equal(t, addr, block.Min)
	assert.Equal(t, addr, block.Max)
}

func TestPrefixBlockRejectsOutOfRangeLength(t *testing.T) {
	_, err := PrefixBlock(FamilyIPv4, Addr{}, 33)
	assert.Error(t, err)
}

func TestPrefixBlockIPv6FullRange(t *testing.T) {
	block, err := PrefixBlock(FamilyIPv6, Addr{}, 0)
	require.NoError(t, err)
	assert.Equal(t, Addr{Hi: 0, Lo: 0}, block.Min)
	assert.Equal(t, Addr{Hi: ^uint64(0), Lo: ^uint64(0)}, block.Max)
}

func TestNewIPSetRejectsInvertedBlock(t *testing.T) {
	_, err := NewIPSet(FamilyIPv4, []IPBlock{{Min: AddrFromIPv4(10), Max: AddrFromIPv4(5)}})
	assert.Error(t, err)
}

func TestNewIPSetMergesAdjacentPrefixes(t *testing.T) {
	b1, _ := PrefixBlock(FamilyIPv4, AddrFromIPv4(0xC0000200), 25) // 192.0.2.0/25
	b2, _ := PrefixBlock(FamilyIPv4, AddrFromIPv4(0xC0000280), 25) // 192.0.2.128/25
	set, err := NewIPSet(FamilyIPv4, []IPBlock{b1, b2})
	require.NoError(t, err)
	require.Len(t, set.Blocks, 1)
	assert.Equal(t, AddrFromIPv4(0xC0000200), set.Blocks[0].Min)
	assert.Equal(t, AddrFromIPv4(0xC00002FF), set.Blocks[0].Max)
}

func TestEncompassesIPReflexive(t *testing.T) {
	b, _ := PrefixBlock(FamilyIPv4, AddrFromIPv4(0xC0000200), 24)
	set, err := NewIPSet(FamilyIPv4, []IPBlock{b})
	require.NoError(t, err)
	assert.True(t, EncompassesIP(set, set))
}

func TestEncompassesIPSubPrefix(t *testing.T) {
	parent, _ := PrefixBlock(FamilyIPv4, AddrFromIPv4(0xC0000000), 16) // 192.0.0.0/16
	child, _ := PrefixBlock(FamilyIPv4, AddrFromIPv4(0xC0000200), 24) // 192.0.2.0/24

	pSet, _ := NewIPSet(FamilyIPv4, []IPBlock{parent})
	cSet, _ := NewIPSet(FamilyIPv4, []IPBlock{child})
	assert.True(t, EncompassesIP(pSet, cSet))
	assert.False(t, EncompassesIP(cSet, pSet))
}

func TestEncompassesIPDifferentFamilies(t *testing.T) {
	v4Block, _ := PrefixBlock(FamilyIPv4, AddrFromIPv4(0xC0000200), 24)
	v4Set, _ := NewIPSet(FamilyIPv4, []IPBlock{v4Block})
	v6Set := IPSet{Family: FamilyIPv6}
	assert.False(t, EncompassesIP(v4Set, v6Set))
}

func TestEncompassesIPInheritNeverEncompasses(t *testing.T) {
	block, _ := PrefixBlock(FamilyIPv4, AddrFromIPv4(0xC0000200), 24)
	set, _ := NewIPSet(FamilyIPv4, []IPBlock{block})
	inherited := InheritIPSet(FamilyIPv4)
	assert.False(t, EncompassesIP(inherited, set))
	assert.False(t, EncompassesIP(set, inherited))
}

func TestEncompassesIPRejectsOverlapOutOfRange(t *testing.T) {
	parent, _ := PrefixBlock(FamilyIPv4, AddrFromIPv4(0xC0000200), 25) // 192.0.2.0/25
	child, _ := PrefixBlock(FamilyIPv4, AddrFromIPv4(0xC0000200), 24) // 192.0.2.0/24, bigger
	pSet, _ := NewIPSet(FamilyIPv4, []IPBlock{parent})
	cSet, _ := NewIPSet(FamilyIPv4, []IPBlock{child})
	assert.False(t, EncompassesIP(pSet, cSet))
}

func TestAddrCompareAndEqual(t *testing.T) {
	a := Addr{Hi: 1, Lo: 0}
	b := Addr{Hi: 1, Lo: 1}
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.True(t, a.Equal(Addr{Hi: 1, Lo: 0}))
}

func TestAddrFromIPv6RejectsWrongLength(t *testing.T) {
	_, err := AddrFromIPv6([]byte{1, 2, 3})
	assert.Error(t, err)
}
