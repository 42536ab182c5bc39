package resources

import (
	"fmt"
	"math/bits"
	"net"
)

// Family distinguishes IPv4 from IPv6 resource sets; each resource
// certificate carries one set per family.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// Addr is a 128-bit address: IPv4 addresses occupy the high 32 bits, so
// that a v4 prefix and its equivalent range compare the same way a v6
// one would.
type Addr struct {
	Hi uint64
	Lo uint64
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater
// than b.
func (a Addr) Compare(b Addr) int {
	if a.Hi != b.Hi {
		if a.Hi < b.Hi {
			return -1
		}
		return 1
	}
	if a.Lo != b.Lo {
		if a.Lo < b.Lo {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether a sorts before b.
func (a Addr) Less(b Addr) bool { return a.Compare(b) < 0 }

// Equal reports whether a and b are the same address.
func (a Addr) Equal(b Addr) bool { return a.Compare(b) == 0 }

// addUint64 returns a+n, saturating at the maximum 128-bit value instead
// of wrapping, since callers use it only to test adjacency at the top of
// the address space.
func (a Addr) addUint64(n uint64) Addr {
	lo, carry := bits.Add64(a.Lo, n, 0)
	hi, carryHi := bits.Add64(a.Hi, 0, carry)
	if carryHi != 0 {
		return Addr{Hi: ^uint64(0), Lo: ^uint64(0)}
	}
	return Addr{Hi: hi, Lo: lo}
}

// AddrFromIPv4 builds an Addr from a 32-bit IPv4 address placed in the
// high bits.
func AddrFromIPv4(v4 uint32) Addr {
	return Addr{Hi: uint64(v4) << 32, Lo: 0}
}

// AddrFromIPv6 builds an Addr from 16 big-endian IPv6 bytes.
func AddrFromIPv6(b []byte) (Addr, error) {
	if len(b) != 16 {
		return Addr{}, fmt.Errorf("resources: IPv6 address must be 16 bytes, got %d", len(b))
	}
	hi := uint64(0)
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(b[i])
	}
	lo := uint64(0)
	for i := 8; i < 16; i++ {
		lo = lo<<8 | uint64(b[i])
	}
	return Addr{Hi: hi, Lo: lo}, nil
}

// AddrFromNetIP converts a net.IP (v4 or v16) into the family-appropriate
// Addr representation.
func AddrFromNetIP(ip net.IP) (Addr, Family, error) {
	if v4 := ip.To4(); v4 != nil {
		return AddrFromIPv4(uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])), FamilyIPv4, nil
	}
	if v6 := ip.To16(); v6 != nil {
		a, err := AddrFromIPv6(v6)
		return a, FamilyIPv6, err
	}
	return Addr{}, 0, fmt.Errorf("resources: invalid IP address")
}

// IPBlock is an inclusive address range, always storable as one prefix
// or a sum of prefixes.
type IPBlock struct {
	Min Addr
	Max Addr
}

func (b IPBlock) String() string {
	return fmt.Sprintf("[%x:%x-%x:%x]", b.Min.Hi, b.Min.Lo, b.Max.Hi, b.Max.Lo)
}

// PrefixBlock builds the inclusive range covered by a family/prefix-len
// pair. addr's host bits are ignored: the network address is computed via
// MaskPrefix, and the broadcast address by setting every host bit.
func PrefixBlock(family Family, addr Addr, prefixLen int) (IPBlock, error) {
	width := familyWidth(family)
	if prefixLen < 0 || prefixLen > width {
		return IPBlock{}, fmt.Errorf("resources: prefix length %d out of range for family", prefixLen)
	}
	network := MaskPrefix(family, addr, prefixLen)
	hostBits := width - prefixLen

	if family == FamilyIPv4 {
		// v4 host bits live at [32, 32+hostBits) within Hi.
		var hostMask uint64
		if hostBits > 0 {
			hostMask = (uint64(1)<<uint(hostBits) - 1) << 32
		}
		return IPBlock{Min: network, Max: Addr{Hi: network.Hi | hostMask, Lo: 0}}, nil
	}

	max := network
	if hostBits > 0 {
		if hostBits >= 64 {
			loBits := hostBits - 64
			max.Hi |= uint64(1)<<uint(loBits) - 1
			max.Lo = ^uint64(0)
		} else {
			max.Lo |= uint64(1)<<uint(hostBits) - 1
		}
	}
	return IPBlock{Min: network, Max: max}, nil
}

func familyWidth(f Family) int {
	if f == FamilyIPv4 {
		return 32
	}
	return 128
}

// MaskPrefix zeroes the host bits of addr below prefixLen for the given
// family (v4 occupying the high 32 bits of the 128-bit address space).
func MaskPrefix(family Family, addr Addr, prefixLen int) Addr {
	width := familyWidth(family)
	shift := width - prefixLen
	if family == FamilyIPv4 {
		// v4 occupies bits [96,128) of the 128-bit space (high 32 of Hi).
		if prefixLen >= 32 {
			return Addr{Hi: addr.Hi, Lo: 0}
		}
		mask := ^uint64(0) << uint(32-prefixLen) << 32
		return Addr{Hi: addr.Hi & mask, Lo: 0}
	}
	if shift <= 0 {
		return addr
	}
	if shift >= 128 {
		return Addr{}
	}
	if shift >= 64 {
		return Addr{Hi: addr.Hi & (^uint64(0) << uint(shift-64)), Lo: 0}
	}
	loMask := ^uint64(0) << uint(shift)
	return Addr{Hi: addr.Hi, Lo: addr.Lo & loMask}
}

// IPSet is one address family's IP resources on a resource certificate:
// either inherited, or an explicit ordered sequence of disjoint,
// non-adjacent ranges.
type IPSet struct {
	Family  Family
	Inherit bool
	Blocks  []IPBlock // strictly increasing, non-adjacent when !Inherit
}

// InheritIPSet returns the IP set that inherits its issuer's resources
// for the given family.
func InheritIPSet(family Family) IPSet {
	return IPSet{Family: family, Inherit: true}
}

// NewIPSet builds an explicit IP set from unordered, possibly overlapping
// or adjacent blocks, normalising to sorted, disjoint, merged ranges.
func NewIPSet(family Family, blocks []IPBlock) (IPSet, error) {
	for _, b := range blocks {
		if b.Max.Less(b.Min) {
			return IPSet{}, fmt.Errorf("resources: IP block %v has max < min", b)
		}
	}
	return IPSet{Family: family, Blocks: normalizeIPBlocks(family, blocks)}, nil
}

func normalizeIPBlocks(family Family, blocks []IPBlock) []IPBlock {
	if len(blocks) == 0 {
		return nil
	}
	sorted := append([]IPBlock(nil), blocks...)
	sortIPBlocks(sorted)

	out := make([]IPBlock, 0, len(sorted))
	cur := sorted[0]
	for _, b := range sorted[1:] {
		// b overlaps or is adjacent to cur iff b.Min <= cur.Max+1; an
		// IPv4 address steps in the high 32 bits of Hi.
		next := cur.Max.addUint64(1)
		if family == FamilyIPv4 {
			hi, carry := bits.Add64(cur.Max.Hi, 1<<32, 0)
			next = Addr{Hi: hi}
			if carry != 0 {
				next = Addr{Hi: ^uint64(0), Lo: ^uint64(0)}
			}
		}
		if b.Min.Compare(next) <= 0 {
			if cur.Max.Less(b.Max) {
				cur.Max = b.Max
			}
			continue
		}
		out = append(out, cur)
		cur = b
	}
	out = append(out, cur)
	return out
}

func sortIPBlocks(blocks []IPBlock) {
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && blocks[j].Min.Less(blocks[j-1].Min); j-- {
			blocks[j-1], blocks[j] = blocks[j], blocks[j-1]
		}
	}
}

// EncompassesIP reports whether a encompasses b for matching families:
// every address in b's ranges is present in a's ranges. As with AS sets,
// Inherit must be resolved by the caller before this is meaningful.
func EncompassesIP(a, b IPSet) bool {
	if a.Family != b.Family || a.Inherit || b.Inherit {
		return false
	}
	i := 0
	for _, bb := range b.Blocks {
		for i < len(a.Blocks) && a.Blocks[i].Max.Less(bb.Min) {
			i++
		}
		if i >= len(a.Blocks) {
			return false
		}
		if a.Blocks[i].Min.Compare(bb.Min) > 0 || a.Blocks[i].Max.Compare(bb.Max) < 0 {
			return false
		}
	}
	return true
}
