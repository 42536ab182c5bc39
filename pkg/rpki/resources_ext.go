package rpki

import (
	"github.com/cuemby/rpkid/pkg/ber"
	"github.com/cuemby/rpkid/pkg/resources"
)

// parseASResources decodes the content of the id-pe-autonomousSysIds
// extension (RFC 3779 ASIdentifiers, restricted by RFC 6487 to the asnum
// choice only; rdi is never present in RPKI).
//
//	ASIdentifiers      ::= SEQUENCE {
//	    asnum               [0] EXPLICIT ASIdentifierChoice OPTIONAL }
//	ASIdentifierChoice ::= CHOICE {
//	    inherit             NULL,
//	    asIdsOrRanges       SEQUENCE OF ASIdOrRange }
//	ASIdOrRange        ::= CHOICE {
//	    id                  ASId,
//	    range               ASRange }
//	ASRange            ::= SEQUENCE { min ASId, max ASId }
func parseASResources(d *ber.Decoder) (resources.ASSet, error) {
	return ber.Sequence(d, func(d *ber.Decoder) (resources.ASSet, error) {
		return ber.ConstructedIf(d, ber.Context(0), func(d *ber.Decoder) (resources.ASSet, error) {
			if ok, err := optNull(d); err != nil {
				return resources.ASSet{}, err
			} else if ok {
				return resources.InheritASSet(), nil
			}
			return ber.Sequence(d, parseASIdsOrRanges)
		})
	})
}

func parseASIdsOrRanges(d *ber.Decoder) (resources.ASSet, error) {
	var blocks []resources.ASBlock
	for {
		blk, ok, err := optASIDOrRange(d)
		if err != nil {
			return resources.ASSet{}, err
		}
		if !ok {
			break
		}
		blocks = append(blocks, blk)
	}
	if len(blocks) == 0 {
		return resources.ASSet{}, ber.ErrMalformed
	}
	return resources.NewASSet(blocks)
}

func optASIDOrRange(d *ber.Decoder) (resources.ASBlock, bool, error) {
	id, err := ber.OptPrimitiveIf(d, ber.TagInteger, parseUint32Body)
	if err != nil {
		return resources.ASBlock{}, false, err
	}
	if id != nil {
		return resources.ASBlock{Min: resources.ASNumber(*id), Max: resources.ASNumber(*id)}, true, nil
	}
	seq, err := ber.OptSequence(d, func(d *ber.Decoder) (resources.ASBlock, error) {
		min, err := ber.U32(d)
		if err != nil {
			return resources.ASBlock{}, err
		}
		max, err := ber.U32(d)
		if err != nil {
			return resources.ASBlock{}, err
		}
		return resources.ASBlock{Min: resources.ASNumber(min), Max: resources.ASNumber(max)}, nil
	})
	if err != nil {
		return resources.ASBlock{}, false, err
	}
	if seq == nil {
		return resources.ASBlock{}, false, nil
	}
	return *seq, true, nil
}

// parseUint32Body decodes an INTEGER's content octets directly, mirroring
// the minimal-encoding and non-negative rules pkg/ber applies to INTEGER
// values, without needing a Decoder of its own.
func parseUint32Body(v []byte) (uint32, error) {
	if len(v) == 0 {
		return 0, ber.ErrMalformed
	}
	if v[0]&0x80 != 0 {
		return 0, ber.ErrMalformed
	}
	if len(v) > 1 && v[0] == 0 && v[1]&0x80 == 0 {
		return 0, ber.ErrMalformed
	}
	if len(v) > 5 || (len(v) == 5 && v[0] != 0) {
		return 0, ber.ErrMalformed
	}
	var n uint32
	for _, b := range v {
		n = n<<8 | uint32(b)
	}
	return n, nil
}

func optNull(d *ber.Decoder) (bool, error) {
	res, err := ber.OptPrimitiveIf(d, ber.TagNull, func(v []byte) (struct{}, error) {
		if len(v) != 0 {
			return struct{}{}, ber.ErrMalformed
		}
		return struct{}{}, nil
	})
	return res != nil, err
}

// ipAddressFamily identifies which RFC 3779 address family a block belongs
// to; RPKI forbids any SAFI qualifier so the encoded octet string is always
// exactly 2 bytes.
func parseIPAddressFamily(v []byte) (resources.Family, error) {
	if len(v) != 2 {
		return 0, ber.ErrMalformed
	}
	switch {
	case v[0] == 0 && v[1] == 1:
		return resources.FamilyIPv4, nil
	case v[0] == 0 && v[1] == 2:
		return resources.FamilyIPv6, nil
	default:
		return 0, ber.ErrMalformed
	}
}

// parseIPResources decodes the content of the id-pe-ipAddrBlock extension.
//
//	IPAddrBlocks        ::= SEQUENCE OF IPAddressFamily
//	IPAddressFamily     ::= SEQUENCE {
//	    addressFamily       OCTET STRING,
//	    ipAddressChoice     IPAddressChoice }
//	IPAddressChoice     ::= CHOICE {
//	    inherit             NULL,
//	    addressesOrRanges   SEQUENCE OF IPAddressOrRange }
//	IPAddressOrRange    ::= CHOICE {
//	    addressPrefix       BIT STRING,
//	    addressRange        IPAddressRange }
//	IPAddressRange      ::= SEQUENCE { min BIT STRING, max BIT STRING }
func parseIPResources(d *ber.Decoder) (v4, v6 resources.IPSet, err error) {
	haveV4, haveV6 := false, false
	err = errEachOptSequence(d, func(d *ber.Decoder) error {
		family, ferr := ber.PrimitiveIf(d, ber.TagOctetString, parseIPAddressFamily)
		if ferr != nil {
			return ferr
		}
		set, serr := parseIPAddressChoice(d, family)
		if serr != nil {
			return serr
		}
		switch family {
		case resources.FamilyIPv4:
			if haveV4 {
				return ber.ErrMalformed
			}
			haveV4 = true
			v4 = set
		case resources.FamilyIPv6:
			if haveV6 {
				return ber.ErrMalformed
			}
			haveV6 = true
			v6 = set
		}
		return nil
	})
	if err != nil {
		return resources.IPSet{}, resources.IPSet{}, err
	}
	if !haveV4 {
		v4 = resources.IPSet{Family: resources.FamilyIPv4}
	}
	if !haveV6 {
		v6 = resources.IPSet{Family: resources.FamilyIPv6}
	}
	return v4, v6, nil
}

func parseIPAddressChoice(d *ber.Decoder, family resources.Family) (resources.IPSet, error) {
	if ok, err := optNull(d); err != nil {
		return resources.IPSet{}, err
	} else if ok {
		return resources.InheritIPSet(family), nil
	}
	var blocks []resources.IPBlock
	for {
		blk, ok, err := optIPAddressOrRange(d, family)
		if err != nil {
			return resources.IPSet{}, err
		}
		if !ok {
			break
		}
		blocks = append(blocks, blk)
	}
	if len(blocks) == 0 {
		return resources.IPSet{}, ber.ErrMalformed
	}
	return resources.NewIPSet(family, blocks)
}

// optIPAddressOrRange parses one IPAddressOrRange CHOICE element if one is
// present (a bare BIT STRING prefix form, or a SEQUENCE range form);
// returns ok=false once neither alternative's tag is upcoming.
func optIPAddressOrRange(d *ber.Decoder, family resources.Family) (resources.IPBlock, bool, error) {
	if bs, ok, err := optBitString(d); err != nil {
		return resources.IPBlock{}, false, err
	} else if ok {
		blk, err := prefixBitStringToBlock(family, bs)
		return blk, true, err
	}
	seq, err := ber.OptSequence(d, func(d *ber.Decoder) (resources.IPBlock, error) {
		minBS, err := ber.TakeBitString(d)
		if err != nil {
			return resources.IPBlock{}, err
		}
		maxBS, err := ber.TakeBitString(d)
		if err != nil {
			return resources.IPBlock{}, err
		}
		min, err := bitStringToAddr(family, minBS, false)
		if err != nil {
			return resources.IPBlock{}, err
		}
		max, err := bitStringToAddr(family, maxBS, true)
		if err != nil {
			return resources.IPBlock{}, err
		}
		return resources.IPBlock{Min: min, Max: max}, nil
	})
	if err != nil {
		return resources.IPBlock{}, false, err
	}
	if seq == nil {
		return resources.IPBlock{}, false, nil
	}
	return *seq, true, nil
}

func optBitString(d *ber.Decoder) (ber.BitString, bool, error) {
	res, err := ber.OptPrimitiveIf(d, ber.TagBitString, func(v []byte) (ber.BitString, error) {
		if len(v) == 0 {
			return ber.BitString{}, ber.ErrMalformed
		}
		unused := int(v[0])
		if unused > 7 {
			return ber.BitString{}, ber.ErrMalformed
		}
		return ber.BitString{Unused: unused, Bytes: v[1:]}, nil
	})
	if err != nil {
		return ber.BitString{}, false, err
	}
	if res == nil {
		return ber.BitString{}, false, nil
	}
	return *res, true, nil
}

func familyByteWidth(family resources.Family) int {
	if family == resources.FamilyIPv4 {
		return 4
	}
	return 16
}

// prefixBitStringToBlock converts a single BIT STRING "addressPrefix"
// encoding into the inclusive range it denotes.
func prefixBitStringToBlock(family resources.Family, bs ber.BitString) (resources.IPBlock, error) {
	min, err := bitStringToAddr(family, bs, false)
	if err != nil {
		return resources.IPBlock{}, err
	}
	max, err := bitStringToAddr(family, bs, true)
	if err != nil {
		return resources.IPBlock{}, err
	}
	return resources.IPBlock{Min: min, Max: max}, nil
}

// bitStringToAddr reconstructs an address from a truncated, bit-padded BIT
// STRING: present bytes come first, unused trailing bits within the last
// present byte are cleared (min) or set (max), and the remaining bytes up
// to the family width are zero (min) or 0xFF (max).
func bitStringToAddr(family resources.Family, bs ber.BitString, isMax bool) (resources.Addr, error) {
	width := familyByteWidth(family)
	if len(bs.Bytes) > width {
		return resources.Addr{}, ber.ErrMalformed
	}
	buf := make([]byte, width)
	copy(buf, bs.Bytes)
	if len(bs.Bytes) > 0 && bs.Unused > 0 {
		mask := byte(1<<uint(bs.Unused) - 1)
		last := len(bs.Bytes) - 1
		if isMax {
			buf[last] |= mask
		} else {
			buf[last] &^= mask
		}
	}
	if isMax {
		for i := len(bs.Bytes); i < width; i++ {
			buf[i] = 0xff
		}
	}
	if family == resources.FamilyIPv4 {
		v4 := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
		return resources.AddrFromIPv4(v4), nil
	}
	return resources.AddrFromIPv6(buf)
}

// errEachOptSequence runs f over every element of a trailing run of
// optional SEQUENCE values, the idiom used for "SEQUENCE OF SEQUENCE"
// extension bodies.
func errEachOptSequence(d *ber.Decoder, f func(*ber.Decoder) error) error {
	for {
		res, err := ber.OptSequence(d, func(child *ber.Decoder) (struct{}, error) {
			return struct{}{}, f(child)
		})
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
	}
}
