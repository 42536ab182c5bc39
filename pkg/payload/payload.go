// Package payload turns the output of validation runs into the data set
// RTR clients consume: route origins, router keys, and ASPA records,
// kept as a current snapshot plus a bounded history of deltas so a
// client holding an older serial can catch up incrementally.
package payload

import (
	"fmt"
	"net"
	"strings"

	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpki"
)

// Kind distinguishes the three payload variants.
type Kind int

const (
	KindOrigin Kind = iota
	KindRouterKey
	KindASPA
)

func (k Kind) String() string {
	switch k {
	case KindOrigin:
		return "origin"
	case KindRouterKey:
		return "router-key"
	case KindASPA:
		return "aspa"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Prefix is an IP prefix in the 128-bit address representation the
// resource sets use (v4 in the high 32 bits).
type Prefix struct {
	Family resources.Family
	Addr   resources.Addr
	Len    int
}

// IP returns the prefix's network address as a net.IP.
func (p Prefix) IP() net.IP {
	if p.Family == resources.FamilyIPv4 {
		v4 := uint32(p.Addr.Hi >> 32)
		return net.IPv4(byte(v4>>24), byte(v4>>16), byte(v4>>8), byte(v4)).To4()
	}
	b := make(net.IP, 16)
	for i := 0; i < 8; i++ {
		b[i] = byte(p.Addr.Hi >> uint(56-8*i))
		b[8+i] = byte(p.Addr.Lo >> uint(56-8*i))
	}
	return b
}

func (p Prefix) String() string {
	return fmt.Sprintf("%s/%d", p.IP(), p.Len)
}

// Block returns the inclusive address range the prefix covers.
func (p Prefix) Block() resources.IPBlock {
	block, err := resources.PrefixBlock(p.Family, p.Addr, p.Len)
	if err != nil {
		// Len was range-checked when the Prefix was built.
		panic(err)
	}
	return block
}

// Compare orders prefixes by family, then address, then length.
func (p Prefix) Compare(o Prefix) int {
	if p.Family != o.Family {
		if p.Family < o.Family {
			return -1
		}
		return 1
	}
	if c := p.Addr.Compare(o.Addr); c != 0 {
		return c
	}
	switch {
	case p.Len < o.Len:
		return -1
	case p.Len > o.Len:
		return 1
	}
	return 0
}

// Origin is one validated route origin assertion: announcements of
// Prefix up to MaxLen are authorised to originate from ASN.
type Origin struct {
	Prefix Prefix
	MaxLen int
	ASN    resources.ASNumber
}

func (o Origin) String() string {
	return fmt.Sprintf("%s-%d AS%d", o.Prefix, o.MaxLen, o.ASN)
}

// Compare orders origins by prefix, then max length, then ASN.
func (o Origin) Compare(b Origin) int {
	if c := o.Prefix.Compare(b.Prefix); c != 0 {
		return c
	}
	switch {
	case o.MaxLen < b.MaxLen:
		return -1
	case o.MaxLen > b.MaxLen:
		return 1
	}
	switch {
	case o.ASN < b.ASN:
		return -1
	case o.ASN > b.ASN:
		return 1
	}
	return 0
}

// RouterKey is one validated BGPsec router key assertion. KeyID is the
// hex-encoded 20-octet subject key identifier; KeyInfo is the
// base64-encoded DER subject public key info, both pre-encoded so the
// payload value stays comparable and usable as a map key.
type RouterKey struct {
	ASN     resources.ASNumber
	KeyID   string
	KeyInfo string
}

func (k RouterKey) String() string {
	return fmt.Sprintf("AS%d key %s", k.ASN, k.KeyID)
}

// Compare orders router keys by ASN, then key identifier, then key info.
func (k RouterKey) Compare(b RouterKey) int {
	switch {
	case k.ASN < b.ASN:
		return -1
	case k.ASN > b.ASN:
		return 1
	}
	if c := strings.Compare(k.KeyID, b.KeyID); c != 0 {
		return c
	}
	return strings.Compare(k.KeyInfo, b.KeyInfo)
}

// ASPA is one validated provider authorisation: Customer has authorised
// exactly the Providers list (canonically sorted, comma-joined) as its
// upstreams.
type ASPA struct {
	Customer  resources.ASNumber
	Providers string
}

// ProviderList renders a provider AS list as comma-joined decimal AS
// numbers in the order given; it does not sort. Parsed ASPA content is
// already in ascending order.
func ProviderList(asns []resources.ASNumber) string {
	parts := make([]string, len(asns))
	for i, a := range asns {
		parts[i] = fmt.Sprintf("%d", a)
	}
	return strings.Join(parts, ",")
}

func (a ASPA) String() string {
	return fmt.Sprintf("AS%d providers %s", a.Customer, a.Providers)
}

// Compare orders ASPAs by customer, then provider list.
func (a ASPA) Compare(b ASPA) int {
	switch {
	case a.Customer < b.Customer:
		return -1
	case a.Customer > b.Customer:
		return 1
	}
	return strings.Compare(a.Providers, b.Providers)
}

// Payload is one RTR-announceable item. Exactly one of the variant
// fields is meaningful, selected by Kind; the struct is comparable so a
// Payload value is its own deduplication key.
type Payload struct {
	Kind      Kind
	Origin    Origin
	RouterKey RouterKey
	ASPA      ASPA
}

// OriginPayload wraps an Origin as a Payload.
func OriginPayload(o Origin) Payload {
	return Payload{Kind: KindOrigin, Origin: o}
}

// RouterKeyPayload wraps a RouterKey as a Payload.
func RouterKeyPayload(k RouterKey) Payload {
	return Payload{Kind: KindRouterKey, RouterKey: k}
}

// ASPAPayload wraps an ASPA as a Payload.
func ASPAPayload(a ASPA) Payload {
	return Payload{Kind: KindASPA, ASPA: a}
}

func (p Payload) String() string {
	switch p.Kind {
	case KindOrigin:
		return p.Origin.String()
	case KindRouterKey:
		return p.RouterKey.String()
	case KindASPA:
		return p.ASPA.String()
	default:
		return p.Kind.String()
	}
}

// Compare defines the total order snapshots are sorted by: origins
// first, then router keys, then ASPAs, each in its own variant order.
func (p Payload) Compare(b Payload) int {
	if p.Kind != b.Kind {
		if p.Kind < b.Kind {
			return -1
		}
		return 1
	}
	switch p.Kind {
	case KindOrigin:
		return p.Origin.Compare(b.Origin)
	case KindRouterKey:
		return p.RouterKey.Compare(b.RouterKey)
	default:
		return p.ASPA.Compare(b.ASPA)
	}
}

// Source records where a payload item came from: which TAL's trust
// anchor it chains to, the URI of the object that asserted it, and the
// validity windows of the asserting EE certificate and of the whole
// chain up to the trust anchor.
type Source struct {
	TAL           string
	URI           string
	Validity      rpki.Validity
	ChainValidity rpki.Validity
}

// Info is a payload item together with every source that asserted it
// this run. The Payload value is the unique key; duplicate assertions
// merge their sources onto one Info.
type Info struct {
	Payload Payload
	Sources []Source
}

// addSource appends src unless an identical source is already recorded.
func (i *Info) addSource(src Source) {
	for _, s := range i.Sources {
		if s == src {
			return
		}
	}
	i.Sources = append(i.Sources, src)
}
