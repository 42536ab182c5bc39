package payload

import (
	"github.com/cuemby/rpkid/pkg/resources"
)

// Exceptions holds local SLURM filters and assertions already parsed by
// the caller (reading the RFC 8416 JSON file is the caller's concern).
// Filters drop matching validated payload; assertions are merged into
// every snapshot as locally-sourced items.
type Exceptions struct {
	PrefixFilters []PrefixFilter
	BgpsecFilters []BgpsecFilter
	Assertions    []Info
}

// PrefixFilter drops origin payload. A nil Prefix matches every prefix;
// a nil ASN matches every origin AS; a filter with both nil matches
// nothing.
type PrefixFilter struct {
	Prefix *Prefix
	ASN    *resources.ASNumber
}

func (f PrefixFilter) matches(o Origin) bool {
	if f.Prefix == nil && f.ASN == nil {
		return false
	}
	if f.Prefix != nil {
		if f.Prefix.Family != o.Prefix.Family {
			return false
		}
		filter := resources.IPSet{Family: f.Prefix.Family, Blocks: []resources.IPBlock{f.Prefix.Block()}}
		covered := resources.IPSet{Family: o.Prefix.Family, Blocks: []resources.IPBlock{o.Prefix.Block()}}
		if !resources.EncompassesIP(filter, covered) {
			return false
		}
	}
	if f.ASN != nil && *f.ASN != o.ASN {
		return false
	}
	return true
}

// BgpsecFilter drops router-key payload by ASN and/or hex-encoded
// subject key identifier.
type BgpsecFilter struct {
	ASN *resources.ASNumber
	SKI string
}

func (f BgpsecFilter) matches(k RouterKey) bool {
	if f.ASN == nil && f.SKI == "" {
		return false
	}
	if f.ASN != nil && *f.ASN != k.ASN {
		return false
	}
	if f.SKI != "" && f.SKI != k.KeyID {
		return false
	}
	return true
}

// Drop reports whether any filter matches p.
func (e *Exceptions) Drop(p Payload) bool {
	if e == nil {
		return false
	}
	switch p.Kind {
	case KindOrigin:
		for _, f := range e.PrefixFilters {
			if f.matches(p.Origin) {
				return true
			}
		}
	case KindRouterKey:
		for _, f := range e.BgpsecFilters {
			if f.matches(p.RouterKey) {
				return true
			}
		}
	}
	return false
}

// assertions returns the locally asserted payload, empty for nil.
func (e *Exceptions) assertions() []Info {
	if e == nil {
		return nil
	}
	return e.Assertions
}
