package payload

import (
	"encoding/base64"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cuemby/rpkid/pkg/engine"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpki"
	"github.com/cuemby/rpkid/pkg/uri"
)

// Processor implements engine.RunProcessor, collecting every validated
// payload item from a run into a Report. One Processor serves exactly
// one run; allocate a fresh one per run and hand its Report to
// History.Update afterwards.
type Processor struct {
	report *Report
}

// NewProcessor creates a Processor with an empty report.
func NewProcessor() *Processor {
	return &Processor{report: newReport()}
}

// Report returns the run's accumulated output. Only meaningful once
// engine.Run has returned.
func (p *Processor) Report() *Report {
	return p.report
}

// ProcessTA starts collection under one validated trust anchor.
func (p *Processor) ProcessTA(tal *rpki.TAL, talURI uri.URI, ca *engine.CaCert, talIndex int) (engine.PubPointProcessor, bool, error) {
	return &pointProcessor{
		report:  p.report,
		talName: tal.Name,
		ca:      ca,
	}, true, nil
}

// Report is the merged output of one validation run: every committed
// payload item with its sources, the resources of every CA whose
// publication point was rejected, and the earliest manifest nextUpdate
// seen (the soonest a refresh would be worthwhile).
type Report struct {
	mu       sync.Mutex
	payloads []Info
	rejected rejectedResources
	refresh  time.Time
}

func newReport() *Report {
	return &Report{}
}

// Refresh returns the earliest manifest nextUpdate the run saw, or the
// zero time if none was recorded.
func (r *Report) Refresh() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refresh
}

func (r *Report) commit(items []Info) {
	r.mu.Lock()
	r.payloads = append(r.payloads, items...)
	r.mu.Unlock()
}

func (r *Report) reject(ca *engine.CaCert) {
	r.mu.Lock()
	r.rejected.add(ca.Cert)
	r.mu.Unlock()
}

func (r *Report) updateRefresh(t time.Time) {
	r.mu.Lock()
	if r.refresh.IsZero() || t.Before(r.refresh) {
		r.refresh = t
	}
	r.mu.Unlock()
}

// rejectedResources accumulates the resource sets of CAs whose
// publication points were cancelled this run, so the snapshot builder
// can drop (or warn about) payload covered by a CA that failed.
type rejectedResources struct {
	v4 []resources.IPSet
	v6 []resources.IPSet
	as []resources.ASSet
}

func (r *rejectedResources) add(cert *rpki.ResourceCert) {
	if !cert.IPv4.Inherit && len(cert.IPv4.Blocks) > 0 {
		r.v4 = append(r.v4, cert.IPv4)
	}
	if !cert.IPv6.Inherit && len(cert.IPv6.Blocks) > 0 {
		r.v6 = append(r.v6, cert.IPv6)
	}
	if !cert.AS.Inherit && len(cert.AS.Blocks) > 0 {
		r.as = append(r.as, cert.AS)
	}
}

// covers reports whether p falls inside any rejected CA's resources.
func (r *rejectedResources) covers(p Payload) bool {
	switch p.Kind {
	case KindOrigin:
		single := resources.IPSet{
			Family: p.Origin.Prefix.Family,
			Blocks: []resources.IPBlock{p.Origin.Prefix.Block()},
		}
		sets := r.v4
		if p.Origin.Prefix.Family == resources.FamilyIPv6 {
			sets = r.v6
		}
		for _, set := range sets {
			if resources.EncompassesIP(set, single) {
				return true
			}
		}
	case KindRouterKey, KindASPA:
		asn := p.RouterKey.ASN
		if p.Kind == KindASPA {
			asn = p.ASPA.Customer
		}
		single := resources.ASSet{Blocks: []resources.ASBlock{{Min: asn, Max: asn}}}
		for _, set := range r.as {
			if resources.EncompassesAS(set, single) {
				return true
			}
		}
	}
	return false
}

// pointProcessor buffers the payload of one publication point until the
// engine either commits or cancels the point; Restart throws the buffer
// away when the engine falls back from collected to stored data.
type pointProcessor struct {
	report  *Report
	talName string
	ca      *engine.CaCert
	buf     []Info
}

func (pp *pointProcessor) RepositoryIndex(idx int) {}

func (pp *pointProcessor) UpdateRefresh(t time.Time) {
	pp.report.updateRefresh(t)
}

func (pp *pointProcessor) Want(objURI uri.URI) bool {
	return true
}

func (pp *pointProcessor) ProcessCA(objURI uri.URI, ca *engine.CaCert) (engine.PubPointProcessor, bool, error) {
	return &pointProcessor{
		report:  pp.report,
		talName: pp.talName,
		ca:      ca,
	}, true, nil
}

func (pp *pointProcessor) ProcessEECert(objURI uri.URI, cert *rpki.Cert, routerKeys []rpki.RouterKey) error {
	src := pp.source(objURI, cert.Validity())
	for _, key := range routerKeys {
		info := Info{
			Payload: RouterKeyPayload(RouterKey{
				ASN:     key.ASN,
				KeyID:   hex.EncodeToString(key.SKI),
				KeyInfo: base64.StdEncoding.EncodeToString(cert.RawSubjectPublicKeyInfo()),
			}),
		}
		info.addSource(src)
		pp.buf = append(pp.buf, info)
	}
	return nil
}

func (pp *pointProcessor) ProcessROA(objURI uri.URI, eeCert *rpki.ResourceCert, roa *rpki.ROA) error {
	src := pp.source(objURI, eeCert.Cert.Validity())
	content := roa.Content()
	pp.addOrigins(src, content.ASID, resources.FamilyIPv4, content.V4)
	pp.addOrigins(src, content.ASID, resources.FamilyIPv6, content.V6)
	return nil
}

func (pp *pointProcessor) addOrigins(src Source, asn resources.ASNumber, family resources.Family, addrs []rpki.ROAIPAddress) {
	for _, a := range addrs {
		info := Info{
			Payload: OriginPayload(Origin{
				Prefix: Prefix{Family: family, Addr: a.Prefix.Min, Len: a.PrefixLen},
				MaxLen: a.MaxLength,
				ASN:    asn,
			}),
		}
		info.addSource(src)
		pp.buf = append(pp.buf, info)
	}
}

func (pp *pointProcessor) ProcessASPA(objURI uri.URI, eeCert *rpki.ResourceCert, aspa *rpki.ASPA) error {
	src := pp.source(objURI, eeCert.Cert.Validity())
	content := aspa.Content()
	info := Info{
		Payload: ASPAPayload(ASPA{
			Customer:  content.CustomerASN,
			Providers: ProviderList(content.ProviderASN),
		}),
	}
	info.addSource(src)
	pp.buf = append(pp.buf, info)
	return nil
}

func (pp *pointProcessor) ProcessGBR(objURI uri.URI, eeCert *rpki.ResourceCert, raw []byte) error {
	// Ghostbuster records carry contact data, not routing payload.
	return nil
}

func (pp *pointProcessor) Restart() {
	pp.buf = nil
}

func (pp *pointProcessor) Commit() {
	pp.report.commit(pp.buf)
	pp.buf = nil
}

func (pp *pointProcessor) Cancel(ca *engine.CaCert) {
	pp.buf = nil
	pp.report.reject(ca)
}

// source builds the Source record for an object asserted at objURI with
// the given EE validity, intersecting validity up the CA chain to the
// trust anchor for the chain validity window.
func (pp *pointProcessor) source(objURI uri.URI, validity rpki.Validity) Source {
	chain := validity
	for ca := pp.ca; ca != nil; ca = ca.Parent {
		v := ca.Cert.Cert.Validity()
		if v.NotBefore.After(chain.NotBefore) {
			chain.NotBefore = v.NotBefore
		}
		if v.NotAfter.Before(chain.NotAfter) {
			chain.NotAfter = v.NotAfter
		}
	}
	return Source{
		TAL:           pp.talName,
		URI:           objURI.String(),
		Validity:      validity,
		ChainValidity: chain,
	}
}
