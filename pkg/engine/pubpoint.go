package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cuemby/rpkid/pkg/collector"
	"github.com/cuemby/rpkid/pkg/log"
	"github.com/cuemby/rpkid/pkg/rpki"
	"github.com/cuemby/rpkid/pkg/rpkierr"
	"github.com/cuemby/rpkid/pkg/store"
	"github.com/cuemby/rpkid/pkg/uri"
)

// validPointManifest is the result of validating a manifest and its CRL,
// kept together because every listed object must be checked against
// both the EE certificate's resources and the CRL's revocation list.
type validPointManifest struct {
	eeCert *rpki.ResourceCert
	crl    *rpki.CRL
	crlURI uri.URI

	manifestBytes []byte
	crlBytes      []byte
	files         []rpki.FileAndHash
}

// processPubPoint validates one publication point, preferring freshly
// collected data and falling back to the last stored version when
// there is nothing new, the new data doesn't validate, or no collector
// is configured at all.
func (w *worker) processPubPoint(ctx context.Context, t *caTask) ([]*caTask, error) {
	if w.engine.Collector != nil {
		run := w.engine.Collector.Start()
		point := collector.Point{CARepository: t.cert.CARepository, RPKINotify: t.cert.RPKINotify}
		repo, _ := run.LoadRepository(ctx, point)
		if repo != nil {
			children, ok, err := w.processCollected(t, repo)
			if err != nil {
				return nil, err
			}
			if ok {
				return children, nil
			}
			t.processor.Restart()
		}
	}

	return w.processStored(t)
}

// processCollected tries to validate fresh data from repo. ok is false
// whenever the caller should fall back to the stored version instead:
// no update available, the collected manifest is unchanged, or it
// failed validation entirely.
func (w *worker) processCollected(t *caTask, repo *collector.Repository) (children []*caTask, ok bool, err error) {
	repository := t.cert.CARepository.String()
	manifestURI := t.cert.RPKIManifest

	data, found := repo.LoadObject(manifestURI)
	if !found {
		return nil, false, nil
	}

	rec, _, storedOK, err := w.engine.Store.LoadPoint(manifestURI.String())
	if err != nil {
		return nil, false, err
	}
	if storedOK && bytes.Equal(rec.ManifestBytes, data) && rec.CARepository == t.cert.CARepository.String() {
		return nil, false, nil
	}

	vpm, ok := w.validateCollectedManifest(t, data, repo)
	if !ok {
		return nil, false, nil
	}

	var childTasks []*caTask
	pointOK := true
	items := vpm.files
	next := 0

	updateErr := w.engine.Store.UpdatePoint(manifestURI.String(), store.StoredManifest{
		NotAfter:      vpm.eeCert.Cert.Validity().NotAfter,
		RPKINotify:    notifyString(t.cert.RPKINotify),
		CARepository:  t.cert.CARepository.String(),
		RPKIManifest:  manifestURI.String(),
		ManifestBytes: vpm.manifestBytes,
		CRLURI:        vpm.crlURI.String(),
		CRLBytes:      vpm.crlBytes,
	}, func() (store.PointObject, bool, error) {
		if next >= len(items) {
			return store.PointObject{}, false, nil
		}
		item := items[next]
		next++

		objURI, err := t.cert.CARepository.Join(item.Name)
		if err != nil {
			return store.PointObject{}, false, fmt.Errorf("engine: %s: illegal file name %q: %w", manifestURI, item.Name, err)
		}
		content, found := repo.LoadObject(objURI)
		if !found {
			return store.PointObject{}, false, fmt.Errorf("engine: %s: failed to load", objURI)
		}
		sum := sha256.Sum256(content)
		if !bytes.Equal(sum[:], item.Hash) {
			return store.PointObject{}, false, fmt.Errorf("engine: %s: file has wrong manifest hash", objURI)
		}

		objOK, err := w.processObject(t, objURI, content, vpm, &childTasks)
		if err != nil {
			return store.PointObject{}, false, err
		}
		if !objOK {
			pointOK = false
		}

		var hash [sha256.Size]byte
		copy(hash[:], item.Hash)
		return store.PointObject{Name: objURI.String(), Hash: hash, Content: content}, true, nil
	})

	if updateErr != nil {
		if rpkierr.Is(updateErr, rpkierr.KindStoreAbort) {
			w.mc.AddStoreRollback()
			return nil, false, nil
		}
		return nil, false, updateErr
	}
	w.mc.AddStoreCommit()

	if !pointOK {
		t.processor.Cancel(t.cert)
		w.mc.AddPublicationPoint(repository, "rejected")
		return nil, true, nil
	}
	t.processor.Commit()
	w.mc.AddPublicationPoint(repository, "valid")
	return childTasks, true, nil
}

// processStored validates the last version recorded in the store,
// re-checking its signatures and CRL rather than trusting the bytes
// transitively just because they're already on disk.
func (w *worker) processStored(t *caTask) ([]*caTask, error) {
	repository := t.cert.CARepository.String()
	manifestURI := t.cert.RPKIManifest

	reject := func() ([]*caTask, error) {
		t.processor.Cancel(t.cert)
		w.mc.AddPublicationPoint(repository, "rejected")
		return nil, nil
	}

	rec, objects, ok, err := w.engine.Store.LoadPoint(manifestURI.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return reject()
	}

	mft, err := rpki.ParseManifest(rec.ManifestBytes)
	if err != nil {
		return reject()
	}
	eeCert, err := mft.Validate(t.cert.Cert)
	if err != nil {
		return reject()
	}
	content := mft.Content()
	if content.ThisUpdate.After(time.Now()) {
		return reject()
	}
	if time.Now().After(content.NextUpdate) {
		switch w.engine.Policy.Stale {
		case Reject:
			w.mc.AddStaleManifest(repository, "reject")
			return reject()
		case Warn:
			w.mc.AddStaleManifest(repository, "warn")
		case Accept:
		}
	}
	t.processor.UpdateRefresh(content.NextUpdate)
	crl, err := rpki.ParseCRL(rec.CRLBytes)
	if err != nil {
		return reject()
	}
	if err := crl.Validate(t.cert.Cert.Cert); err != nil {
		return reject()
	}
	if crl.Contains(eeCert.Cert.SerialNumber()) {
		return reject()
	}

	crlURI, _ := uri.Parse(rec.CRLURI)
	files, err := content.Files()
	if err != nil {
		return reject()
	}
	vpm := &validPointManifest{
		eeCert:        eeCert,
		crl:           crl,
		crlURI:        crlURI,
		manifestBytes: rec.ManifestBytes,
		crlBytes:      rec.CRLBytes,
		files:         files,
	}

	byName := make(map[string][]byte, len(objects))
	for _, obj := range objects {
		byName[obj.Name] = obj.Content
	}

	var childTasks []*caTask
	pointOK := true
	for _, item := range vpm.files {
		objURI, err := t.cert.CARepository.Join(item.Name)
		if err != nil {
			continue
		}
		content, found := byName[objURI.String()]
		if !found {
			pointOK = false
			continue
		}
		objOK, err := w.processObject(t, objURI, content, vpm, &childTasks)
		if err != nil {
			pointOK = false
			continue
		}
		if !objOK {
			pointOK = false
		}
	}

	if !pointOK {
		return reject()
	}
	t.processor.Commit()
	w.mc.AddPublicationPoint(repository, "stored-fallback")
	return childTasks, nil
}

// validateCollectedManifest checks that manifestBytes decodes, is
// signed by the publication point's CA, isn't premature, isn't stale
// (policy-dependent), and carries a CRL that validates and hasn't
// revoked the manifest's own EE certificate.
func (w *worker) validateCollectedManifest(t *caTask, manifestBytes []byte, repo *collector.Repository) (*validPointManifest, bool) {
	repository := t.cert.CARepository.String()

	mft, err := rpki.ParseManifest(manifestBytes)
	if err != nil {
		return nil, false
	}
	eeCert, err := mft.Validate(t.cert.Cert)
	if err != nil {
		return nil, false
	}

	content := mft.Content()
	if content.ThisUpdate.After(time.Now()) {
		return nil, false
	}
	if time.Now().After(content.NextUpdate) {
		switch w.engine.Policy.Stale {
		case Reject:
			w.mc.AddStaleManifest(repository, "reject")
			return nil, false
		case Warn:
			w.mc.AddStaleManifest(repository, "warn")
		case Accept:
		}
	}
	t.processor.UpdateRefresh(content.NextUpdate)

	files, err := content.Files()
	if err != nil {
		return nil, false
	}

	crlURI, crl, crlBytes, ok := w.validateCollectedCRL(t, eeCert, files, repo)
	if !ok {
		return nil, false
	}

	return &validPointManifest{
		eeCert:        eeCert,
		crl:           crl,
		crlURI:        crlURI,
		manifestBytes: manifestBytes,
		crlBytes:      crlBytes,
		files:         files,
	}, true
}

// validateCollectedCRL locates the single CRL named on the manifest
// that matches the manifest EE certificate's own CRL distribution
// point, fetches and validates it against the CA certificate, and
// checks it hasn't revoked the manifest EE certificate itself.
func (w *worker) validateCollectedCRL(t *caTask, eeCert *rpki.ResourceCert, files []rpki.FileAndHash, repo *collector.Repository) (uri.URI, *rpki.CRL, []byte, bool) {
	dps := eeCert.Cert.CRLDistributionPoints()
	if len(dps) != 1 || !strings.HasSuffix(dps[0], ".crl") {
		return uri.URI{}, nil, nil, false
	}
	crlURI, err := uri.Parse(dps[0])
	if err != nil {
		return uri.URI{}, nil, nil, false
	}
	crlName, ok := crlURI.RelativeTo(t.cert.CARepository)
	if !ok {
		return uri.URI{}, nil, nil, false
	}

	var crlHash []byte
	for _, f := range files {
		if f.Name == crlName {
			crlHash = f.Hash
			break
		}
	}
	if crlHash == nil {
		return uri.URI{}, nil, nil, false
	}

	crlBytes, found := repo.LoadObject(crlURI)
	if !found {
		return uri.URI{}, nil, nil, false
	}
	sum := sha256.Sum256(crlBytes)
	if !bytes.Equal(sum[:], crlHash) {
		return uri.URI{}, nil, nil, false
	}

	crl, err := rpki.ParseCRL(crlBytes)
	if err != nil {
		return uri.URI{}, nil, nil, false
	}
	if err := crl.Validate(t.cert.Cert.Cert); err != nil {
		return uri.URI{}, nil, nil, false
	}
	if crl.Contains(eeCert.Cert.SerialNumber()) {
		return uri.URI{}, nil, nil, false
	}

	return crlURI, crl, crlBytes, true
}

// checkCRL reports whether cert's own CRL distribution point matches
// the publication point's manifest CRL and cert hasn't been revoked on
// it — the check every object on the manifest, not just the manifest's
// own EE certificate, must pass.
func (vpm *validPointManifest) checkCRL(cert *rpki.Cert) error {
	dps := cert.CRLDistributionPoints()
	if len(dps) != 1 {
		return fmt.Errorf("engine: certificate has no unique CRL distribution point")
	}
	dp, err := uri.Parse(dps[0])
	if err != nil {
		return fmt.Errorf("engine: certificate CRL distribution point is malformed: %w", err)
	}
	if !dp.Equal(vpm.crlURI) {
		return fmt.Errorf("engine: certificate's CRL differs from the manifest's")
	}
	if vpm.crl.Contains(cert.SerialNumber()) {
		return fmt.Errorf("engine: certificate has been revoked")
	}
	return nil
}

// processObject dispatches one manifest-listed object by its file
// extension, validating it and handing it to the processor. An object
// that fails to decode or validate is skipped: the result is true with
// a nil error and the point stays valid. false is returned only together
// with a non-nil error, when one of the processor's callbacks failed.
func (w *worker) processObject(t *caTask, objURI uri.URI, content []byte, vpm *validPointManifest, childTasks *[]*caTask) (bool, error) {
	repository := t.cert.CARepository.String()
	if !t.processor.Want(objURI) {
		return true, nil
	}

	ext := strings.ToLower(path.Ext(objURI.Path()))
	switch ext {
	case ".cer":
		w.mc.AddObject(repository, "cer")
		return w.processCertObject(t, objURI, content, vpm, childTasks)
	case ".roa":
		w.mc.AddObject(repository, "roa")
		return w.processROAObject(t, objURI, content, vpm)
	case ".asa":
		w.mc.AddObject(repository, "asa")
		return w.processASPAObject(t, objURI, content, vpm)
	case ".crl":
		w.mc.AddObject(repository, "crl")
		if !objURI.Equal(vpm.crlURI) {
			// Stray CRL: warn, point stays valid.
			logger := log.WithComponent("engine")
			logger.Warn().Str("uri", objURI.String()).Msg("stray CRL on manifest")
			return true, nil
		}
		return true, nil
	case ".gbr":
		w.mc.AddObject(repository, "gbr")
		return w.processGBRObject(t, objURI, content, vpm)
	default:
		w.mc.AddObject(repository, "other")
		return true, nil
	}
}

func (w *worker) processCertObject(t *caTask, objURI uri.URI, content []byte, vpm *validPointManifest, childTasks *[]*caTask) (bool, error) {
	cert, err := rpki.ParseCert(content)
	if err != nil {
		return true, nil
	}

	if cert.IsCA() {
		if t.cert.CheckLoop(cert) {
			w.mc.AddSKILoop(t.cert.TALName)
			return true, nil
		}
		rc, err := rpki.ValidateCA(cert, t.cert.Cert)
		if err != nil {
			return true, nil
		}
		if err := vpm.checkCRL(rc.Cert); err != nil {
			return true, nil
		}
		child, err := ChainCaCert(t.cert, objURI, rc, w.engine.Policy.MaxCADepth)
		if err != nil {
			if errors.Is(err, ErrChainTooDeep) {
				w.mc.AddChainTooDeep(t.cert.TALName)
			}
			return true, nil
		}
		childProc, ok, err := t.processor.ProcessCA(objURI, child)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		*childTasks = append(*childTasks, &caTask{
			cert:      child,
			processor: childProc,
			defer_:    child.RepositorySwitch(),
		})
		return true, nil
	}

	rc, err := rpki.ValidateEE(cert, t.cert.Cert)
	if err != nil {
		return true, nil
	}
	if err := vpm.checkCRL(rc.Cert); err != nil {
		return true, nil
	}
	routerKeys, err := rpki.ProcessRouterCert(cert, t.cert.Cert)
	if err != nil {
		return true, nil
	}
	if err := t.processor.ProcessEECert(objURI, cert, routerKeys); err != nil {
		return false, err
	}
	for range routerKeys {
		w.mc.AddRouterKey(t.cert.TALName)
	}
	return true, nil
}

func (w *worker) processROAObject(t *caTask, objURI uri.URI, content []byte, vpm *validPointManifest) (bool, error) {
	roa, err := rpki.ParseROA(content)
	if err != nil {
		return true, nil
	}
	eeCert, err := roa.Validate(t.cert.Cert)
	if err != nil {
		return true, nil
	}
	if err := vpm.checkCRL(eeCert.Cert); err != nil {
		return true, nil
	}
	if err := t.processor.ProcessROA(objURI, eeCert, roa); err != nil {
		return false, err
	}
	origins := roa.Content()
	for range origins.V4 {
		w.mc.AddVRP(t.cert.TALName)
	}
	for range origins.V6 {
		w.mc.AddVRP(t.cert.TALName)
	}
	return true, nil
}

func (w *worker) processASPAObject(t *caTask, objURI uri.URI, content []byte, vpm *validPointManifest) (bool, error) {
	aspa, err := rpki.ParseASPA(content)
	if err != nil {
		return true, nil
	}
	eeCert, err := aspa.Validate(t.cert.Cert)
	if err != nil {
		return true, nil
	}
	if err := vpm.checkCRL(eeCert.Cert); err != nil {
		return true, nil
	}
	if err := t.processor.ProcessASPA(objURI, eeCert, aspa); err != nil {
		return false, err
	}
	w.mc.AddASPA(t.cert.TALName)
	return true, nil
}

func (w *worker) processGBRObject(t *caTask, objURI uri.URI, content []byte, vpm *validPointManifest) (bool, error) {
	signed, err := rpki.ParseSignedObject(content)
	if err != nil {
		return true, nil
	}
	eeCert, err := signed.Validate(t.cert.Cert, rpki.ValidateEE)
	if err != nil {
		return true, nil
	}
	if err := vpm.checkCRL(eeCert.Cert); err != nil {
		return true, nil
	}
	if err := t.processor.ProcessGBR(objURI, eeCert, signed.Content()); err != nil {
		return false, err
	}
	return true, nil
}

func notifyString(u *uri.URI) string {
	if u == nil {
		return ""
	}
	return u.String()
}
