// Package store is the persistent backing for trust anchor certificates
// and publication point contents: one archive file per publication
// point, a shared archive for trust anchor certificates, and a bbolt
// database used purely as a directory — mapping a point's identifying
// URI to the archive file that holds it and to last-fetch bookkeeping,
// never as a place application bytes live.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/rpkid/pkg/archive"
	"github.com/cuemby/rpkid/pkg/rpkierr"
	bolt "go.etcd.io/bbolt"
)

var bucketPoints = []byte("points")

const taObjectMetaSize = 32 // sha256 of the stored TA certificate bytes

// manifestObjectName is the well-known name a point's StoredManifest
// record is published under inside its own archive; every other name in
// the same archive is a listed file's relative filename.
const manifestObjectName = "$manifest"

// StoredManifest is the persisted summary of a publication point's
// manifest and CRL, kept alongside the listed files it refers to.
type StoredManifest struct {
	NotAfter      time.Time `json:"not_after"`
	RPKINotify    string    `json:"rpki_notify,omitempty"`
	CARepository  string    `json:"ca_repository"`
	RPKIManifest  string    `json:"rpki_manifest"`
	ManifestBytes []byte    `json:"manifest_bytes"`
	CRLURI        string    `json:"crl_uri"`
	CRLBytes      []byte    `json:"crl_bytes"`
}

// StoredObject is one listed file recovered from a point's archive.
type StoredObject struct {
	Name    string
	Hash    [sha256.Size]byte
	Content []byte
}

// Store owns the trust anchor archive, the per-point archives, and the
// directory database that maps point URIs to archive file paths.
type Store struct {
	dir string
	db  *bolt.DB
	ta  *archive.Archive
}

// Open opens (creating if necessary) the store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "points"), 0o755); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "directory.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: opening directory database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPoints)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	taPath := filepath.Join(dir, "ta.archive")
	ta, err := openOrCreate(taPath, 256, taObjectMetaSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{dir: dir, db: db, ta: ta}, nil
}

// Close releases the directory database and the trust anchor archive.
func (s *Store) Close() error {
	taErr := s.ta.Close()
	dbErr := s.db.Close()
	if taErr != nil {
		return taErr
	}
	return dbErr
}

func openOrCreate(path string, bucketCount, metaSize int) (*archive.Archive, error) {
	if _, err := os.Stat(path); err == nil {
		return archive.Open(path, true)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: %w", err)
	}
	return archive.Create(path, bucketCount, metaSize)
}

// pointRecord is the directory database's bookkeeping entry for one
// publication point, indexed by its rpki-manifest rsync URI.
type pointRecord struct {
	ArchiveFile string    `json:"archive_file"`
	LastSeen    time.Time `json:"last_seen"`
}

func archiveFileFor(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(sum[:]) + ".archive"
}

func (s *Store) pointPath(file string) string {
	return filepath.Join(s.dir, "points", file)
}

func (s *Store) lookupPoint(manifestURI string) (*pointRecord, error) {
	var rec *pointRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPoints).Get([]byte(manifestURI))
		if v == nil {
			return nil
		}
		var r pointRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("store: directory entry for %s: %w", manifestURI, err)
		}
		rec = &r
		return nil
	})
	return rec, err
}

func (s *Store) putPoint(manifestURI string, rec pointRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPoints).Put([]byte(manifestURI), data)
	})
}

// LoadTA returns the stored trust anchor certificate bytes for talURI, if
// any has been fetched and stored before.
func (s *Store) LoadTA(talURI string) (cert []byte, ok bool, err error) {
	_, content, err := s.ta.Fetch(talURI)
	if err == archive.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, rpkierr.StoreFatalf("loading trust anchor %s: %w", talURI, err)
	}
	return content, true, nil
}

// StoreTA records the fetched trust anchor certificate bytes for talURI,
// replacing any previously stored value.
func (s *Store) StoreTA(talURI string, cert []byte) error {
	sum := sha256.Sum256(cert)
	meta := sum[:]
	err := s.ta.Publish(talURI, meta, cert)
	if err == archive.ErrAlreadyExists {
		err = s.ta.Update(talURI, meta, cert, func([]byte) bool { return true })
	}
	if err != nil {
		return rpkierr.StoreFatalf("storing trust anchor %s: %w", talURI, err)
	}
	return nil
}

// LoadPoint returns the last stored manifest record and object set for a
// publication point, for the engine's stored-fallback path. ok is false
// if nothing has ever been stored for manifestURI.
func (s *Store) LoadPoint(manifestURI string) (rec StoredManifest, objects []StoredObject, ok bool, err error) {
	ptr, err := s.lookupPoint(manifestURI)
	if err != nil {
		return StoredManifest{}, nil, false, rpkierr.StoreFatalf("%w", err)
	}
	if ptr == nil {
		return StoredManifest{}, nil, false, nil
	}
	a, err := archive.Open(s.pointPath(ptr.ArchiveFile), false)
	if err != nil {
		return StoredManifest{}, nil, false, rpkierr.StoreFatalf("opening point archive for %s: %w", manifestURI, err)
	}
	defer a.Close()

	_, raw, err := a.Fetch(manifestObjectName)
	if err != nil {
		return StoredManifest{}, nil, false, rpkierr.StoreFatalf("reading manifest record for %s: %w", manifestURI, err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return StoredManifest{}, nil, false, rpkierr.StoreFatalf("decoding manifest record for %s: %w", manifestURI, err)
	}

	err = a.Iterate(func(o archive.Object) error {
		if o.Name == manifestObjectName {
			return nil
		}
		if len(o.Meta) != sha256.Size {
			return rpkierr.StoreFatalf("object %s in %s has malformed hash metadata", o.Name, manifestURI)
		}
		var h [sha256.Size]byte
		copy(h[:], o.Meta)
		objects = append(objects, StoredObject{Name: o.Name, Hash: h, Content: o.Content})
		return nil
	})
	if err != nil {
		return StoredManifest{}, nil, false, err
	}
	return rec, objects, true, nil
}

// PointObject is one object supplied to UpdatePoint: name is the listed
// file's relative filename, hash its claimed SHA-256 (verified against
// content before it is admitted), content its bytes.
type PointObject struct {
	Name    string
	Hash    [sha256.Size]byte
	Content []byte
}

// UpdatePoint replaces a publication point's stored manifest record and
// object set in one transaction. next is called repeatedly to produce
// each object; it returns ok=false once exhausted. If next returns an
// error, or any yielded object's content doesn't hash to the claimed
// value, the update is abandoned and the point's previously stored
// version is left untouched — the caller decides separately whether to
// fall back to it.
func (s *Store) UpdatePoint(manifestURI string, rec StoredManifest, next func() (PointObject, bool, error)) error {
	tmpPath := s.pointPath(archiveFileFor(manifestURI)) + ".tmp"
	_ = os.Remove(tmpPath)
	tmp, err := archive.Create(tmpPath, 64, sha256.Size)
	if err != nil {
		return rpkierr.StoreFatalf("creating point archive for %s: %w", manifestURI, err)
	}
	abort := func(cause error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return cause
	}

	recBytes, err := json.Marshal(rec)
	if err != nil {
		return abort(rpkierr.StoreAbortf("encoding manifest record for %s: %w", manifestURI, err))
	}
	if err := tmp.Publish(manifestObjectName, make([]byte, sha256.Size), recBytes); err != nil {
		return abort(rpkierr.StoreFatalf("writing manifest record for %s: %w", manifestURI, err))
	}

	for {
		obj, ok, err := next()
		if err != nil {
			return abort(rpkierr.StoreAbortf("building object set for %s: %w", manifestURI, err))
		}
		if !ok {
			break
		}
		if sha256.Sum256(obj.Content) != obj.Hash {
			return abort(rpkierr.StoreAbortf("object %s in %s failed its hash check", obj.Name, manifestURI))
		}
		if err := tmp.Publish(obj.Name, obj.Hash[:], obj.Content); err != nil {
			return abort(rpkierr.StoreAbortf("storing object %s in %s: %w", obj.Name, manifestURI, err))
		}
	}

	if err := tmp.Close(); err != nil {
		return abort(rpkierr.StoreFatalf("closing point archive for %s: %w", manifestURI, err))
	}

	file := archiveFileFor(manifestURI)
	finalPath := s.pointPath(file)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return rpkierr.StoreFatalf("committing point archive for %s: %w", manifestURI, err)
	}
	if err := s.putPoint(manifestURI, pointRecord{ArchiveFile: file, LastSeen: rec.NotAfter}); err != nil {
		return rpkierr.StoreFatalf("recording directory entry for %s: %w", manifestURI, err)
	}
	return nil
}

// Drain deletes every publication point not named in seen, used during
// run cleanup once the engine knows every point actually visited.
func (s *Store) Drain(seen map[string]bool) error {
	var stale []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPoints).ForEach(func(k, v []byte) error {
			if !seen[string(k)] {
				stale = append(stale, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return rpkierr.StoreFatalf("draining store: %w", err)
	}

	for _, manifestURI := range stale {
		ptr, err := s.lookupPoint(manifestURI)
		if err != nil {
			return rpkierr.StoreFatalf("draining store: %w", err)
		}
		if ptr == nil {
			continue
		}
		if err := os.Remove(s.pointPath(ptr.ArchiveFile)); err != nil && !os.IsNotExist(err) {
			return rpkierr.StoreFatalf("removing archive for %s: %w", manifestURI, err)
		}
		if err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketPoints).Delete([]byte(manifestURI))
		}); err != nil {
			return rpkierr.StoreFatalf("removing directory entry for %s: %w", manifestURI, err)
		}
	}
	return nil
}
