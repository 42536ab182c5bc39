package rpki

import (
	"math/big"
	"time"

	"github.com/cuemby/rpkid/pkg/ber"
	"github.com/cuemby/rpkid/pkg/rpkierr"
)

// Manifest is a parsed but not yet validated RFC 6486 manifest: the
// signed-object envelope plus the decoded list of files it publishes.
type Manifest struct {
	signed  *SignedObject
	content ManifestContent
}

// ManifestContent is the decoded eContent of a manifest: its number, its
// update window, and the file list, kept in its captured encoded form
// until a caller asks for a specific entry.
type ManifestContent struct {
	Number     *big.Int
	ThisUpdate time.Time
	NextUpdate time.Time

	fileList []byte
}

// ParseManifest decodes a manifest from its DER-encoded signed object.
func ParseManifest(der []byte) (*Manifest, error) {
	signed, err := ParseSignedObject(der)
	if err != nil {
		return nil, err
	}
	if !signed.ContentType().Equal(oidContentTypeManifest) {
		return nil, rpkierr.New(rpkierr.KindDecode, ber.ErrMalformed)
	}
	content, err := ber.Parse(signed.Content(), ber.ModeDER, parseManifestContent)
	if err != nil {
		return nil, rpkierr.New(rpkierr.KindDecode, err)
	}
	return &Manifest{signed: signed, content: content}, nil
}

func parseManifestContent(d *ber.Decoder) (ManifestContent, error) {
	return ber.Sequence(d, func(d *ber.Decoder) (ManifestContent, error) {
		var mc ManifestContent

		if _, err := ber.OptPrimitiveIf(d, ber.Context(0), func(v []byte) (struct{}, error) {
			n, err := parseUint32Body(v)
			if err != nil {
				return struct{}{}, err
			}
			if n != 0 {
				return struct{}{}, ber.ErrMalformed
			}
			return struct{}{}, nil
		}); err != nil {
			return ManifestContent{}, err
		}

		number, err := ber.Unsigned(d)
		if err != nil {
			return ManifestContent{}, err
		}
		mc.Number = number

		thisUpdate, err := parseTime(d)
		if err != nil {
			return ManifestContent{}, err
		}
		mc.ThisUpdate = thisUpdate

		nextUpdate, err := parseTime(d)
		if err != nil {
			return ManifestContent{}, err
		}
		mc.NextUpdate = nextUpdate

		if mc.ThisUpdate.After(mc.NextUpdate) {
			return ManifestContent{}, ber.ErrMalformed
		}

		if err := sequenceVoid(d, func(d *ber.Decoder) error {
			oid, err := ber.TakeOID(d)
			if err != nil {
				return err
			}
			if !oid.Equal(oidSHA256) {
				return ber.ErrMalformed
			}
			return ber.SkipOptNull(d)
		}); err != nil {
			return ManifestContent{}, err
		}

		fileList, err := ber.Sequence(d, func(d *ber.Decoder) ([]byte, error) {
			raw, _, err := ber.Capture(d, func(d *ber.Decoder) (struct{}, error) {
				return struct{}{}, eachOptFileAndHash(d, func(string, []byte) error { return nil })
			})
			return raw, err
		})
		if err != nil {
			return ManifestContent{}, err
		}
		mc.fileList = fileList

		return mc, nil
	})
}

// FileAndHash is one manifest entry: a file name relative to the
// publication point and the SHA-256 hash of its published content.
type FileAndHash struct {
	Name string
	Hash []byte
}

// Files returns every entry in the manifest's file list.
func (mc ManifestContent) Files() ([]FileAndHash, error) {
	var files []FileAndHash
	_, err := ber.Parse(mc.fileList, ber.ModeDER, func(d *ber.Decoder) (struct{}, error) {
		return struct{}{}, eachOptFileAndHash(d, func(name string, hash []byte) error {
			files = append(files, FileAndHash{Name: name, Hash: hash})
			return nil
		})
	})
	if err != nil {
		return nil, rpkierr.New(rpkierr.KindDecode, err)
	}
	return files, nil
}

func eachOptFileAndHash(d *ber.Decoder, f func(name string, hash []byte) error) error {
	for {
		entry, err := ber.OptSequence(d, func(d *ber.Decoder) (FileAndHash, error) {
			name, err := ber.PrimitiveIf(d, ber.TagIA5String, func(v []byte) (string, error) {
				if !isASCII(v) || len(v) == 0 {
					return "", ber.ErrMalformed
				}
				return string(v), nil
			})
			if err != nil {
				return FileAndHash{}, err
			}
			bs, err := ber.TakeBitString(d)
			if err != nil {
				return FileAndHash{}, err
			}
			if bs.Unused != 0 || len(bs.Bytes) != 32 {
				return FileAndHash{}, ber.ErrMalformed
			}
			return FileAndHash{Name: name, Hash: bs.Bytes}, nil
		})
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if err := f(entry.Name, entry.Hash); err != nil {
			return err
		}
	}
}

// Cert returns the manifest's embedded EE certificate.
func (m *Manifest) Cert() *Cert { return m.signed.Cert() }

// Content returns the manifest's decoded content.
func (m *Manifest) Content() ManifestContent { return m.content }

// Validate checks the manifest's signature and EE certificate against
// issuer, returning the resolved EE resource certificate.
func (m *Manifest) Validate(issuer *ResourceCert) (*ResourceCert, error) {
	return m.signed.Validate(issuer, ValidateEE)
}
