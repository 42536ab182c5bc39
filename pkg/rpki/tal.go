package rpki

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/rpkid/pkg/uri"
)

// TAL is a parsed Trust Anchor Locator: the set of URIs the collector
// may fetch the trust anchor certificate from, in preference order, and
// the public key the fetched certificate must carry.
type TAL struct {
	Name string
	URIs []uri.URI
	Key  []byte // DER-encoded SubjectPublicKeyInfo
}

// ParseTAL reads a TAL file: optional comment lines starting with "#",
// one or more URI lines (rsync or https, one per line), a blank line,
// then base64-encoded DER of the trust anchor's SubjectPublicKeyInfo.
// name identifies the TAL for logging and payload attribution; it is
// not part of the file itself.
func ParseTAL(name string, r io.Reader) (*TAL, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var uris []uri.URI
	var keyLines []string
	sawBlank := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !sawBlank {
			if line == "" {
				if len(uris) == 0 {
					return nil, fmt.Errorf("rpki: TAL %s has no URIs before the blank line", name)
				}
				sawBlank = true
				continue
			}
			if strings.HasPrefix(line, "#") {
				continue
			}
			u, err := uri.Parse(line)
			if err != nil {
				return nil, fmt.Errorf("rpki: TAL %s: %w", name, err)
			}
			uris = append(uris, u)
			continue
		}
		if line == "" {
			continue
		}
		keyLines = append(keyLines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("rpki: TAL %s: %w", name, err)
	}
	if !sawBlank {
		return nil, fmt.Errorf("rpki: TAL %s is missing the blank line before its key", name)
	}
	if len(keyLines) == 0 {
		return nil, fmt.Errorf("rpki: TAL %s has no key material", name)
	}

	key, err := base64.StdEncoding.DecodeString(strings.Join(keyLines, ""))
	if err != nil {
		return nil, fmt.Errorf("rpki: TAL %s: invalid base64 key: %w", name, err)
	}

	return &TAL{Name: name, URIs: sortURIsHTTPSFirst(uris), Key: key}, nil
}

// sortURIsHTTPSFirst reorders uris so that any https:// URIs precede
// rsync:// ones, preserving relative order within each group: "the
// validator prefers https URIs if present".
func sortURIsHTTPSFirst(uris []uri.URI) []uri.URI {
	out := make([]uri.URI, 0, len(uris))
	for _, u := range uris {
		if u.Scheme() == uri.SchemeHTTPS {
			out = append(out, u)
		}
	}
	for _, u := range uris {
		if u.Scheme() != uri.SchemeHTTPS {
			out = append(out, u)
		}
	}
	return out
}

// MatchesKey reports whether a fetched TA certificate's subject public
// key info matches the key this TAL names, per RFC 7730 section 3 step 1.
func (t *TAL) MatchesKey(cert *Cert) bool {
	return bytesEqual(t.Key, cert.spki.RawDER())
}
