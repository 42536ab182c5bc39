// Package uri models the two URI schemes the validator cares about,
// rsync:// and https://, and the canonical byte-for-byte comparison
// RPKI object checks depend on. It deliberately does not reach for
// net/url: RPKI URIs are restricted to ASCII and must compare equal only
// after an explicit canonicalisation, not after whatever normalisation
// net/url.Parse happens to apply to an authority or query string that
// never appears in practice here.
package uri

import (
	"fmt"
	"strings"
)

// Scheme identifies which of the two supported URI schemes a URI uses.
type Scheme int

const (
	// SchemeRsync is rsync://authority/module/path.
	SchemeRsync Scheme = iota
	// SchemeHTTPS is https://authority/path.
	SchemeHTTPS
)

func (s Scheme) String() string {
	switch s {
	case SchemeRsync:
		return "rsync"
	case SchemeHTTPS:
		return "https"
	default:
		return "unknown"
	}
}

// URI is a canonicalised rsync:// or https:// URI.
type URI struct {
	scheme    Scheme
	authority string
	path      string // leading-slash-stripped path, e.g. "module/ca/cert.cer"
}

// Parse validates and canonicalises raw. It requires the URI be ASCII and
// carry one of the two supported schemes with a non-empty authority.
func Parse(raw string) (URI, error) {
	for i := 0; i < len(raw); i++ {
		if raw[i] > 0x7f {
			return URI{}, fmt.Errorf("uri: non-ASCII byte in %q", raw)
		}
	}

	var scheme Scheme
	var rest string
	switch {
	case strings.HasPrefix(raw, "rsync://"):
		scheme = SchemeRsync
		rest = raw[len("rsync://"):]
	case strings.HasPrefix(raw, "https://"):
		scheme = SchemeHTTPS
		rest = raw[len("https://"):]
	default:
		return URI{}, fmt.Errorf("uri: unsupported scheme in %q", raw)
	}

	slash := strings.IndexByte(rest, '/')
	var authority, path string
	if slash < 0 {
		authority = rest
		path = ""
	} else {
		authority = rest[:slash]
		path = rest[slash+1:]
	}
	if authority == "" {
		return URI{}, fmt.Errorf("uri: empty authority in %q", raw)
	}

	path = canonicalizePath(path)

	return URI{scheme: scheme, authority: strings.ToLower(authority), path: path}, nil
}

// canonicalizePath collapses "//" and resolves "." and ".." segments the
// way a publication point's relative filenames must be resolved against
// a manifest's caRepository URI.
func canonicalizePath(path string) string {
	segments := strings.Split(path, "/")
	out := segments[:0]
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	return strings.Join(out, "/")
}

// Scheme reports which scheme the URI uses.
func (u URI) Scheme() Scheme { return u.scheme }

// Authority returns the lower-cased host component.
func (u URI) Authority() string { return u.authority }

// Path returns the canonical path with no leading slash.
func (u URI) Path() string { return u.path }

// String renders the canonical textual form.
func (u URI) String() string {
	if u.path == "" {
		return fmt.Sprintf("%s://%s", u.scheme, u.authority)
	}
	return fmt.Sprintf("%s://%s/%s", u.scheme, u.authority, u.path)
}

// Equal compares two URIs byte-for-byte on their canonical form.
func (u URI) Equal(other URI) bool {
	return u.scheme == other.scheme && u.authority == other.authority && u.path == other.path
}

// Module identifies the rsync module a URI falls under: the authority
// plus the first path segment. Two rsync URIs under the same module are
// fetched with the same rsync invocation.
type Module struct {
	Authority string
	Name      string
}

func (m Module) String() string {
	return fmt.Sprintf("rsync://%s/%s", m.Authority, m.Name)
}

// Module decomposes an rsync:// URI into its module and the remaining
// path tail. It is an error to call this on a non-rsync URI.
func (u URI) Module() (Module, string, error) {
	if u.scheme != SchemeRsync {
		return Module{}, "", fmt.Errorf("uri: %s is not an rsync URI", u)
	}
	if u.path == "" {
		return Module{}, "", fmt.Errorf("uri: rsync URI %s has no module segment", u)
	}
	slash := strings.IndexByte(u.path, '/')
	if slash < 0 {
		return Module{Authority: u.authority, Name: u.path}, "", nil
	}
	return Module{Authority: u.authority, Name: u.path[:slash]}, u.path[slash+1:], nil
}

// RelativeTo reports the filename of u relative to dir, the inverse of
// Join: it is used to check a certificate's crldp or AIA URI names a
// file directly inside the CA's publication directory rather than
// somewhere else entirely. The second return is false if u does not in
// fact live under dir.
func (u URI) RelativeTo(dir URI) (string, bool) {
	if u.scheme != dir.scheme || u.authority != dir.authority {
		return "", false
	}
	if dir.path == "" {
		return u.path, u.path != ""
	}
	prefix := dir.path + "/"
	if !strings.HasPrefix(u.path, prefix) {
		return "", false
	}
	rel := u.path[len(prefix):]
	if rel == "" || strings.Contains(rel, "/") {
		return "", false
	}
	return rel, true
}

// Join resolves a relative filename (as found on a manifest) against the
// directory this URI names, the way a caRepository URI combines with a
// manifest's listed filenames.
func (u URI) Join(relative string) (URI, error) {
	if relative == "" {
		return URI{}, fmt.Errorf("uri: empty relative filename")
	}
	for i := 0; i < len(relative); i++ {
		if relative[i] > 0x7f {
			return URI{}, fmt.Errorf("uri: non-ASCII byte in filename %q", relative)
		}
	}
	joined := relative
	if u.path != "" {
		joined = u.path + "/" + relative
	}
	return URI{scheme: u.scheme, authority: u.authority, path: canonicalizePath(joined)}, nil
}
