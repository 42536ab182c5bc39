package collector

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/cuemby/rpkid/pkg/uri"
	"github.com/google/uuid"
)

// notificationFile is the parsed root of an RRDP notification document.
type notificationFile struct {
	SessionID   uuid.UUID
	Serial      uint64
	SnapshotURI uri.URI
	SnapshotHash [32]byte
	Deltas      []deltaRef // ascending by Serial
}

type deltaRef struct {
	Serial uint64
	URI    uri.URI
	Hash   [32]byte
}

// publishedObject is one <publish> element: HasHash is true for delta
// publishes that name the object's prior hash (required for an update,
// forbidden for a fresh publish).
type publishedObject struct {
	URI     uri.URI
	Content []byte
	HasHash bool
	Hash    [32]byte
}

type withdrawnObject struct {
	URI  uri.URI
	Hash [32]byte
}

func attr(se xml.StartElement, name string) (string, bool) {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func parseHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("collector: invalid hash %q: %w", s, err)
	}
	if len(b) != 32 {
		return h, fmt.Errorf("collector: hash %q is not 32 bytes", s)
	}
	copy(h[:], b)
	return h, nil
}

// parseNotificationFile streams a notification document token by token
// rather than building a DOM.
func parseNotificationFile(r io.Reader) (*notificationFile, error) {
	dec := xml.NewDecoder(r)
	nf := &notificationFile{}
	sawRoot := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("collector: parsing notification: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "notification":
			sawRoot = true
			sid, ok := attr(se, "session_id")
			if !ok {
				return nil, fmt.Errorf("collector: notification missing session_id")
			}
			id, err := uuid.Parse(sid)
			if err != nil {
				return nil, fmt.Errorf("collector: notification session_id: %w", err)
			}
			nf.SessionID = id
			serial, ok := attr(se, "serial")
			if !ok {
				return nil, fmt.Errorf("collector: notification missing serial")
			}
			n, err := strconv.ParseUint(serial, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("collector: notification serial: %w", err)
			}
			nf.Serial = n
		case "snapshot":
			u, h, err := parseURIHash(se, true)
			if err != nil {
				return nil, err
			}
			nf.SnapshotURI = u
			nf.SnapshotHash = h
		case "delta":
			u, h, err := parseURIHash(se, true)
			if err != nil {
				return nil, err
			}
			serial, ok := attr(se, "serial")
			if !ok {
				return nil, fmt.Errorf("collector: delta missing serial")
			}
			n, err := strconv.ParseUint(serial, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("collector: delta serial: %w", err)
			}
			nf.Deltas = append(nf.Deltas, deltaRef{Serial: n, URI: u, Hash: h})
		}
	}
	if !sawRoot {
		return nil, fmt.Errorf("collector: no <notification> root element")
	}
	sort.Slice(nf.Deltas, func(i, j int) bool { return nf.Deltas[i].Serial < nf.Deltas[j].Serial })
	return nf, nil
}

func parseURIHash(se xml.StartElement, hashRequired bool) (uri.URI, [32]byte, error) {
	raw, ok := attr(se, "uri")
	if !ok {
		return uri.URI{}, [32]byte{}, fmt.Errorf("collector: <%s> missing uri", se.Name.Local)
	}
	u, err := uri.Parse(raw)
	if err != nil {
		return uri.URI{}, [32]byte{}, fmt.Errorf("collector: <%s> uri: %w", se.Name.Local, err)
	}
	hs, ok := attr(se, "hash")
	if !ok {
		if hashRequired {
			return uri.URI{}, [32]byte{}, fmt.Errorf("collector: <%s> missing hash", se.Name.Local)
		}
		return u, [32]byte{}, nil
	}
	h, err := parseHash(hs)
	return u, h, err
}

// parseSnapshot streams a snapshot document, decoding each <publish>
// element's base64 text content.
func parseSnapshot(r io.Reader) ([]publishedObject, error) {
	dec := xml.NewDecoder(r)
	var objs []publishedObject

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("collector: parsing snapshot: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "publish" {
			continue
		}
		raw, ok := attr(se, "uri")
		if !ok {
			return nil, fmt.Errorf("collector: snapshot <publish> missing uri")
		}
		u, err := uri.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("collector: snapshot <publish> uri: %w", err)
		}
		content, err := readBase64Element(dec, se.Name)
		if err != nil {
			return nil, err
		}
		objs = append(objs, publishedObject{URI: u, Content: content})
	}
	return objs, nil
}

// parseDelta streams a delta document, splitting its children into
// publishes (each optionally carrying the prior hash, required for an
// update and forbidden for a fresh publish) and withdraws.
func parseDelta(r io.Reader) ([]publishedObject, []withdrawnObject, error) {
	dec := xml.NewDecoder(r)
	var publishes []publishedObject
	var withdraws []withdrawnObject

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("collector: parsing delta: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "publish":
			raw, ok := attr(se, "uri")
			if !ok {
				return nil, nil, fmt.Errorf("collector: delta <publish> missing uri")
			}
			u, err := uri.Parse(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("collector: delta <publish> uri: %w", err)
			}
			var hasHash bool
			var hash [32]byte
			if hs, ok := attr(se, "hash"); ok {
				hasHash = true
				if hash, err = parseHash(hs); err != nil {
					return nil, nil, err
				}
			}
			content, err := readBase64Element(dec, se.Name)
			if err != nil {
				return nil, nil, err
			}
			publishes = append(publishes, publishedObject{URI: u, Content: content, HasHash: hasHash, Hash: hash})
		case "withdraw":
			u, h, err := parseURIHash(se, true)
			if err != nil {
				return nil, nil, err
			}
			withdraws = append(withdraws, withdrawnObject{URI: u, Hash: h})
		}
	}
	return publishes, withdraws, nil
}

// readBase64Element accumulates character data up to the matching end
// element named name and base64-decodes it.
func readBase64Element(dec *xml.Decoder, name xml.Name) ([]byte, error) {
	var text []byte
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("collector: reading <%s>: %w", name.Local, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			text = append(text, t...)
		case xml.EndElement:
			if t.Name.Local == name.Local {
				content, err := base64.StdEncoding.DecodeString(string(text))
				if err != nil {
					return nil, fmt.Errorf("collector: <%s> content: %w", name.Local, err)
				}
				return content, nil
			}
		}
	}
}
