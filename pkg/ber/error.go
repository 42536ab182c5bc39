package ber

import "errors"

// ErrMalformed means the input violates the ASN.1 encoding or the shape
// the caller demanded of it (wrong tag, truncated length, trailing
// bytes). Input that uses an unsupported encoding feature yields
// ErrUnimplemented instead.
var ErrMalformed = errors.New("ber: malformed encoding")

// ErrUnimplemented means the input uses a BER feature this decoder
// deliberately does not support: multi-byte tag numbers, length fields
// over the supported width. No valid RPKI object should ever need them;
// encountering one is itself grounds for rejecting the object.
var ErrUnimplemented = errors.New("ber: unimplemented encoding feature")
