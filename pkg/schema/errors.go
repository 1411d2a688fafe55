package schema

import "errors"

// Schema/configuration errors (§7): raised synchronously by encoding
// or decoding a command, never by the wire parser.
var (
	ErrBadSchema          = errors.New("schema: bad schema")
	ErrArgMissing         = errors.New("schema: required argument missing")
	ErrPayloadOutOfRange  = errors.New("schema: payload length out of range")
	ErrHeaderSizeMismatch = errors.New("schema: header size mismatch")
	ErrPayloadTooShort    = errors.New("schema: payload too short")
)
