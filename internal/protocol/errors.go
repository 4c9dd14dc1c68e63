package protocol

import "errors"

var (
	ErrInvalidMagic     = errors.New("protocol: invalid magic")
	ErrPayloadTooLarge  = errors.New("protocol: payload too large")
	ErrEmptyPayload     = errors.New("protocol: empty payload")
	ErrTruncated        = errors.New("protocol: truncated data")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
)
