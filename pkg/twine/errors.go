package twine

import "errors"

// ErrVerification is returned when a block's signature does not validate, or
// its claimed CID does not match the hash of its own bytes.
var ErrVerification = errors.New("twine: verification failed")

// ErrMalformed is returned when raw bytes cannot be decoded as a Strand or
// Tixel, independent of signature validity.
var ErrMalformed = errors.New("twine: malformed block")

// ErrWrongCodec is returned when Decode is asked to interpret bytes tagged
// with a codec this package does not produce.
var ErrWrongCodec = errors.New("twine: unsupported codec")
