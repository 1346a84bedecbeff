package testutil

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"io"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// RandomBytes returns size random bytes.
func RandomBytes(size int) []byte {
	bytes := make([]byte, size)
	_, _ = crand.Read(bytes)
	return bytes
}

// RandomCID returns a random raw-codec sha2-256 CIDv1 over random bytes.
func RandomCID() cid.Cid {
	bytes := RandomBytes(32)
	c, err := cid.Prefix{
		Version:  1,
		Codec:    cid.Raw,
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}.Sum(bytes)
	if err != nil {
		panic(err)
	}
	return c
}

// RandomMultihash returns the multihash of a random CID.
func RandomMultihash() mh.Multihash {
	return RandomCID().Hash()
}

// RandomKeyPair generates a fresh ed25519 key pair for signing test blocks.
func RandomKeyPair() (ed25519.PublicKey, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		panic(err)
	}
	return pub, priv
}

// DrainReader reads r fully and panics on error, for use in test setup where
// an explicit error return would just clutter the call site.
func DrainReader(r io.Reader) []byte {
	data, err := io.ReadAll(r)
	if err != nil {
		panic(err)
	}
	return data
}
