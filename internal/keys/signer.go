package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// seedSize is the same for both schemes.
const seedSize = 32

// signer holds the unlocked private half of the active key.
type signer struct {
	pub  PublicKey
	sign func(msg []byte) []byte
}

// newSigner derives a keypair from seed.
func newSigner(alg Algorithm, seed []byte) (*signer, error) {
	if len(seed) != seedSize {
		return nil, fmt.Errorf("invalid key seed length %d", len(seed))
	}
	var (
		pub  []byte
		sign func([]byte) []byte
	)
	switch alg {
	case Ed25519:
		sk := ed25519.NewKeyFromSeed(seed)
		pub = sk.Public().(ed25519.PublicKey)
		sign = func(msg []byte) []byte { return ed25519.Sign(sk, msg) }
	case Dilithium3:
		var s [mode3.SeedSize]byte
		copy(s[:], seed)
		pk, sk := mode3.NewKeyFromSeed(&s)
		pub = pk.Bytes()
		sign = func(msg []byte) []byte {
			sig := make([]byte, mode3.SignatureSize)
			mode3.SignTo(sk, msg, sig)
			return sig
		}
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", alg)
	}
	id, err := KeyID(pub)
	if err != nil {
		return nil, err
	}
	return &signer{
		pub:  PublicKey{ID: id, Algorithm: alg, Key: pub},
		sign: sign,
	}, nil
}

func newSeed() ([]byte, error) {
	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate key seed: %w", err)
	}
	return seed, nil
}
