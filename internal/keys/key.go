package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Algorithm names a signature scheme.
type Algorithm string

const (
	Ed25519    Algorithm = "ed25519"
	Dilithium3 Algorithm = "dilithium3"
)

// ParseAlgorithm validates an algorithm name. Empty means Ed25519.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", Ed25519:
		return Ed25519, nil
	case Dilithium3:
		return Dilithium3, nil
	}
	return "", fmt.Errorf("unsupported signature algorithm %q", s)
}

// PublicKey is a verification key bound to the identity that owns it.
type PublicKey struct {
	ID        string
	Algorithm Algorithm
	Key       []byte
	OwnerID   string
	CreatedAt time.Time

	// RetiredAt is set when the key was rotated out. Retired keys still
	// verify historical signatures but never sign.
	RetiredAt time.Time
}

// Encoded returns the key as "<alg>:<base64>".
func (p PublicKey) Encoded() string {
	return string(p.Algorithm) + ":" + base64.StdEncoding.EncodeToString(p.Key)
}

// Retired reports whether the key was rotated out.
func (p PublicKey) Retired() bool {
	return !p.RetiredAt.IsZero()
}

// ParsePublicKey decodes an "<alg>:<base64>" key and binds it to ownerID.
func ParsePublicKey(ownerID, encoded string) (PublicKey, error) {
	algName, enc, ok := strings.Cut(encoded, ":")
	if !ok {
		return PublicKey{}, fmt.Errorf("invalid public key encoding")
	}
	alg, err := ParseAlgorithm(algName)
	if err != nil {
		return PublicKey{}, err
	}
	raw, err := decodeBase64(enc)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid public key base64: %w", err)
	}
	if err := checkPublicKey(alg, raw); err != nil {
		return PublicKey{}, err
	}
	id, err := KeyID(raw)
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{ID: id, Algorithm: alg, Key: raw, OwnerID: ownerID}, nil
}

// KeyID derives the CIDv1 (raw + sha2-256) of the public key bytes.
func KeyID(pub []byte) (string, error) {
	sum, err := multihash.Sum(pub, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("key id: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// CheckKeyID reports whether id is the CID of pub.
func CheckKeyID(id string, pub []byte) error {
	c, err := cid.Decode(id)
	if err != nil {
		return fmt.Errorf("invalid key id %q: %w", id, err)
	}
	want, err := KeyID(pub)
	if err != nil {
		return err
	}
	if c.String() != want {
		return fmt.Errorf("key id %s does not match public key", id)
	}
	return nil
}

func checkPublicKey(alg Algorithm, raw []byte) error {
	switch alg {
	case Ed25519:
		if len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("invalid ed25519 public key length %d", len(raw))
		}
	case Dilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(raw); err != nil {
			return fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
	default:
		return fmt.Errorf("unsupported signature algorithm %q", alg)
	}
	return nil
}

// verifyRaw checks sig over msg with a public key of the given algorithm.
func verifyRaw(alg Algorithm, pub, msg, sig []byte) (bool, error) {
	switch alg {
	case Ed25519:
		if len(pub) != ed25519.PublicKeySize {
			return false, fmt.Errorf("invalid ed25519 public key length %d", len(pub))
		}
		if len(sig) != ed25519.SignatureSize {
			return false, nil
		}
		return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
	case Dilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return false, fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
		if len(sig) != mode3.SignatureSize {
			return false, nil
		}
		return mode3.Verify(&pk, msg, sig), nil
	}
	return false, fmt.Errorf("unsupported signature algorithm %q", alg)
}

// splitSignature parses "<alg>:<base64>".
func splitSignature(sig string) (Algorithm, []byte, error) {
	algName, enc, ok := strings.Cut(sig, ":")
	if !ok {
		return "", nil, fmt.Errorf("invalid signature encoding")
	}
	alg, err := ParseAlgorithm(algName)
	if err != nil || algName == "" {
		return "", nil, fmt.Errorf("unsupported signature algorithm %q", algName)
	}
	raw, err := decodeBase64(enc)
	if err != nil {
		return "", nil, fmt.Errorf("invalid signature base64: %w", err)
	}
	return alg, raw, nil
}

func encodeSignature(alg Algorithm, raw []byte) string {
	return string(alg) + ":" + base64.StdEncoding.EncodeToString(raw)
}

func decodeBase64(s string) ([]byte, error) {
	// Prefer standard padded encoding, but accept raw encoding too.
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
