package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for signed and hashed payloads.
// The version suffix allows a future algorithm migration.
const (
	DomainTransfer = "herdtrail/transfer/v1"
	DomainEvidence = "herdtrail/evidence/v1"
	DomainMutation = "herdtrail/mutation/v1"
	DomainAsset    = "herdtrail/asset/v1"
)

// Message builds the byte string that is actually signed:
// SHA256(domain + 0x00 + canonical(obj)).
// The null separator prevents domain/data boundary ambiguity.
func Message(domain string, obj Object) ([]byte, error) {
	data, err := Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("canonical message %s: %w", domain, err)
	}
	return digest(domain, data), nil
}

// Digest returns the hex encoded domain-separated SHA-256 of obj.
func Digest(domain string, obj Object) (string, error) {
	msg, err := Message(domain, obj)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(msg), nil
}

func digest(domain string, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return h.Sum(nil)
}
