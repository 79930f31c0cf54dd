// Package keys manages the device signing identity and the directory of
// public keys used to verify signatures from any party.
//
// The private key never leaves the OS secret service: only its 32 byte seed
// is stored there (github.com/zalando/go-keyring) and the key is re-derived
// on load. Public keys are addressed by a CIDv1 (raw codec, sha2-256) of the
// key bytes, so a key id is self-certifying.
//
// Two algorithms are supported: ed25519 (default) and dilithium3. Signatures
// are encoded "<alg>:<base64>" and always cover the domain-separated digest
// produced by canon.Message.
package keys
