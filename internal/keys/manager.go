package keys

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/domain"
)

const (
	servicePrefix = "herdtrail/"
	keyringUser   = "signing-key"
)

// Options configures a Manager.
type Options struct {
	// DeviceID scopes the secret service entry. Required.
	DeviceID string

	// OwnerID is the identity the device signs for. Required.
	OwnerID string

	// Algorithm for the key generated on first use. Default Ed25519.
	Algorithm Algorithm

	Directory Directory
	Clock     domain.Clock
	Logger    *slog.Logger
}

// Manager signs with the device key and verifies against the key directory.
//
// Thread-safety: Manager is safe for concurrent use.
type Manager struct {
	deviceID string
	ownerID  string
	alg      Algorithm
	dir      Directory
	clock    domain.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	active *signer
}

// storedKey is the secret service record. Only the seed is secret.
type storedKey struct {
	Algorithm Algorithm `json:"alg"`
	KeyID     string    `json:"key_id"`
	Seed      string    `json:"seed"`
}

// NewManager creates a Manager. The key is loaded (or generated) lazily on
// first use so that opening a store never touches the secret service.
func NewManager(opts Options) (*Manager, error) {
	if opts.DeviceID == "" || opts.OwnerID == "" {
		return nil, fmt.Errorf("keys: device id and owner id are required")
	}
	if opts.Algorithm == "" {
		opts.Algorithm = Ed25519
	}
	if opts.Directory == nil {
		opts.Directory = NewMemoryDirectory()
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		deviceID: opts.DeviceID,
		ownerID:  opts.OwnerID,
		alg:      opts.Algorithm,
		dir:      opts.Directory,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}, nil
}

// OwnerID returns the identity the device signs for.
func (m *Manager) OwnerID() string {
	return m.ownerID
}

func (m *Manager) service() string {
	return servicePrefix + m.deviceID
}

// load returns the active signer, generating and storing a key on first use.
// Any secret service failure other than "not found" is ErrKeyUnavailable.
func (m *Manager) load(ctx context.Context) (*signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return m.active, nil
	}

	raw, err := keyring.Get(m.service(), keyringUser)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		s, err := m.generate(ctx, m.alg)
		if err != nil {
			return nil, err
		}
		m.active = s
		return s, nil
	case err != nil:
		m.logger.Error("signing key unavailable", "device_id", m.deviceID, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyUnavailable, err)
	}

	var sk storedKey
	if err := json.Unmarshal([]byte(raw), &sk); err != nil {
		return nil, fmt.Errorf("%w: malformed key record: %v", domain.ErrKeyUnavailable, err)
	}
	seed, err := base64.StdEncoding.DecodeString(sk.Seed)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed key seed: %v", domain.ErrKeyUnavailable, err)
	}
	s, err := newSigner(sk.Algorithm, seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyUnavailable, err)
	}
	if s.pub.ID != sk.KeyID {
		return nil, fmt.Errorf("%w: key record id mismatch", domain.ErrKeyUnavailable)
	}
	s.pub.OwnerID = m.ownerID
	if _, err := m.dir.Key(ctx, s.pub.ID); errors.Is(err, ErrUnknownKey) {
		s.pub.CreatedAt = m.clock.Now()
		if err := m.dir.PutKey(ctx, s.pub); err != nil {
			return nil, fmt.Errorf("register device key: %w", err)
		}
	}
	m.active = s
	return s, nil
}

// generate creates a key, stores the seed and registers the public half.
// Caller holds m.mu.
func (m *Manager) generate(ctx context.Context, alg Algorithm) (*signer, error) {
	seed, err := newSeed()
	if err != nil {
		return nil, err
	}
	s, err := newSigner(alg, seed)
	if err != nil {
		return nil, err
	}
	s.pub.OwnerID = m.ownerID
	s.pub.CreatedAt = m.clock.Now()

	rec, err := json.Marshal(storedKey{
		Algorithm: alg,
		KeyID:     s.pub.ID,
		Seed:      base64.StdEncoding.EncodeToString(seed),
	})
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(m.service(), keyringUser, string(rec)); err != nil {
		return nil, fmt.Errorf("%w: store key: %v", domain.ErrKeyUnavailable, err)
	}
	if err := m.dir.PutKey(ctx, s.pub); err != nil {
		return nil, fmt.Errorf("register device key: %w", err)
	}
	m.logger.Info("generated device key", "device_id", m.deviceID, "key_id", s.pub.ID, "alg", alg)
	return s, nil
}

// Ready loads or generates the active key. Callers that sign inside a
// store transaction call it first: loading may read the key directory,
// which shares the store's single connection.
func (m *Manager) Ready(ctx context.Context) error {
	_, err := m.load(ctx)
	return err
}

// Sign signs payload with the active key and returns the encoded signature
// and the key id. Payload is normally the output of canon.Message.
func (m *Manager) Sign(ctx context.Context, payload []byte) (sig, keyID string, err error) {
	s, err := m.load(ctx)
	if err != nil {
		return "", "", err
	}
	return encodeSignature(s.pub.Algorithm, s.sign(payload)), s.pub.ID, nil
}

// SignObject signs the domain-separated digest of obj.
func (m *Manager) SignObject(ctx context.Context, domainTag string, obj canon.Object) (sig, keyID string, err error) {
	msg, err := canon.Message(domainTag, obj)
	if err != nil {
		return "", "", err
	}
	return m.Sign(ctx, msg)
}

// Verify checks sig over payload against the key keyID. A well-formed but
// wrong signature is (false, nil); an unknown key or malformed signature is
// an error.
func (m *Manager) Verify(ctx context.Context, payload []byte, sig, keyID string) (bool, error) {
	key, err := m.dir.Key(ctx, keyID)
	if err != nil {
		return false, fmt.Errorf("verify with %s: %w", keyID, err)
	}
	alg, raw, err := splitSignature(sig)
	if err != nil {
		return false, err
	}
	if alg != key.Algorithm {
		return false, fmt.Errorf("signature algorithm %s does not match key algorithm %s", alg, key.Algorithm)
	}
	return verifyRaw(alg, key.Key, payload, raw)
}

// VerifyObject checks sig over the domain-separated digest of obj.
func (m *Manager) VerifyObject(ctx context.Context, domainTag string, obj canon.Object, sig, keyID string) (bool, error) {
	msg, err := canon.Message(domainTag, obj)
	if err != nil {
		return false, err
	}
	return m.Verify(ctx, msg, sig, keyID)
}

// Lookup returns a public key from the directory.
func (m *Manager) Lookup(ctx context.Context, keyID string) (PublicKey, error) {
	return m.dir.Key(ctx, keyID)
}

// Export returns the active public key, generating it if needed. This is
// what a party hands to peers so they can Trust it.
func (m *Manager) Export(ctx context.Context) (PublicKey, error) {
	s, err := m.load(ctx)
	if err != nil {
		return PublicKey{}, err
	}
	return s.pub, nil
}

// Trust records a peer's public key. The key id must be the CID of the key
// bytes, and a key already bound to a different owner cannot be rebound.
func (m *Manager) Trust(ctx context.Context, key PublicKey) error {
	if key.OwnerID == "" {
		return fmt.Errorf("trust key: owner id is required")
	}
	if err := checkPublicKey(key.Algorithm, key.Key); err != nil {
		return fmt.Errorf("trust key: %w", err)
	}
	if err := CheckKeyID(key.ID, key.Key); err != nil {
		return fmt.Errorf("trust key: %w", err)
	}
	existing, err := m.dir.Key(ctx, key.ID)
	switch {
	case err == nil:
		if existing.OwnerID != key.OwnerID {
			return fmt.Errorf("trust key: %s is already bound to %s", key.ID, existing.OwnerID)
		}
		return nil
	case !errors.Is(err, ErrUnknownKey):
		return fmt.Errorf("trust key: %w", err)
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = m.clock.Now()
	}
	if err := m.dir.PutKey(ctx, key); err != nil {
		return fmt.Errorf("trust key: %w", err)
	}
	m.logger.Info("trusted peer key", "owner_id", key.OwnerID, "key_id", key.ID)
	return nil
}

// Rotate replaces the active key with a new one of alg. The old public key
// stays in the directory, marked retired, so its signatures still verify.
func (m *Manager) Rotate(ctx context.Context, alg Algorithm) (PublicKey, error) {
	if alg == "" {
		alg = m.alg
	}
	prev, err := m.load(ctx)
	if err != nil {
		return PublicKey{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.generate(ctx, alg)
	if err != nil {
		return PublicKey{}, err
	}
	retired := prev.pub
	retired.RetiredAt = m.clock.Now()
	if err := m.dir.PutKey(ctx, retired); err != nil {
		return PublicKey{}, fmt.Errorf("retire key %s: %w", retired.ID, err)
	}
	m.active = next
	m.logger.Info("rotated device key", "device_id", m.deviceID, "old_key_id", retired.ID, "key_id", next.pub.ID)
	return next.pub, nil
}
