package types

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// RelayIdentity is the stable secret seed and derived name owned by the
// Router for one service. Rotated wholesale on sustained rate-limiting.
type RelayIdentity struct {
	Seed      []byte    `json:"-"`
	SeedHex   string    `json:"seed"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	RotatedAt time.Time `json:"rotated_at,omitempty"`
}

// NewRelayIdentity derives a fresh 256-bit seed and a human-readable
// name for the given service.
func NewRelayIdentity(service string) (RelayIdentity, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return RelayIdentity{}, fmt.Errorf("generating relay seed: %w", err)
	}
	return RelayIdentity{
		Seed:      seed,
		SeedHex:   hex.EncodeToString(seed),
		Name:      derivedName(service, seed),
		CreatedAt: time.Now(),
	}, nil
}

// Rotate produces a replacement identity for the same service, stamping
// RotatedAt on the new identity for audit purposes.
func (id RelayIdentity) Rotate() (RelayIdentity, error) {
	next, err := NewRelayIdentity(serviceFromName(id.Name))
	if err != nil {
		return RelayIdentity{}, err
	}
	next.RotatedAt = time.Now()
	return next, nil
}

// derivedName builds a human-readable identity name from the service and
// a short prefix of its seed, e.g. "asr-9f21a3".
func derivedName(service string, seed []byte) string {
	return fmt.Sprintf("%s-%s", service, hex.EncodeToString(seed)[:6])
}

// serviceFromName recovers the service component of a derived name. Used
// only so Rotate can re-derive a name of the same shape; the router
// always knows the service directly and does not rely on this for
// anything load-bearing.
func serviceFromName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '-' {
			return name[:i]
		}
	}
	return name
}
