// Package credential implements the fixed-capacity credential store
// (spec.md 4.B): it owns every private key, hands out lookups as
// non-owning handles, signs on a credential's behalf, and persists
// itself to a key/value file (spec.md 6).
package credential

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

// Capacity is the fixed number of credential slots the store holds
// (spec.md 3: "Fixed capacity N = 10 slots").
const Capacity = 10

const (
	maxRPIDLen      = 127
	maxUserIDLen    = 64
	maxUserNameLen  = 63
	credentialIDLen = 32
)

// ErrNoFreeSlot is returned by Create when every slot is occupied.
var ErrNoFreeSlot = errors.New("credential: no free slot")

// ErrInvalidCredential is returned by Sign when signing fails.
var ErrInvalidCredential = errors.New("credential: invalid credential")

// Credential is one record owned by a Store. The zero value represents a
// free slot (Valid == false).
type Credential struct {
	Valid            bool
	CredentialID     [credentialIDLen]byte
	PrivateKey       [32]byte
	PublicKeyX       [32]byte
	PublicKeyY       [32]byte
	RPID             string
	UserID           []byte
	UserName         string
	UserDisplayName  string
	SignCount        uint32
}

// wipe zeroes every byte of key material and metadata, per spec.md 4.B
// Reset's "wipe private-key bytes" requirement.
func (c *Credential) wipe() {
	for i := range c.PrivateKey {
		c.PrivateKey[i] = 0
	}
	for i := range c.PublicKeyX {
		c.PublicKeyX[i] = 0
	}
	for i := range c.PublicKeyY {
		c.PublicKeyY[i] = 0
	}
	for i := range c.CredentialID {
		c.CredentialID[i] = 0
	}
	for i := range c.UserID {
		c.UserID[i] = 0
	}
	c.RPID = ""
	c.UserName = ""
	c.UserDisplayName = ""
	c.SignCount = 0
	c.Valid = false
}

// privateKey reconstructs an *ecdsa.PrivateKey from the stored scalar.
func (c *Credential) privateKey() *ecdsa.PrivateKey {
	curve := elliptic.P256()
	key := new(ecdsa.PrivateKey)
	key.Curve = curve
	key.D = new(big.Int).SetBytes(c.PrivateKey[:])
	key.X = new(big.Int).SetBytes(c.PublicKeyX[:])
	key.Y = new(big.Int).SetBytes(c.PublicKeyY[:])
	return key
}

// Store is a fixed-capacity table of credentials, ordered by slot index
// rather than insertion time (spec.md 3).
type Store struct {
	slots [Capacity]Credential
}

// New returns an empty store.
func New() *Store { return &Store{} }

// Create generates a fresh credential_id and P-256 keypair, copies in the
// supplied metadata (truncated to field widths), and installs it in the
// first free slot by ascending index. userID is copied; rpID, userName
// and userDisplayName are truncated to the field widths in spec.md 3.
func (s *Store) Create(rpID string, userID []byte, userName, userDisplayName string) (*Credential, error) {
	idx := -1
	for i := range s.slots {
		if !s.slots[i].Valid {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrNoFreeSlot
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("credential: key generation failed: %w", err)
	}

	slot := &s.slots[idx]
	*slot = Credential{}
	if _, err := rand.Read(slot.CredentialID[:]); err != nil {
		return nil, fmt.Errorf("credential: random credential id failed: %w", err)
	}
	copyFixed(slot.PrivateKey[:], key.D.Bytes())
	copyFixed(slot.PublicKeyX[:], key.X.Bytes())
	copyFixed(slot.PublicKeyY[:], key.Y.Bytes())

	slot.RPID = truncate(rpID, maxRPIDLen)
	if len(userID) > maxUserIDLen {
		userID = userID[:maxUserIDLen]
	}
	slot.UserID = append([]byte(nil), userID...)
	slot.UserName = truncate(userName, maxUserNameLen)
	slot.UserDisplayName = truncate(userDisplayName, maxUserNameLen)
	slot.SignCount = 0
	slot.Valid = true

	return slot, nil
}

// copyFixed right-aligns src into a fixed-width big-endian destination,
// the way a P-256 scalar or coordinate that happens to produce fewer than
// 32 significant bytes must be zero-padded on the left.
func copyFixed(dst, src []byte) {
	if len(src) > len(dst) {
		src = src[len(src)-len(dst):]
	}
	copy(dst[len(dst)-len(src):], src)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// FindByRP returns the first valid credential whose RPID matches exactly,
// or nil if none matches.
func (s *Store) FindByRP(rpID string) *Credential {
	for i := range s.slots {
		if s.slots[i].Valid && s.slots[i].RPID == rpID {
			return &s.slots[i]
		}
	}
	return nil
}

// FindByID returns the valid credential whose credential_id matches id
// byte-for-byte, or nil if none matches (including when len(id) != 32).
func (s *Store) FindByID(id []byte) *Credential {
	if len(id) != credentialIDLen {
		return nil
	}
	for i := range s.slots {
		if s.slots[i].Valid && bytesEqual(s.slots[i].CredentialID[:], id) {
			return &s.slots[i]
		}
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Count returns the number of occupied slots.
func (s *Store) Count() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].Valid {
			n++
		}
	}
	return n
}

// Reset zeroes every slot, including key material, per spec.md 4.B.
func (s *Store) Reset() {
	for i := range s.slots {
		s.slots[i].wipe()
	}
}

type ecdsaSig struct {
	R, S *big.Int
}

// Sign computes SHA-256(message), signs it with cred's private key, and
// returns the DER encoding `30 len 02 rlen r 02 slen s` (spec.md 4.B).
// Sign never mutates SignCount itself: MakeCredential's attestation
// signature must not advance the assertion counter of a credential that
// was just created with SignCount 0 (spec.md 8 scenario 3/4 require
// exactly one increment total, produced by the single GetAssertion that
// follows). Callers that need the counter to advance call
// IncrementSignCount explicitly before signing; see ctap2.Engine's
// GetAssertion handler.
func (s *Store) Sign(cred *Credential, message []byte) ([]byte, error) {
	if cred == nil || !cred.Valid {
		return nil, ErrInvalidCredential
	}
	digest := sha256.Sum256(message)

	key := cred.privateKey()
	r, sVal, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	der, err := asn1.Marshal(ecdsaSig{R: r, S: sVal})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	return der, nil
}

// IncrementSignCount advances cred's signature counter by one and
// returns the new value. It is the only way SignCount changes after
// Create, keeping the monotonicity invariant (spec.md 8) entirely under
// the store's control.
func (s *Store) IncrementSignCount(cred *Credential) uint32 {
	cred.SignCount++
	return cred.SignCount
}
