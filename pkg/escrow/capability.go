// Package escrow holds plan stakes in locked balances and releases them against
// capabilities issued at lock time.
package escrow

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/stakeplan/pkg/plan"
)

const (
	capabilityIssuer   = "stakeplan/escrow"
	capabilityAudience = "escrow.release"

	// minSecretLen is the shortest master secret accepted for key derivation.
	minSecretLen = 16
)

// ErrInvalidCapability is returned when a release capability fails verification.
var ErrInvalidCapability = errors.New("escrow: invalid release capability")

// CapabilityClaims bind a release capability to exactly one plan's locked balance.
type CapabilityClaims struct {
	jwt.RegisteredClaims
	Owner  plan.Identity `json:"owner"`
	PlanID uint64        `json:"plan_id"`
	Asset  string        `json:"asset"`
}

// Key returns the plan key the capability is bound to.
func (c *CapabilityClaims) Key() plan.Key {
	return plan.Key{Owner: c.Owner, ID: c.PlanID}
}

// Issuer signs and verifies release capabilities. The HMAC key is derived from a
// master secret so the secret itself never signs anything.
type Issuer struct {
	key []byte
	now func() time.Time
}

// NewIssuer derives the capability signing key from secret with HKDF-SHA256.
func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("escrow: capability secret must be at least %d bytes", minSecretLen)
	}
	r := hkdf.New(sha256.New, secret, []byte("stakeplan-escrow-kdf"), []byte(capabilityAudience))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("escrow: HKDF derivation failed: %w", err)
	}
	return &Issuer{key: key, now: time.Now}, nil
}

// Issue returns a capability authorising release of the balance locked for key, along
// with its unique id. Vaults record the id so a capability only addresses the lock it
// was issued for.
func (i *Issuer) Issue(key plan.Key, asset string) (string, string, error) {
	claims := CapabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Subject:  key.String(),
			Issuer:   capabilityIssuer,
			Audience: jwt.ClaimStrings{capabilityAudience},
			IssuedAt: jwt.NewNumericDate(i.now().UTC()),
		},
		Owner:  key.Owner,
		PlanID: key.ID,
		Asset:  asset,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", "", fmt.Errorf("escrow: sign capability: %w", err)
	}
	return token, claims.ID, nil
}

// Verify checks the signature and binding of a capability and returns its claims.
func (i *Issuer) Verify(capability string) (*CapabilityClaims, error) {
	claims := &CapabilityClaims{}
	token, err := jwt.ParseWithClaims(capability, claims,
		func(*jwt.Token) (any, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(capabilityAudience),
		jwt.WithIssuer(capabilityIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapability, err)
	}
	if !token.Valid {
		return nil, ErrInvalidCapability
	}
	if claims.Subject != claims.Key().String() || claims.Owner == "" {
		return nil, fmt.Errorf("%w: subject does not match plan binding", ErrInvalidCapability)
	}
	return claims, nil
}

// lockID is the storage key of a plan's locked balance.
func lockID(key plan.Key) string {
	return string(key.Owner) + "/" + strconv.FormatUint(key.ID, 10)
}
