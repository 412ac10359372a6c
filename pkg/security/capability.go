// Package security implements NoodleNet's zero-trust layer: capability
// tokens, their issuance and verification, revocation, the decision audit
// log and the encrypted channel established between peers.
//
// A capability is a compact JWT signed with the issuer's ed25519 node key.
// Only the local root authority or a trusted issuer can mint root
// capabilities; anyone else must present a delegation proof, which is the
// parent capability granting them the `delegate` operation.
package security

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/raskyld/noodlenet/pkg/mesh"
)

// OpDelegate allows the subject to issue sub-capabilities on the resource.
const OpDelegate = "delegate"

const DefaultMaxDelegationDepth = 4

func init() {
	// Capability expiries keep millisecond precision.
	jwt.TimePrecision = time.Millisecond
}

var (
	ErrAuthorizationDenied = errors.New("security: authorization denied")

	ErrExpired            = errors.New("security: capability expired")
	ErrRevoked            = errors.New("security: capability revoked")
	ErrBadSignature       = errors.New("security: invalid capability signature")
	ErrMalformedToken     = errors.New("security: malformed capability")
	ErrUnknownIssuer      = errors.New("security: unknown issuer")
	ErrUntrustedIssuer    = errors.New("security: issuer is not a root authority")
	ErrResourceMismatch   = errors.New("security: resource not covered")
	ErrOperationForbidden = errors.New("security: operation not allowed")
	ErrSubjectMismatch    = errors.New("security: capability held by another node")
	ErrDelegation         = errors.New("security: invalid delegation")
	ErrDelegationDepth    = errors.New("security: delegation chain too deep")
	ErrInvalidRequest     = errors.New("security: invalid capability request")
	ErrNotIssuer          = errors.New("security: only the issuer can revoke")
	ErrGrantRefused       = errors.New("security: capability grant refused")
)

// Capability is an immutable, scoped, time-bounded grant.
type Capability struct {
	ID         string
	Subject    mesh.NodeID
	Issuer     mesh.NodeID
	Resource   string
	Operations []string
	IssuedAt   time.Time
	Expiry     time.Time

	// Parent is the delegation proof, nil for root capabilities.
	Parent *Capability

	// Token is the signed compact form presented on the wire.
	Token string
}

func (c *Capability) Allows(op string) bool {
	return slices.Contains(c.Operations, op)
}

func (c *Capability) ExpiredAt(now time.Time) bool {
	return !now.Before(c.Expiry)
}

// Depth is the number of delegations above this capability.
func (c *Capability) Depth() int {
	depth := 0
	for p := c.Parent; p != nil; p = p.Parent {
		depth++
	}
	return depth
}

func (c *Capability) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("subject", c.Subject.Short()),
		slog.String("issuer", c.Issuer.Short()),
		slog.String("resource", c.Resource),
		slog.Any("ops", c.Operations),
		slog.Time("expiry", c.Expiry),
	)
}

type claims struct {
	jwt.RegisteredClaims
	Resource   string   `json:"res"`
	Operations []string `json:"ops"`
	Parent     string   `json:"prf,omitempty"`
}

func denied(reason error) error {
	return fmt.Errorf("%w: %w", ErrAuthorizationDenied, reason)
}

// subset reports whether every element of child is in parent.
func subset(child, parent []string) bool {
	for _, op := range child {
		if !slices.Contains(parent, op) {
			return false
		}
	}
	return true
}
