// Package identity resolves who is on the other end of a connection and
// what they are allowed to see. The relay only ever asks the questions in
// Store; where the answers live is up to the implementation.
package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownPrincipal    = errors.New("unknown principal")
	ErrAuthorizationDenied = errors.New("authorization denied")
)

type UserID int64

type TeamID int64

// Role is the kind of principal.
type Role uint8

const (
	RoleUser Role = iota + 1
	RoleNode
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleNode:
		return "node"
	default:
		return "unknown"
	}
}

// Principal is an authenticated identity: a dashboard user or a daemon node.
type Principal struct {
	Role   Role
	UserID UserID
	NodeID uuid.UUID
}

func User(id UserID) Principal { return Principal{Role: RoleUser, UserID: id} }

func Node(id uuid.UUID) Principal { return Principal{Role: RoleNode, NodeID: id} }

func (p Principal) String() string {
	switch p.Role {
	case RoleUser:
		return fmt.Sprintf("user:%d", p.UserID)
	case RoleNode:
		return "node:" + p.NodeID.String()
	default:
		return "unknown"
	}
}

// Store answers identity questions on behalf of the relay.
type Store interface {
	// PublicKeyOf returns the principal's public key, or ErrUnknownPrincipal.
	PublicKeyOf(ctx context.Context, p Principal) (*rsa.PublicKey, error)
	// OwningTeamOf returns the team that owns a node, or ErrUnknownPrincipal.
	OwningTeamOf(ctx context.Context, node uuid.UUID) (TeamID, error)
	// TeamsOf lists every team the user is a member of.
	TeamsOf(ctx context.Context, user UserID) ([]TeamID, error)
}

// Presence records node liveness. Implementations must be safe for concurrent use.
type Presence interface {
	SetNodeOnline(ctx context.Context, node uuid.UUID, online bool, at time.Time) error
	TouchNodes(ctx context.Context, nodes []uuid.UUID, at time.Time) error
}

// Authorize returns the subset of nodes the user may observe, in input order
// and without duplicates. Nodes that are unknown or owned by another team are
// dropped rather than reported.
func Authorize(ctx context.Context, s Store, user UserID, nodes []uuid.UUID) ([]uuid.UUID, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	teams, err := s.TeamsOf(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("teams of user %d: %w", user, err)
	}
	member := make(map[TeamID]struct{}, len(teams))
	for _, t := range teams {
		member[t] = struct{}{}
	}

	seen := make(map[uuid.UUID]struct{}, len(nodes))
	allowed := make([]uuid.UUID, 0, len(nodes))
	for _, n := range nodes {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		team, err := s.OwningTeamOf(ctx, n)
		if errors.Is(err, ErrUnknownPrincipal) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("owning team of %s: %w", n, err)
		}
		if _, ok := member[team]; ok {
			allowed = append(allowed, n)
		}
	}
	return allowed, nil
}

// CanObserve reports whether user may observe node. It returns
// ErrAuthorizationDenied when the node is unknown or foreign.
func CanObserve(ctx context.Context, s Store, user UserID, node uuid.UUID) error {
	allowed, err := Authorize(ctx, s, user, []uuid.UUID{node})
	if err != nil {
		return err
	}
	if len(allowed) == 0 {
		return ErrAuthorizationDenied
	}
	return nil
}
