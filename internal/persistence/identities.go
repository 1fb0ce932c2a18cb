package persistence

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/identity"
)

// NodeRecord is a row in the nodes table.
type NodeRecord struct {
	UUID       uuid.UUID       `json:"uuid"`
	TeamID     identity.TeamID `json:"team_id"`
	PublicKey  string          `json:"public_key"`
	Online     bool            `json:"online"`
	LastActive *time.Time      `json:"last_active,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

var (
	_ identity.Store    = (*Store)(nil)
	_ identity.Presence = (*Store)(nil)
)

func (s *Store) CreateTeam(ctx context.Context, name string) (identity.TeamID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("team name is required")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO teams (name) VALUES (?);`, name)
	if err != nil {
		return 0, fmt.Errorf("insert team: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("team id: %w", err)
	}
	return identity.TeamID(id), nil
}

// PutUser creates or re-keys a user. The key must be an RSA public key in PEM form.
func (s *Store) PutUser(ctx context.Context, id identity.UserID, publicKeyPEM string) error {
	if _, err := envelope.ParsePublicKeyPEM([]byte(publicKeyPEM)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, public_key) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET public_key = excluded.public_key;
	`, int64(id), publicKeyPEM)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *Store) AddMember(ctx context.Context, team identity.TeamID, user identity.UserID) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO team_members (team_id, user_id) VALUES (?, ?);`, int64(team), int64(user))
	if err != nil {
		return fmt.Errorf("insert team member: %w", err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, team identity.TeamID, user identity.UserID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM team_members WHERE team_id = ? AND user_id = ?;`, int64(team), int64(user))
	if err != nil {
		return fmt.Errorf("delete team member: %w", err)
	}
	return nil
}

// PutNode registers or re-keys a node under team.
func (s *Store) PutNode(ctx context.Context, node uuid.UUID, team identity.TeamID, publicKeyPEM string) error {
	if _, err := envelope.ParsePublicKeyPEM([]byte(publicKeyPEM)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (uuid, team_id, public_key) VALUES (?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET team_id = excluded.team_id, public_key = excluded.public_key;
	`, node.String(), int64(team), publicKeyPEM)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (s *Store) Node(ctx context.Context, node uuid.UUID) (NodeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, team_id, public_key, online, last_active, created_at
		FROM nodes WHERE uuid = ?;
	`, node.String())
	rec, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return NodeRecord{}, identity.ErrUnknownPrincipal
	}
	return rec, err
}

func (s *Store) ListNodes(ctx context.Context, team identity.TeamID) ([]NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, team_id, public_key, online, last_active, created_at
		FROM nodes WHERE team_id = ? ORDER BY created_at, uuid;
	`, int64(team))
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		rec, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanNode(scan func(dest ...any) error) (NodeRecord, error) {
	var (
		rec        NodeRecord
		rawUUID    string
		team       int64
		online     int
		lastActive sql.NullTime
	)
	if err := scan(&rawUUID, &team, &rec.PublicKey, &online, &lastActive, &rec.CreatedAt); err != nil {
		return rec, err
	}
	id, err := uuid.Parse(rawUUID)
	if err != nil {
		return rec, fmt.Errorf("parse node uuid %q: %w", rawUUID, err)
	}
	rec.UUID = id
	rec.TeamID = identity.TeamID(team)
	rec.Online = online != 0
	if lastActive.Valid {
		t := lastActive.Time
		rec.LastActive = &t
	}
	return rec, nil
}

func (s *Store) PublicKeyOf(ctx context.Context, p identity.Principal) (*rsa.PublicKey, error) {
	var (
		raw string
		err error
	)
	switch p.Role {
	case identity.RoleUser:
		err = s.db.QueryRowContext(ctx, `SELECT public_key FROM users WHERE id = ?;`, int64(p.UserID)).Scan(&raw)
	case identity.RoleNode:
		err = s.db.QueryRowContext(ctx, `SELECT public_key FROM nodes WHERE uuid = ?;`, p.NodeID.String()).Scan(&raw)
	default:
		return nil, identity.ErrUnknownPrincipal
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrUnknownPrincipal
	}
	if err != nil {
		return nil, fmt.Errorf("read public key of %s: %w", p, err)
	}
	return envelope.ParsePublicKeyPEM([]byte(raw))
}

func (s *Store) OwningTeamOf(ctx context.Context, node uuid.UUID) (identity.TeamID, error) {
	var team int64
	err := s.db.QueryRowContext(ctx, `SELECT team_id FROM nodes WHERE uuid = ?;`, node.String()).Scan(&team)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, identity.ErrUnknownPrincipal
	}
	if err != nil {
		return 0, fmt.Errorf("read owning team: %w", err)
	}
	return identity.TeamID(team), nil
}

func (s *Store) TeamsOf(ctx context.Context, user identity.UserID) ([]identity.TeamID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT team_id FROM team_members WHERE user_id = ? ORDER BY team_id;`, int64(user))
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []identity.TeamID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		teams = append(teams, identity.TeamID(id))
	}
	return teams, rows.Err()
}

func (s *Store) SetNodeOnline(ctx context.Context, node uuid.UUID, online bool, at time.Time) error {
	flag := 0
	if online {
		flag = 1
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE nodes SET online = ?, last_active = ? WHERE uuid = ?;`, flag, at.UTC(), node.String())
		return err
	})
}

func (s *Store) TouchNodes(ctx context.Context, nodes []uuid.UUID, at time.Time) error {
	if len(nodes) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		for _, n := range nodes {
			if _, err := tx.ExecContext(ctx, `UPDATE nodes SET last_active = ? WHERE uuid = ?;`, at.UTC(), n.String()); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// ResetPresence marks every node offline. Called on relay startup, when no
// daemon can be connected yet.
func (s *Store) ResetPresence(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET online = 0 WHERE online != 0;`)
	if err != nil {
		return 0, fmt.Errorf("reset presence: %w", err)
	}
	return res.RowsAffected()
}

// IdentityCounts is the number of rows in each identity table.
type IdentityCounts struct {
	Teams int `json:"teams"`
	Users int `json:"users"`
	Nodes int `json:"nodes"`
}

func (s *Store) Counts(ctx context.Context) (IdentityCounts, error) {
	var c IdentityCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM teams),
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM nodes);
	`).Scan(&c.Teams, &c.Users, &c.Nodes)
	if err != nil {
		return c, fmt.Errorf("count identities: %w", err)
	}
	return c, nil
}
