package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Loco is one locomotive, keyed by its roster id.
type Loco struct {
	ID               int64  `json:"id"`
	RosterID         string `json:"roster_id"`
	Address          int    `json:"address"`
	DecoderType      string `json:"decoder_type,omitempty"`
	IsAudioReference bool   `json:"is_audio_reference"`
	IsConsist        bool   `json:"is_consist"`
	Notes            string `json:"notes,omitempty"`
	Created          string `json:"created"`
	Updated          string `json:"updated"`
}

// Member roles within a consist.
const (
	RoleSound  = "sound"
	RoleSilent = "silent"
	RoleMotor  = "motor"
)

// ConsistMember is one decoder of a multi-unit locomotive.
type ConsistMember struct {
	ID             int64  `json:"id"`
	MemberRosterID string `json:"member_roster_id,omitempty"`
	MemberAddress  int    `json:"member_address"`
	Role           string `json:"role"`
	Position       int    `json:"position"`
	Notes          string `json:"notes,omitempty"`
}

const locoColumns = `id, roster_id, address, decoder_type, is_audio_reference, is_consist, notes, created, updated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoco(r rowScanner) (Loco, error) {
	var (
		l       Loco
		decoder sql.NullString
		notes   sql.NullString
		ref     sql.NullBool
		consist sql.NullBool
	)
	err := r.Scan(&l.ID, &l.RosterID, &l.Address, &decoder, &ref, &consist, &notes, &l.Created, &l.Updated)
	if err != nil {
		return Loco{}, err
	}
	l.DecoderType = decoder.String
	l.Notes = notes.String
	l.IsAudioReference = ref.Bool
	l.IsConsist = consist.Bool
	return l, nil
}

// UpsertLoco returns the id of the loco with rosterID, creating it if
// needed. Address is always refreshed; decoderType only when non-empty.
func (s *Store) UpsertLoco(ctx context.Context, rosterID string, address int, decoderType string) (int64, error) {
	var id int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.upsertLoco(ctx, tx, rosterID, address, decoderType)
		return err
	})
	return id, err
}

func (s *Store) upsertLoco(ctx context.Context, q querier, rosterID string, address int, decoderType string) (int64, error) {
	now := s.timestamp()
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM locos WHERE roster_id = ?`, rosterID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var res sql.Result
		res, err = q.ExecContext(ctx,
			`INSERT INTO locos (roster_id, address, decoder_type, created, updated) VALUES (?, ?, ?, ?, ?)`,
			rosterID, address, nullString(decoderType), now, now)
		if err == nil {
			id, err = res.LastInsertId()
		}
	case err != nil:
	case decoderType != "":
		_, err = q.ExecContext(ctx,
			`UPDATE locos SET address = ?, decoder_type = ?, updated = ? WHERE id = ?`,
			address, decoderType, now, id)
	default:
		_, err = q.ExecContext(ctx,
			`UPDATE locos SET address = ?, updated = ? WHERE id = ?`,
			address, now, id)
	}
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "upsert loco %q", rosterID)
	}
	return id, nil
}

func (s *Store) Loco(ctx context.Context, rosterID string) (Loco, error) {
	l, err := scanLoco(s.db.QueryRowContext(ctx,
		`SELECT `+locoColumns+` FROM locos WHERE roster_id = ?`, rosterID))
	if errors.Is(err, sql.ErrNoRows) {
		return Loco{}, fmt.Errorf("%w: loco %q", ErrNotFound, rosterID)
	}
	if err != nil {
		return Loco{}, pkgerrors.Wrapf(err, "get loco %q", rosterID)
	}
	return l, nil
}

// Locos lists all locos by roster id.
func (s *Store) Locos(ctx context.Context) ([]Loco, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+locoColumns+` FROM locos ORDER BY roster_id`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list locos")
	}
	defer rows.Close()

	var out []Loco
	for rows.Next() {
		l, err := scanLoco(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scan loco")
		}
		out = append(out, l)
	}
	return out, pkgerrors.Wrap(rows.Err(), "list locos")
}

// SetAudioReference makes rosterID the single fleet audio reference.
func (s *Store) SetAudioReference(ctx context.Context, rosterID string) error {
	now := s.timestamp()
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE locos SET is_audio_reference = 0, updated = ? WHERE is_audio_reference = 1`, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE locos SET is_audio_reference = 1, updated = ? WHERE roster_id = ?`, now, rosterID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: loco %q", ErrNotFound, rosterID)
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return pkgerrors.Wrapf(err, "set audio reference %q", rosterID)
}

// AudioReference returns the fleet audio reference loco.
func (s *Store) AudioReference(ctx context.Context) (Loco, error) {
	l, err := scanLoco(s.db.QueryRowContext(ctx,
		`SELECT `+locoColumns+` FROM locos WHERE is_audio_reference = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return Loco{}, fmt.Errorf("%w: no audio reference", ErrNotFound)
	}
	if err != nil {
		return Loco{}, pkgerrors.Wrap(err, "get audio reference")
	}
	return l, nil
}

// SetConsist marks rosterID as a consist and replaces its members.
func (s *Store) SetConsist(ctx context.Context, rosterID string, members []ConsistMember) error {
	now := s.timestamp()
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM locos WHERE roster_id = ?`, rosterID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: loco %q", ErrNotFound, rosterID)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE locos SET is_consist = 1, updated = ? WHERE id = ?`, now, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM consist_members WHERE consist_loco_id = ?`, id); err != nil {
			return err
		}
		for _, m := range members {
			role := m.Role
			if role == "" {
				role = RoleSound
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO consist_members (consist_loco_id, member_roster_id, member_address, role, position, notes)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				id, nullString(m.MemberRosterID), m.MemberAddress, role, m.Position, nullString(m.Notes)); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return pkgerrors.Wrapf(err, "set consist %q", rosterID)
}

// ConsistMembers lists members by position; soundOnly restricts to
// members with the sound role.
func (s *Store) ConsistMembers(ctx context.Context, rosterID string, soundOnly bool) ([]ConsistMember, error) {
	q := `SELECT cm.id, cm.member_roster_id, cm.member_address, cm.role, cm.position, cm.notes
		FROM consist_members cm JOIN locos l ON cm.consist_loco_id = l.id
		WHERE l.roster_id = ?`
	args := []any{rosterID}
	if soundOnly {
		q += ` AND cm.role = ?`
		args = append(args, RoleSound)
	}
	q += ` ORDER BY cm.position`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "consist members %q", rosterID)
	}
	defer rows.Close()

	var out []ConsistMember
	for rows.Next() {
		var (
			m            ConsistMember
			rid, notesNS sql.NullString
		)
		if err := rows.Scan(&m.ID, &rid, &m.MemberAddress, &m.Role, &m.Position, &notesNS); err != nil {
			return nil, pkgerrors.Wrap(err, "scan consist member")
		}
		m.MemberRosterID = rid.String
		m.Notes = notesNS.String
		out = append(out, m)
	}
	return out, pkgerrors.Wrap(rows.Err(), "consist members")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
