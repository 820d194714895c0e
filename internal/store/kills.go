package store

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"
)

// KillRow is a raw kill as listed by the listing source.
type KillRow struct {
	KillID int64
	Hash   string
	Value  float64
	Report []byte
}

// KillRef identifies a kill whose detail has not been fetched yet.
type KillRef struct {
	KillID int64
	Hash   string
}

// DetailRow is a stored kill detail awaiting spree derivation.
type DetailRow struct {
	KillID int64
	Report []byte
}

// SpreeRow is the derived one-attacker-one-victim duel record.
type SpreeRow struct {
	KillID         int64
	AttackerID     int64
	AttackerShipID int64
	WeaponID       int64
	VictimID       int64
	VictimShipID   int64
	Valid          int
	Eligible       int
}

// CharacterRow is a pilot profile.
type CharacterRow struct {
	CharacterID   int64
	Name          string
	CorporationID int64
	Race          int64
	Birthday      string
}

// ShipRow is one entry of the ship reference table.
type ShipRow struct {
	ShipID int64
	Name   string
}

// KillExists reports whether a raw kill row is already stored.
func (s *Store) KillExists(ctx context.Context, killID int64) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT killID FROM zkill WHERE killID = ?`, killID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		s.log.Error("kill existence check failed", zap.Int64("kill_id", killID), zap.Error(err))
		return false, wrap("kill exists", err)
	}
	return true, nil
}

// InsertKill stores a raw kill. Re-inserting a known id is a logged
// no-op; rows are never overwritten.
func (s *Store) InsertKill(ctx context.Context, k KillRow) error {
	exists, err := s.KillExists(ctx, k.KillID)
	if err != nil {
		return err
	}
	if exists {
		s.log.Warn("kill already present, skipping", zap.Int64("kill_id", k.KillID))
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO zkill (killID, hash, value, killReport) VALUES (?, ?, ?, ?)`,
		k.KillID, k.Hash, k.Value, string(k.Report))
	if err != nil {
		s.log.Error("failed to insert kill", zap.Int64("kill_id", k.KillID), zap.Error(err))
		return wrap("insert kill", err)
	}
	s.log.Debug("stored kill", zap.Int64("kill_id", k.KillID))
	return nil
}

// InsertKillDetail stores a fetched kill detail. Uniqueness is the
// caller's concern: the work list comes from MissingDetails.
func (s *Store) InsertKillDetail(ctx context.Context, killID int64, report []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO esi (killID, killReport) VALUES (?, ?)`,
		killID, string(report))
	if err != nil {
		s.log.Error("failed to insert kill detail", zap.Int64("kill_id", killID), zap.Error(err))
		return wrap("insert kill detail", err)
	}
	s.log.Debug("stored kill detail", zap.Int64("kill_id", killID))
	return nil
}

// InsertSpree stores a derived duel record.
func (s *Store) InsertSpree(ctx context.Context, r SpreeRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spree (killID, attackerID, attacker_shipID, weaponID, victimID, victim_shipID, valid, eligible)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.KillID, r.AttackerID, r.AttackerShipID, r.WeaponID, r.VictimID, r.VictimShipID, r.Valid, r.Eligible)
	if err != nil {
		s.log.Error("failed to insert spree", zap.Int64("kill_id", r.KillID), zap.Error(err))
		return wrap("insert spree", err)
	}
	s.log.Debug("stored spree", zap.Int64("kill_id", r.KillID))
	return nil
}

// InsertCharacter stores a pilot profile. Profiles are immutable once
// inserted.
func (s *Store) InsertCharacter(ctx context.Context, c CharacterRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (characterID, name, corporationID, race, birthday) VALUES (?, ?, ?, ?, ?)`,
		c.CharacterID, c.Name, c.CorporationID, c.Race, c.Birthday)
	if err != nil {
		s.log.Error("failed to insert character", zap.Int64("character_id", c.CharacterID), zap.Error(err))
		return wrap("insert character", err)
	}
	s.log.Debug("stored character", zap.Int64("character_id", c.CharacterID))
	return nil
}

// ShipExists reports whether a ship type is in the reference table.
func (s *Store) ShipExists(ctx context.Context, shipID int64) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT shipID FROM ships WHERE shipID = ?`, shipID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		s.log.Error("ship lookup failed", zap.Int64("ship_id", shipID), zap.Error(err))
		return false, wrap("ship exists", err)
	}
	return true, nil
}

// ImportShips upserts the ship reference table. Reference data arrives
// out of band; the pipeline only reads it.
func (s *Store) ImportShips(ctx context.Context, ships []ShipRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("import ships", err)
	}
	for _, sh := range ships {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO ships (shipID, name) VALUES (?, ?)`,
			sh.ShipID, sh.Name); err != nil {
			tx.Rollback()
			return wrap("import ships", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("import ships", err)
	}
	s.log.Info("imported ship types", zap.Int("count", len(ships)))
	return nil
}

// MissingDetails lists kills that have no stored detail yet.
func (s *Store) MissingDetails(ctx context.Context) ([]KillRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT Z.killID, Z.hash FROM zkill Z
		 LEFT JOIN esi E ON Z.killID = E.killID
		 WHERE E.killID IS NULL`)
	if err != nil {
		s.log.Error("missing details query failed", zap.Error(err))
		return nil, wrap("missing details", err)
	}
	defer rows.Close()

	var refs []KillRef
	for rows.Next() {
		var r KillRef
		if err := rows.Scan(&r.KillID, &r.Hash); err != nil {
			return nil, wrap("missing details", err)
		}
		refs = append(refs, r)
	}
	return refs, wrap("missing details", rows.Err())
}

// UnderivedDetails lists stored details that have no spree yet.
func (s *Store) UnderivedDetails(ctx context.Context) ([]DetailRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT E.killID, E.killReport FROM esi E
		 LEFT JOIN spree S ON E.killID = S.killID
		 WHERE S.killID IS NULL`)
	if err != nil {
		s.log.Error("underived details query failed", zap.Error(err))
		return nil, wrap("underived details", err)
	}
	defer rows.Close()

	var details []DetailRow
	for rows.Next() {
		var d DetailRow
		var report string
		if err := rows.Scan(&d.KillID, &report); err != nil {
			return nil, wrap("underived details", err)
		}
		d.Report = []byte(report)
		details = append(details, d)
	}
	return details, wrap("underived details", rows.Err())
}

// MissingCharacters lists every pilot referenced by a spree with no
// stored profile.
func (s *Store) MissingCharacters(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM (
			SELECT DISTINCT attackerID AS id FROM spree
			UNION
			SELECT DISTINCT victimID AS id FROM spree
		) LEFT JOIN characters C ON C.characterID = id
		WHERE C.characterID IS NULL`)
	if err != nil {
		s.log.Error("missing characters query failed", zap.Error(err))
		return nil, wrap("missing characters", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("missing characters", err)
		}
		ids = append(ids, id)
	}
	return ids, wrap("missing characters", rows.Err())
}

// LatestKillID returns the highest stored kill id, 0 when the store is
// empty. Used to pick a resume point for listing queries.
func (s *Store) LatestKillID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(killID) FROM zkill`).Scan(&id); err != nil {
		return 0, wrap("latest kill", err)
	}
	return id.Int64, nil
}
