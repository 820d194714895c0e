// Package store owns the sqlite database holding raw kills, details,
// derived sprees, pilot profiles and the reporting views.
package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"killfeed/internal/fault"
)

// Store wraps the database handle. One Store per process; sqlite allows
// a single writer, so the pool is capped at one connection.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if needed) the database at path and bootstraps
// the schema. Use ":memory:" for an ephemeral store.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("connecting to database", zap.String("path", path))

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// init creates tables and views.
func (s *Store) init() error {
	for _, q := range schema {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS zkill (
		killID INTEGER NOT NULL,
		hash TEXT NOT NULL,
		value REAL NOT NULL,
		killReport TEXT NOT NULL,
		PRIMARY KEY (killID)
	)`,
	`CREATE TABLE IF NOT EXISTS esi (
		killID INTEGER NOT NULL,
		killReport TEXT NOT NULL,
		PRIMARY KEY (killID)
	)`,
	`CREATE TABLE IF NOT EXISTS spree (
		killID INTEGER NOT NULL,
		attackerID INTEGER NOT NULL,
		attacker_shipID INTEGER NOT NULL,
		weaponID INTEGER NOT NULL,
		victimID INTEGER NOT NULL,
		victim_shipID INTEGER NOT NULL,
		valid INTEGER NOT NULL DEFAULT 0,
		eligible INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (killID)
	)`,
	`CREATE TABLE IF NOT EXISTS characters (
		characterID INTEGER NOT NULL,
		name TEXT NOT NULL,
		corporationID INTEGER NOT NULL,
		race INTEGER NOT NULL,
		birthday TEXT NOT NULL,
		PRIMARY KEY (characterID)
	)`,
	`CREATE TABLE IF NOT EXISTS ships (
		shipID INTEGER NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (shipID)
	)`,

	`CREATE VIEW IF NOT EXISTS history AS
	SELECT S.killID, A.name AS attacker, SA.name AS attacker_ship,
	       V.name AS victim, SV.name AS victim_ship, Z.value, S.valid, S.eligible
	FROM spree S
		JOIN zkill Z ON S.killID = Z.killID
		JOIN characters A ON S.attackerID = A.characterID
		JOIN characters V ON S.victimID = V.characterID
		JOIN ships SA ON S.attacker_shipID = SA.shipID
		JOIN ships SV ON S.victim_shipID = SV.shipID
	ORDER BY S.killID`,

	`CREATE VIEW IF NOT EXISTS ship_leaderboard AS
	SELECT
		C.name AS player,
		S.name AS ship,
		(SELECT COUNT(*) FROM spree WHERE attackerID = P.player AND attacker_shipID = P.shipID) AS wins,
		(SELECT COUNT(*) FROM spree WHERE victimID = P.player AND victim_shipID = P.shipID) AS losses
	FROM (
		SELECT DISTINCT attackerID AS player, attacker_shipID AS shipID FROM spree
		UNION
		SELECT DISTINCT victimID AS player, victim_shipID AS shipID FROM spree
	) AS P
	JOIN characters C ON P.player = C.characterID
	JOIN ships S ON P.shipID = S.shipID
	ORDER BY wins DESC`,

	`CREATE VIEW IF NOT EXISTS undefeated AS
	SELECT
		C.name AS player,
		S.name AS ship,
		(SELECT COUNT(*) FROM spree WHERE attackerID = P.player AND attacker_shipID = P.shipID) AS wins,
		(SELECT COUNT(*) FROM spree WHERE victimID = P.player AND victim_shipID = P.shipID) AS losses
	FROM (
		SELECT DISTINCT attackerID AS player, attacker_shipID AS shipID FROM spree
		UNION
		SELECT DISTINCT victimID AS player, victim_shipID AS shipID FROM spree
	) AS P
	JOIN characters C ON P.player = C.characterID
	JOIN ships S ON P.shipID = S.shipID
	WHERE losses = 0
	ORDER BY wins DESC`,

	`CREATE VIEW IF NOT EXISTS player_leaderboard AS
	SELECT
		C.name,
		(SELECT COUNT(*) FROM spree WHERE attackerID = P.player) AS wins,
		(SELECT COUNT(*) FROM spree WHERE victimID = P.player) AS losses
	FROM (
		SELECT DISTINCT attackerID AS player FROM spree
		UNION
		SELECT DISTINCT victimID AS player FROM spree
	) AS P
	JOIN characters C ON P.player = C.characterID
	ORDER BY wins DESC`,

	`CREATE VIEW IF NOT EXISTS player_iskboard AS
	SELECT C.characterID, C.name AS player, SUM(Z.value) AS isk_destroyed
	FROM spree S
	JOIN characters C ON C.characterID = S.attackerID
	JOIN zkill Z ON Z.killID = S.killID
	GROUP BY S.attackerID
	ORDER BY isk_destroyed DESC`,

	`CREATE VIEW IF NOT EXISTS ship_iskboard AS
	SELECT C.characterID, C.name AS player, SH.name AS ship, SUM(Z.value) AS isk_destroyed
	FROM spree S
	JOIN characters C ON C.characterID = S.attackerID
	JOIN ships SH ON SH.shipID = S.attacker_shipID
	JOIN zkill Z ON Z.killID = S.killID
	GROUP BY S.attackerID, S.attacker_shipID
	ORDER BY isk_destroyed DESC`,

	`CREATE VIEW IF NOT EXISTS player_results AS
	SELECT killID, player, ship, result FROM (
		SELECT killID, attacker AS player, attacker_ship AS ship, 'W' AS result FROM history
		UNION SELECT killID, victim AS player, victim_ship AS ship, 'L' AS result FROM history
	) ORDER BY killID`,

	`CREATE VIEW IF NOT EXISTS streaks AS
	SELECT
		player,
		ship,
		result,
		MIN(killID) AS start,
		MAX(killID) AS "end",
		COUNT(*) AS matches
	FROM (
		SELECT
			killID,
			player,
			ship,
			result,
			(SELECT COUNT(*) FROM player_results R
				WHERE R.player = PR.player
				AND R.ship = PR.ship
				AND R.result <> PR.result
				AND R.killID <= PR.killID) AS rungroup
		FROM player_results PR
	) A
	GROUP BY player, ship, result, rungroup
	ORDER BY "end"`,
}

// wrap classifies a storage failure for the pipeline's error taxonomy.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fault.Storage(op, err)
}
