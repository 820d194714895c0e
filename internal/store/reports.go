package store

import "context"

// HistoryRow is one enriched duel from the history view.
type HistoryRow struct {
	KillID       int64
	Attacker     string
	AttackerShip string
	Victim       string
	VictimShip   string
	Value        float64
	Valid        int
	Eligible     int
}

// LeaderboardRow is a win/loss tally. Ship is empty on the per-player
// board.
type LeaderboardRow struct {
	Player string
	Ship   string
	Wins   int64
	Losses int64
}

// ISKRow is a summed-value tally. Ship is empty on the per-player board.
type ISKRow struct {
	CharacterID  int64
	Player       string
	Ship         string
	ISKDestroyed float64
}

// StreakRow is one consecutive win or loss run for a player+ship pair.
type StreakRow struct {
	Player  string
	Ship    string
	Result  string
	Start   int64
	End     int64
	Matches int64
}

// History returns up to limit rows of the joined duel history. A
// non-positive limit returns everything.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT killID, attacker, attacker_ship, victim, victim_ship, value, valid, eligible
		 FROM history LIMIT ?`, noLimit(limit))
	if err != nil {
		return nil, wrap("history", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		if err := rows.Scan(&r.KillID, &r.Attacker, &r.AttackerShip,
			&r.Victim, &r.VictimShip, &r.Value, &r.Valid, &r.Eligible); err != nil {
			return nil, wrap("history", err)
		}
		out = append(out, r)
	}
	return out, wrap("history", rows.Err())
}

// PlayerLeaderboard returns per-player win/loss tallies.
func (s *Store) PlayerLeaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, wins, losses FROM player_leaderboard LIMIT ?`, noLimit(limit))
	if err != nil {
		return nil, wrap("player leaderboard", err)
	}
	defer rows.Close()

	var out []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.Player, &r.Wins, &r.Losses); err != nil {
			return nil, wrap("player leaderboard", err)
		}
		out = append(out, r)
	}
	return out, wrap("player leaderboard", rows.Err())
}

// ShipLeaderboard returns per-player-per-ship win/loss tallies.
func (s *Store) ShipLeaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	return s.shipBoard(ctx, `SELECT player, ship, wins, losses FROM ship_leaderboard LIMIT ?`, limit)
}

// Undefeated returns ship pairings with zero losses.
func (s *Store) Undefeated(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	return s.shipBoard(ctx, `SELECT player, ship, wins, losses FROM undefeated LIMIT ?`, limit)
}

func (s *Store) shipBoard(ctx context.Context, query string, limit int) ([]LeaderboardRow, error) {
	rows, err := s.db.QueryContext(ctx, query, noLimit(limit))
	if err != nil {
		return nil, wrap("ship leaderboard", err)
	}
	defer rows.Close()

	var out []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.Player, &r.Ship, &r.Wins, &r.Losses); err != nil {
			return nil, wrap("ship leaderboard", err)
		}
		out = append(out, r)
	}
	return out, wrap("ship leaderboard", rows.Err())
}

// PlayerISK returns summed destroyed value per player.
func (s *Store) PlayerISK(ctx context.Context, limit int) ([]ISKRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT characterID, player, isk_destroyed FROM player_iskboard LIMIT ?`, noLimit(limit))
	if err != nil {
		return nil, wrap("player iskboard", err)
	}
	defer rows.Close()

	var out []ISKRow
	for rows.Next() {
		var r ISKRow
		if err := rows.Scan(&r.CharacterID, &r.Player, &r.ISKDestroyed); err != nil {
			return nil, wrap("player iskboard", err)
		}
		out = append(out, r)
	}
	return out, wrap("player iskboard", rows.Err())
}

// ShipISK returns summed destroyed value per player and ship.
func (s *Store) ShipISK(ctx context.Context, limit int) ([]ISKRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT characterID, player, ship, isk_destroyed FROM ship_iskboard LIMIT ?`, noLimit(limit))
	if err != nil {
		return nil, wrap("ship iskboard", err)
	}
	defer rows.Close()

	var out []ISKRow
	for rows.Next() {
		var r ISKRow
		if err := rows.Scan(&r.CharacterID, &r.Player, &r.Ship, &r.ISKDestroyed); err != nil {
			return nil, wrap("ship iskboard", err)
		}
		out = append(out, r)
	}
	return out, wrap("ship iskboard", rows.Err())
}

// Streaks returns consecutive win/loss runs per player+ship, ordered by
// the kill that ended each run.
func (s *Store) Streaks(ctx context.Context, limit int) ([]StreakRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT player, ship, result, start, "end", matches FROM streaks LIMIT ?`, noLimit(limit))
	if err != nil {
		return nil, wrap("streaks", err)
	}
	defer rows.Close()

	var out []StreakRow
	for rows.Next() {
		var r StreakRow
		if err := rows.Scan(&r.Player, &r.Ship, &r.Result, &r.Start, &r.End, &r.Matches); err != nil {
			return nil, wrap("streaks", err)
		}
		out = append(out, r)
	}
	return out, wrap("streaks", rows.Err())
}

// noLimit maps a non-positive limit to sqlite's "no limit" marker.
func noLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
