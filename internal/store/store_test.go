package store

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertKill_DuplicateIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	kill := KillRow{KillID: 100, Hash: "abc", Value: 50000, Report: []byte(`{"killmail_id":100}`)}
	if err := s.InsertKill(ctx, kill); err != nil {
		t.Fatalf("InsertKill failed: %v", err)
	}

	exists, err := s.KillExists(ctx, 100)
	if err != nil {
		t.Fatalf("KillExists failed: %v", err)
	}
	if !exists {
		t.Fatal("kill 100 should exist after insert")
	}

	// Re-inserting the same id must not error and must not duplicate.
	kill.Value = 99999
	if err := s.InsertKill(ctx, kill); err != nil {
		t.Fatalf("duplicate InsertKill should be a no-op, got: %v", err)
	}

	refs, err := s.MissingDetails(ctx)
	if err != nil {
		t.Fatalf("MissingDetails failed: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected exactly 1 kill row, got %d", len(refs))
	}
	if refs[0].KillID != 100 || refs[0].Hash != "abc" {
		t.Errorf("unexpected ref %+v", refs[0])
	}
}

func TestAntiJoins_DriveThePipelineForward(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertKill(ctx, KillRow{KillID: 1, Hash: "h1", Value: 10, Report: []byte(`{}`)}); err != nil {
		t.Fatalf("InsertKill: %v", err)
	}
	if err := s.InsertKill(ctx, KillRow{KillID: 2, Hash: "h2", Value: 20, Report: []byte(`{}`)}); err != nil {
		t.Fatalf("InsertKill: %v", err)
	}

	// Both kills lack details.
	refs, _ := s.MissingDetails(ctx)
	if len(refs) != 2 {
		t.Fatalf("expected 2 missing details, got %d", len(refs))
	}

	// Backfilling one removes it from the work list.
	if err := s.InsertKillDetail(ctx, 1, []byte(`{"killmail_id":1}`)); err != nil {
		t.Fatalf("InsertKillDetail: %v", err)
	}
	refs, _ = s.MissingDetails(ctx)
	if len(refs) != 1 || refs[0].KillID != 2 {
		t.Fatalf("expected only kill 2 missing, got %+v", refs)
	}

	// The stored detail is now underived.
	details, err := s.UnderivedDetails(ctx)
	if err != nil {
		t.Fatalf("UnderivedDetails: %v", err)
	}
	if len(details) != 1 || details[0].KillID != 1 {
		t.Fatalf("expected detail for kill 1, got %+v", details)
	}

	// Deriving removes it.
	err = s.InsertSpree(ctx, SpreeRow{KillID: 1, AttackerID: 5, AttackerShipID: 10, WeaponID: 100, VictimID: 6, VictimShipID: 20})
	if err != nil {
		t.Fatalf("InsertSpree: %v", err)
	}
	details, _ = s.UnderivedDetails(ctx)
	if len(details) != 0 {
		t.Fatalf("expected no underived details, got %+v", details)
	}

	// Both referenced pilots are missing until profiled.
	ids, err := s.MissingCharacters(ctx)
	if err != nil {
		t.Fatalf("MissingCharacters: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 missing characters, got %v", ids)
	}

	if err := s.InsertCharacter(ctx, CharacterRow{CharacterID: 5, Name: "Attacker", CorporationID: 1, Race: 1, Birthday: "2010-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("InsertCharacter: %v", err)
	}
	ids, _ = s.MissingCharacters(ctx)
	if len(ids) != 1 || ids[0] != 6 {
		t.Fatalf("expected only character 6 missing, got %v", ids)
	}
}

func TestShipReferenceTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.ShipExists(ctx, 20)
	if err != nil {
		t.Fatalf("ShipExists: %v", err)
	}
	if ok {
		t.Fatal("ship 20 should not exist in an empty table")
	}

	err = s.ImportShips(ctx, []ShipRow{{ShipID: 20, Name: "Caracal"}, {ShipID: 30, Name: "Rifter"}})
	if err != nil {
		t.Fatalf("ImportShips: %v", err)
	}
	ok, _ = s.ShipExists(ctx, 20)
	if !ok {
		t.Fatal("ship 20 should exist after import")
	}

	// Re-import with a new name upserts rather than failing.
	err = s.ImportShips(ctx, []ShipRow{{ShipID: 20, Name: "Caracal Navy Issue"}})
	if err != nil {
		t.Fatalf("re-ImportShips: %v", err)
	}
}

func TestLatestKillID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.LatestKillID(ctx)
	if err != nil {
		t.Fatalf("LatestKillID: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected 0 on empty store, got %d", id)
	}

	s.InsertKill(ctx, KillRow{KillID: 7, Hash: "a", Value: 1, Report: []byte(`{}`)})
	s.InsertKill(ctx, KillRow{KillID: 9, Hash: "b", Value: 1, Report: []byte(`{}`)})

	id, _ = s.LatestKillID(ctx)
	if id != 9 {
		t.Fatalf("expected latest kill 9, got %d", id)
	}
}

// seedDuels stores a fully joined set of duels between pilots A (id 1,
// ship 10) and B (id 2, ship 20). results lists each kill from A's
// perspective: 'W' means A killed B.
func seedDuels(t *testing.T, s *Store, results []byte) {
	t.Helper()
	ctx := context.Background()

	if err := s.ImportShips(ctx, []ShipRow{{ShipID: 10, Name: "Merlin"}, {ShipID: 20, Name: "Punisher"}}); err != nil {
		t.Fatalf("ImportShips: %v", err)
	}
	s.InsertCharacter(ctx, CharacterRow{CharacterID: 1, Name: "A", CorporationID: 1, Race: 1, Birthday: "2010-01-01T00:00:00Z"})
	s.InsertCharacter(ctx, CharacterRow{CharacterID: 2, Name: "B", CorporationID: 1, Race: 1, Birthday: "2011-01-01T00:00:00Z"})

	for i, r := range results {
		killID := int64(i + 1)
		s.InsertKill(ctx, KillRow{KillID: killID, Hash: "h", Value: 1000, Report: []byte(`{}`)})
		s.InsertKillDetail(ctx, killID, []byte(`{}`))

		row := SpreeRow{KillID: killID, WeaponID: 100}
		if r == 'W' {
			row.AttackerID, row.AttackerShipID = 1, 10
			row.VictimID, row.VictimShipID = 2, 20
		} else {
			row.AttackerID, row.AttackerShipID = 2, 20
			row.VictimID, row.VictimShipID = 1, 10
		}
		if err := s.InsertSpree(ctx, row); err != nil {
			t.Fatalf("InsertSpree: %v", err)
		}
	}
}

func TestHistoryView(t *testing.T) {
	s := openTestStore(t)
	seedDuels(t, s, []byte("WW"))

	rows, err := s.History(context.Background(), 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(rows))
	}
	r := rows[0]
	if r.Attacker != "A" || r.AttackerShip != "Merlin" || r.Victim != "B" || r.VictimShip != "Punisher" {
		t.Errorf("unexpected history row %+v", r)
	}
	if r.Value != 1000 {
		t.Errorf("expected value 1000, got %v", r.Value)
	}
	if r.Valid != 0 || r.Eligible != 0 {
		t.Errorf("valid/eligible should default to 0, got %+v", r)
	}
}

func TestLeaderboards(t *testing.T) {
	s := openTestStore(t)
	seedDuels(t, s, []byte("WWL"))
	ctx := context.Background()

	players, err := s.PlayerLeaderboard(ctx, 0)
	if err != nil {
		t.Fatalf("PlayerLeaderboard: %v", err)
	}
	if len(players) != 2 {
		t.Fatalf("expected 2 players, got %d", len(players))
	}
	// A has 2 wins 1 loss and sorts first.
	if players[0].Player != "A" || players[0].Wins != 2 || players[0].Losses != 1 {
		t.Errorf("unexpected top row %+v", players[0])
	}
	if players[1].Player != "B" || players[1].Wins != 1 || players[1].Losses != 2 {
		t.Errorf("unexpected second row %+v", players[1])
	}

	ships, err := s.ShipLeaderboard(ctx, 0)
	if err != nil {
		t.Fatalf("ShipLeaderboard: %v", err)
	}
	if len(ships) != 2 {
		t.Fatalf("expected 2 ship pairings, got %d", len(ships))
	}

	// Nobody is undefeated after a split record.
	undef, err := s.Undefeated(ctx, 0)
	if err != nil {
		t.Fatalf("Undefeated: %v", err)
	}
	if len(undef) != 0 {
		t.Errorf("expected empty undefeated board, got %+v", undef)
	}
}

func TestISKBoards(t *testing.T) {
	s := openTestStore(t)
	seedDuels(t, s, []byte("WWL"))
	ctx := context.Background()

	isk, err := s.PlayerISK(ctx, 0)
	if err != nil {
		t.Fatalf("PlayerISK: %v", err)
	}
	if len(isk) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(isk))
	}
	if isk[0].Player != "A" || isk[0].ISKDestroyed != 2000 {
		t.Errorf("unexpected top isk row %+v", isk[0])
	}

	shipISK, err := s.ShipISK(ctx, 0)
	if err != nil {
		t.Fatalf("ShipISK: %v", err)
	}
	if len(shipISK) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(shipISK))
	}
	if shipISK[0].Ship != "Merlin" {
		t.Errorf("expected Merlin on top, got %+v", shipISK[0])
	}
}

func TestStreaks(t *testing.T) {
	s := openTestStore(t)
	// A: W W W L W, that is a 3-run, a 1-loss, then a 1-run.
	seedDuels(t, s, []byte("WWWLW"))

	rows, err := s.Streaks(context.Background(), 0)
	if err != nil {
		t.Fatalf("Streaks: %v", err)
	}

	var found bool
	for _, r := range rows {
		if r.Player == "A" && r.Result == "W" && r.Matches == 3 {
			found = true
			if r.Start != 1 || r.End != 3 {
				t.Errorf("expected run over kills 1..3, got %+v", r)
			}
		}
	}
	if !found {
		t.Errorf("expected a 3-win streak for A, got %+v", rows)
	}
}

func TestKillExists_ClosedStoreReportsError(t *testing.T) {
	s := openTestStore(t)
	s.Close()

	_, err := s.KillExists(context.Background(), 1)
	if err == nil {
		t.Fatal("expected an error from a closed store")
	}
}
