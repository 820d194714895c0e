// Package pipeline orchestrates the four ingestion passes: raw-kill
// import, detail backfill, spree derivation and character backfill.
// Every pass re-derives its work list from the store, so a run can die
// at any point and the next run resumes where it left off.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"killfeed/internal/esi"
	"killfeed/internal/fault"
	"killfeed/internal/store"
	"killfeed/internal/zkill"
)

// Gateway is the slice of the store the pipeline writes through.
// Note: this is an interface rather than *store.Store so tests can
// substitute failing or recording implementations.
type Gateway interface {
	KillExists(ctx context.Context, killID int64) (bool, error)
	InsertKill(ctx context.Context, k store.KillRow) error
	MissingDetails(ctx context.Context) ([]store.KillRef, error)
	InsertKillDetail(ctx context.Context, killID int64, report []byte) error
	UnderivedDetails(ctx context.Context) ([]store.DetailRow, error)
	ShipExists(ctx context.Context, shipID int64) (bool, error)
	InsertSpree(ctx context.Context, r store.SpreeRow) error
	MissingCharacters(ctx context.Context) ([]int64, error)
	InsertCharacter(ctx context.Context, c store.CharacterRow) error
	LatestKillID(ctx context.Context) (int64, error)
}

// Source fetches the per-kill and per-pilot records the backfill passes
// need. *esi.Client satisfies it.
type Source interface {
	Killmail(ctx context.Context, id int64, hash string) (*esi.Killmail, error)
	Character(ctx context.Context, id int64) (*esi.Character, error)
}

// Stats summarises one run. Failures counts items skipped on error;
// none of them abort a pass.
type Stats struct {
	Imported   int
	Duplicates int
	Details    int
	Sprees     int
	Characters int
	Failures   int
}

func (st Stats) String() string {
	return fmt.Sprintf("imported=%d duplicates=%d details=%d sprees=%d characters=%d failures=%d",
		st.Imported, st.Duplicates, st.Details, st.Sprees, st.Characters, st.Failures)
}

// Pipeline runs the ingestion passes against explicit collaborators.
type Pipeline struct {
	gw  Gateway
	src Source
	log *zap.Logger

	// seen pre-filters kill ids already imported this run, saving the
	// existence round-trip on repeat listings.
	seen *bloom.BloomFilter

	// verifySeen confirms seen-filter hits against the store before
	// skipping. Long-lived pipelines need it: a filter false positive
	// would otherwise drop a kill the stream never re-delivers.
	verifySeen bool
}

// New builds a pipeline. The logger is tagged with a fresh run id.
func New(gw Gateway, src Source, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		gw:   gw,
		src:  src,
		log:  log.With(zap.String("run_id", uuid.NewString())),
		seen: bloom.NewWithEstimates(500000, 0.001),
	}
}

// Resident marks the pipeline as long-lived, as in feed mode. Seen
// hits are then double-checked with the store instead of skipped
// outright.
func (p *Pipeline) Resident() *Pipeline {
	p.verifySeen = true
	return p
}

// Run executes all four passes in order. Per-item and per-pass failures
// are logged and counted, never fatal.
func (p *Pipeline) Run(ctx context.Context, listings []zkill.KillListing) Stats {
	if latest, err := p.gw.LatestKillID(ctx); err != nil {
		p.log.Warn("cannot determine resume point", zap.Error(err))
	} else {
		p.log.Info("starting run", zap.Int64("latest_kill", latest))
	}

	var st Stats
	p.ImportKills(ctx, listings, &st)
	p.BackfillDetails(ctx, &st)
	p.DeriveSprees(ctx, &st)
	p.BackfillCharacters(ctx, &st)
	p.log.Info("run complete", zap.String("stats", st.String()))
	return st
}

// ImportKills stores each listed kill not already present. When the
// existence check itself fails the kill is skipped: unknown state is
// treated as already stored, never double-inserted.
func (p *Pipeline) ImportKills(ctx context.Context, listings []zkill.KillListing, st *Stats) {
	p.log.Info("import pass", zap.Int("listings", len(listings)))

	for _, l := range listings {
		if ctx.Err() != nil {
			return
		}

		key := strconv.FormatInt(l.KillmailID, 10)
		if p.seen.TestString(key) && !p.verifySeen {
			p.log.Debug("kill already imported this run", zap.Int64("kill_id", l.KillmailID))
			st.Duplicates++
			continue
		}

		exists, err := p.gw.KillExists(ctx, l.KillmailID)
		if err != nil {
			p.log.Error("cannot determine kill state, skipping",
				zap.Int64("kill_id", l.KillmailID), kindField(err), zap.Error(err))
			st.Failures++
			continue
		}
		if exists {
			p.log.Warn("kill already present", zap.Int64("kill_id", l.KillmailID))
			p.seen.AddString(key)
			st.Duplicates++
			continue
		}

		if err := p.gw.InsertKill(ctx, store.KillRow{
			KillID: l.KillmailID,
			Hash:   l.Zkb.Hash,
			Value:  l.Zkb.TotalValue,
			Report: l.Raw,
		}); err != nil {
			st.Failures++
			continue
		}
		p.seen.AddString(key)
		st.Imported++
	}
}

// BackfillDetails fetches the full detail for every stored kill that
// does not have one. A failed fetch leaves the kill for the next run.
func (p *Pipeline) BackfillDetails(ctx context.Context, st *Stats) {
	refs, err := p.gw.MissingDetails(ctx)
	if err != nil {
		p.log.Error("detail pass aborted", zap.Error(err))
		st.Failures++
		return
	}
	p.log.Info("detail pass", zap.Int("missing", len(refs)))

	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}

		km, err := p.src.Killmail(ctx, ref.KillID, ref.Hash)
		if err != nil {
			p.log.Warn("detail fetch failed",
				zap.Int64("kill_id", ref.KillID), kindField(err), zap.Error(err))
			st.Failures++
			continue
		}
		if err := p.gw.InsertKillDetail(ctx, km.KillmailID, km.Raw); err != nil {
			st.Failures++
			continue
		}
		st.Details++
	}
}

// DeriveSprees turns each stored detail into a duel record. Details
// with an unrecognised ship type are skipped and stay underived until
// the reference table catches up; details with an ambiguous final blow
// are skipped as invalid data.
func (p *Pipeline) DeriveSprees(ctx context.Context, st *Stats) {
	details, err := p.gw.UnderivedDetails(ctx)
	if err != nil {
		p.log.Error("derivation pass aborted", zap.Error(err))
		st.Failures++
		return
	}
	p.log.Info("derivation pass", zap.Int("underived", len(details)))

	for _, d := range details {
		if ctx.Err() != nil {
			return
		}

		row, err := p.derive(ctx, d)
		if err != nil {
			p.log.Warn("skipping underivable kill",
				zap.Int64("kill_id", d.KillID), kindField(err), zap.Error(err))
			st.Failures++
			continue
		}
		if row == nil {
			// Unknown ship type, retried once the reference table is
			// updated.
			continue
		}
		if err := p.gw.InsertSpree(ctx, *row); err != nil {
			st.Failures++
			continue
		}
		st.Sprees++
	}
}

// derive extracts the decisive attacker/victim pair from one detail.
// It returns (nil, nil) when a ship type is not yet recognised.
func (p *Pipeline) derive(ctx context.Context, d store.DetailRow) (*store.SpreeRow, error) {
	km, err := parseKillmail(d)
	if err != nil {
		return nil, err
	}

	killer, err := finalBlow(km)
	if err != nil {
		return nil, err
	}

	for _, shipID := range []int64{killer.ShipTypeID, km.Victim.ShipTypeID} {
		ok, err := p.gw.ShipExists(ctx, shipID)
		if err != nil {
			// Unknown state counts as unrecognised: never derive from
			// an unverified ship id.
			ok = false
		}
		if !ok {
			p.log.Info("ship not in reference table",
				zap.Int64("kill_id", km.KillmailID), zap.Int64("ship_id", shipID))
			return nil, nil
		}
	}

	return &store.SpreeRow{
		KillID:         km.KillmailID,
		AttackerID:     killer.CharacterID,
		AttackerShipID: killer.ShipTypeID,
		WeaponID:       killer.WeaponTypeID,
		VictimID:       km.Victim.CharacterID,
		VictimShipID:   km.Victim.ShipTypeID,
		Valid:          0,
		Eligible:       0,
	}, nil
}

// BackfillCharacters fetches a profile for every pilot referenced by a
// spree but absent from the characters table.
func (p *Pipeline) BackfillCharacters(ctx context.Context, st *Stats) {
	ids, err := p.gw.MissingCharacters(ctx)
	if err != nil {
		p.log.Error("character pass aborted", zap.Error(err))
		st.Failures++
		return
	}
	p.log.Info("character pass", zap.Int("missing", len(ids)))

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		ch, err := p.src.Character(ctx, id)
		if err != nil {
			p.log.Warn("character fetch failed",
				zap.Int64("character_id", id), kindField(err), zap.Error(err))
			st.Failures++
			continue
		}
		if err := p.gw.InsertCharacter(ctx, store.CharacterRow{
			CharacterID:   id,
			Name:          ch.Name,
			CorporationID: ch.CorporationID,
			Race:          ch.RaceID,
			Birthday:      ch.Birthday,
		}); err != nil {
			st.Failures++
			continue
		}
		st.Characters++
	}
}

// kindField tags a skip log with the error's classification.
func kindField(err error) zap.Field {
	if k := fault.Kind(err); k != nil {
		return zap.String("kind", k.Error())
	}
	return zap.Skip()
}

// parseKillmail decodes a stored detail blob.
func parseKillmail(d store.DetailRow) (*esi.Killmail, error) {
	var km esi.Killmail
	if err := json.Unmarshal(d.Report, &km); err != nil {
		return nil, fault.BadData("kill %d: unparseable detail: %v", d.KillID, err)
	}
	if km.KillmailID == 0 {
		km.KillmailID = d.KillID
	}
	return &km, nil
}

// finalBlow selects the attacker that delivered the decisive blow.
// Anything other than exactly one match is a data error: the kill is
// skipped rather than guessed at.
func finalBlow(km *esi.Killmail) (esi.Attacker, error) {
	var killer esi.Attacker
	found := 0
	for _, a := range km.Attackers {
		if a.FinalBlow {
			killer = a
			found++
		}
	}
	if found != 1 {
		return esi.Attacker{}, fault.BadData("kill %d has %d final-blow attackers", km.KillmailID, found)
	}
	return killer, nil
}
