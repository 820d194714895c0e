package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"killfeed/internal/esi"
	"killfeed/internal/pipeline"
	"killfeed/internal/store"
	"killfeed/internal/zkill"
)

// feedFlushEvery is how many live-feed kills accumulate before the
// backfill passes run in listen mode.
const feedFlushEvery = 25

func main() {
	// Load .env - try multiple locations
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			fmt.Printf("Loaded .env from: %s\n", path)
			break
		}
	}

	dbPath := flag.String("db", envOr("KILLFEED_DB", "killfeed.db"), "sqlite database path")
	query := flag.String("query", "", "pre-built zKillboard query URL, run verbatim")
	killID := flag.Int64("kill", 0, "single kill id to ingest")
	character := flag.Int64("character", 0, "characterID to pull listings for")
	corporation := flag.Int64("corporation", 0, "corporationID to pull listings for")
	alliance := flag.Int64("alliance", 0, "allianceID to pull listings for")
	ship := flag.Int64("ship", 0, "shipTypeID to pull listings for")
	system := flag.Int64("system", 0, "solarSystemID to pull listings for")
	region := flag.Int64("region", 0, "regionID to pull listings for")
	start := flag.String("start", "", "listing lower bound, YYYYMMDDHHMM")
	shipsFile := flag.String("ships", "", "JSON file of ship types to import before running")
	listen := flag.Bool("listen", false, "subscribe to the live killstream instead of querying")
	debug := flag.Bool("debug", false, "verbose development logging")
	flag.Parse()

	logger := newLogger(*debug)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown; passes resume from the store next run.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n[Shutdown] Gracefully shutting down...")
		cancel()
	}()

	db, err := store.Open(*dbPath, logger.Named("store"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	if *shipsFile != "" {
		if err := importShips(ctx, db, *shipsFile); err != nil {
			log.Fatalf("Failed to import ships: %v", err)
		}
	}

	listings := zkill.New(zkill.Config{Logger: logger.Named("zkill")})
	details := esi.New(esi.Config{Logger: logger.Named("esi")})
	pipe := pipeline.New(db, details, logger.Named("pipeline"))

	startTime := time.Now()

	if *listen {
		runFeed(ctx, pipe.Resident(), logger)
		return
	}

	var batch []zkill.KillListing
	switch {
	case *query != "":
		batch, err = listings.KillsFromQuery(ctx, *query)
	case *killID != 0:
		batch, err = listings.Kill(ctx, *killID)
	default:
		base, id := pickBase(*character, *corporation, *alliance, *ship, *system, *region)
		if base == "" {
			fmt.Println("Usage:")
			fmt.Println("  pipeline --query='https://zkillboard.com/api/...'")
			fmt.Println("  pipeline --kill=82298351")
			fmt.Println("  pipeline --character=2116317466 [--start=YYYYMMDDHHMM]")
			fmt.Println("  pipeline --listen")
			fmt.Println()
			fmt.Println("Each run imports listings, then backfills details, derives")
			fmt.Println("sprees, and backfills pilot profiles. Ship reference data is")
			fmt.Println("loaded separately via --ships=ships.json.")
			os.Exit(1)
		}
		batch, err = listings.Kills(ctx, base, id, zkill.KillsOptions{Start: *start})
	}
	if err != nil {
		// Nothing usable came back; backfill passes still run so the
		// store keeps converging.
		logger.Warn("listing fetch failed", zap.Error(err))
	}
	fmt.Printf("Fetched %d listings\n", len(batch))

	stats := pipe.Run(ctx, batch)

	fmt.Printf("\n=== Run Complete ===\n")
	fmt.Printf("Total time: %s\n", time.Since(startTime).Round(time.Second))
	fmt.Printf("Imported: %d (duplicates: %d)\n", stats.Imported, stats.Duplicates)
	fmt.Printf("Details fetched: %d\n", stats.Details)
	fmt.Printf("Sprees derived: %d\n", stats.Sprees)
	fmt.Printf("Characters added: %d\n", stats.Characters)
	fmt.Printf("Failures (retried next run): %d\n", stats.Failures)
}

// runFeed consumes the live killstream, importing each kill as it
// arrives and running the backfill passes periodically.
func runFeed(ctx context.Context, pipe *pipeline.Pipeline, logger *zap.Logger) {
	sinceFlush := 0
	for ctx.Err() == nil {
		feed, err := zkill.DialFeed(ctx, "", logger.Named("feed"))
		if err != nil {
			logger.Warn("feed dial failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for ctx.Err() == nil {
			l, err := feed.Next()
			if err != nil {
				logger.Warn("feed read failed, reconnecting", zap.Error(err))
				break
			}

			var st pipeline.Stats
			pipe.ImportKills(ctx, []zkill.KillListing{l}, &st)
			sinceFlush++

			if sinceFlush >= feedFlushEvery {
				pipe.Run(ctx, nil)
				sinceFlush = 0
			}
		}
		feed.Close()
	}

	// Final convergence before exit.
	pipe.Run(context.Background(), nil)
}

// importShips loads the ship reference table from a JSON file of
// [{"id": 603, "name": "Merlin"}, ...].
func importShips(ctx context.Context, db *store.Store, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}

	ships := make([]store.ShipRow, 0, len(entries))
	for _, e := range entries {
		ships = append(ships, store.ShipRow{ShipID: e.ID, Name: e.Name})
	}
	return db.ImportShips(ctx, ships)
}

func pickBase(character, corporation, alliance, ship, system, region int64) (zkill.Base, int64) {
	switch {
	case character != 0:
		return zkill.BaseCharacter, character
	case corporation != 0:
		return zkill.BaseCorporation, corporation
	case alliance != 0:
		return zkill.BaseAlliance, alliance
	case ship != 0:
		return zkill.BaseShip, ship
	case system != 0:
		return zkill.BaseSystem, system
	case region != 0:
		return zkill.BaseRegion, region
	}
	return "", 0
}

func newLogger(debug bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	return logger
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
