package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"killfeed/internal/store"
)

func main() {
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	dbPath := flag.String("db", envOr("KILLFEED_DB", "killfeed.db"), "sqlite database path")
	view := flag.String("view", "players", "history|players|ships|undefeated|isk|ship-isk|streaks")
	limit := flag.Int("limit", 25, "max rows, 0 for all")
	flag.Parse()

	logger := zap.NewNop()
	db, err := store.Open(*dbPath, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	switch *view {
	case "history":
		rows, err := db.History(ctx, *limit)
		exitOn(err)
		fmt.Fprintln(w, "KILL\tATTACKER\tSHIP\tVICTIM\tSHIP\tVALUE")
		for _, r := range rows {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.2f\n",
				r.KillID, r.Attacker, r.AttackerShip, r.Victim, r.VictimShip, r.Value)
		}
	case "players":
		rows, err := db.PlayerLeaderboard(ctx, *limit)
		exitOn(err)
		fmt.Fprintln(w, "PLAYER\tWINS\tLOSSES")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%d\n", r.Player, r.Wins, r.Losses)
		}
	case "ships":
		rows, err := db.ShipLeaderboard(ctx, *limit)
		exitOn(err)
		printShipBoard(w, rows)
	case "undefeated":
		rows, err := db.Undefeated(ctx, *limit)
		exitOn(err)
		printShipBoard(w, rows)
	case "isk":
		rows, err := db.PlayerISK(ctx, *limit)
		exitOn(err)
		fmt.Fprintln(w, "PLAYER\tISK DESTROYED")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%.2f\n", r.Player, r.ISKDestroyed)
		}
	case "ship-isk":
		rows, err := db.ShipISK(ctx, *limit)
		exitOn(err)
		fmt.Fprintln(w, "PLAYER\tSHIP\tISK DESTROYED")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%.2f\n", r.Player, r.Ship, r.ISKDestroyed)
		}
	case "streaks":
		rows, err := db.Streaks(ctx, *limit)
		exitOn(err)
		fmt.Fprintln(w, "PLAYER\tSHIP\tRESULT\tSTART\tEND\tMATCHES")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
				r.Player, r.Ship, r.Result, r.Start, r.End, r.Matches)
		}
	default:
		log.Fatalf("Unknown view %q", *view)
	}
}

func printShipBoard(w *tabwriter.Writer, rows []store.LeaderboardRow) {
	fmt.Fprintln(w, "PLAYER\tSHIP\tWINS\tLOSSES")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", r.Player, r.Ship, r.Wins, r.Losses)
	}
}

func exitOn(err error) {
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
