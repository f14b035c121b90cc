package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"grid-bot/internal/config"
	"grid-bot/internal/exchange/bybit"
	"grid-bot/internal/ledger"
)

// closed_pnl prints the venue's closed-position history next to the local ledger so the two
// can be compared by eye. Advisory only: nothing is written.
func main() {
	configDir := pflag.StringP("config", "c", "config", "directory containing config.yaml")
	limit := pflag.IntP("limit", "n", 20, "number of records to show")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	err = run(cfg, w, *limit)
	w.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, w io.Writer, limit int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.Exchange.Venue == config.VenueBybit {
		client := bybit.NewClient(cfg.Exchange.Bybit)
		records, err := client.GetClosedPnL(ctx, cfg.Strategy.Symbol, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to fetch closed pnl: %v\n", err)
		} else {
			fmt.Fprintf(w, "VENUE\tTIME\tSIDE\tQTY\tENTRY\tEXIT\tPNL\n")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%.4f\t%.4f\t%.4f\n",
					cfg.Exchange.Venue, r.UpdatedAt.Format(time.DateTime), r.Side, r.Qty, r.EntryPrice, r.ExitPrice, r.RealizedPnL)
			}
			fmt.Fprintln(w)
		}
	}

	store, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	rec, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ledger state: %w", err)
	}
	fmt.Fprintf(w, "accumulated_losses\t%.4f\n", rec.AccumulatedLosses)
	fmt.Fprintf(w, "daily_pnl\t%.4f\n", rec.DailyPnL)
	fmt.Fprintf(w, "total_trades\t%d\n\n", rec.TotalTrades)

	trades, err := store.Trades(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to read trades: %w", err)
	}
	fmt.Fprintf(w, "LEDGER\tTIME\tACTION\tSIDE\tLEVEL\tSTAKE\tPNL\tLOSSES_AFTER\n")
	for _, t := range trades {
		fmt.Fprintf(w, "#%d\t%s\t%s\t%s\t%g\t%.4f\t%.4f\t%.4f\n",
			t.ID, t.Timestamp.Format(time.DateTime), t.Action, t.Side, t.GridLevel, t.StakeAmount, t.RealizedPnL, t.AccumulatedLossesAfter)
	}
	return nil
}
