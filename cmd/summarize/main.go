// Summarize prints headline performance numbers from the trade ledger:
// win rate, P&L, fees and a per-exit-reason breakdown.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/nmdc00/Thufir-Hawat-sub003/backtest"
	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
)

func main() {
	dataDir := "data"
	if len(os.Args) > 1 {
		dataDir = os.Args[1]
	}

	store, err := ledger.Open(ledger.StoreConfig{DataDir: dataDir, DatabaseURL: os.Getenv("DATABASE_URL")})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to open ledger: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	records, err := store.CloseRecords(context.Background(), 10000)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to load close records: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(strings.Repeat("=", 72))
	fmt.Println("📊 CLOSED TRADE SUMMARY")
	fmt.Println(strings.Repeat("=", 72))
	fmt.Println()

	if len(records) == 0 {
		fmt.Println("No closed trades yet.")
		return
	}

	s := backtest.Summarize(records)

	fmt.Printf("Total trades:     %d\n", s.TotalTrades)
	fmt.Printf("Win rate:         %.1f%% (%d wins / %d losses)\n", s.WinRate, s.WinningTrades, s.LosingTrades)
	fmt.Printf("Total P&L:        $%.2f\n", s.TotalPnlUsd)
	fmt.Printf("Avg win / loss:   $%.2f / $%.2f\n", s.AvgWinUsd, s.AvgLossUsd)
	fmt.Printf("Profit factor:    %.2f\n", s.ProfitFactor)
	fmt.Printf("Fees paid:        $%.2f\n", s.TotalFeesUsd)
	fmt.Printf("Funding paid:     $%.2f\n", s.TotalFunding)
	fmt.Printf("Avg hold:         %.1f min\n", s.AvgHoldMinutes)
	fmt.Println()

	fmt.Println("By exit reason:")
	reasons := make([]string, 0, len(s.ByReason))
	for r := range s.ByReason {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		rs := s.ByReason[ledger.ExitReason(r)]
		fmt.Printf("  %-18s %4d trades   $%10.2f\n", r, rs.Trades, rs.PnlUsd)
	}
}
