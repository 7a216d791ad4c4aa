package backtest

import (
	"math"

	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
)

// ReasonStats per-exit-reason aggregate
type ReasonStats struct {
	Trades int     `json:"trades"`
	PnlUsd float64 `json:"pnl_usd"`
}

// Summary aggregate statistics over closed trades
type Summary struct {
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"` // percent
	TotalPnlUsd    float64 `json:"total_pnl_usd"`
	AvgWinUsd      float64 `json:"avg_win_usd"`
	AvgLossUsd     float64 `json:"avg_loss_usd"`
	ProfitFactor   float64 `json:"profit_factor"`
	TotalFeesUsd   float64 `json:"total_fees_usd"`
	TotalFunding   float64 `json:"total_funding_usd"`
	AvgHoldMinutes float64 `json:"avg_hold_minutes"`

	ByReason map[ledger.ExitReason]*ReasonStats `json:"by_reason"`
}

// Summarize aggregates close records into headline performance numbers
func Summarize(records []*ledger.TradeCloseRecord) *Summary {
	s := &Summary{ByReason: make(map[ledger.ExitReason]*ReasonStats)}

	var grossWin, grossLoss, holdSeconds float64
	for _, r := range records {
		s.TotalTrades++
		s.TotalPnlUsd += r.PnlUsd
		s.TotalFeesUsd += r.FeesUsd
		s.TotalFunding += r.FundingPaidUsd
		holdSeconds += float64(r.HoldDurationSeconds)

		if r.PnlUsd >= 0 {
			s.WinningTrades++
			grossWin += r.PnlUsd
		} else {
			s.LosingTrades++
			grossLoss += -r.PnlUsd
		}

		rs := s.ByReason[r.ExitReason]
		if rs == nil {
			rs = &ReasonStats{}
			s.ByReason[r.ExitReason] = rs
		}
		rs.Trades++
		rs.PnlUsd += r.PnlUsd
	}

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
		s.AvgHoldMinutes = holdSeconds / float64(s.TotalTrades) / 60
	}
	if s.WinningTrades > 0 {
		s.AvgWinUsd = grossWin / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AvgLossUsd = -grossLoss / float64(s.LosingTrades)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		s.ProfitFactor = math.Inf(1)
	}

	return s
}
