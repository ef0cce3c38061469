package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"investLedger/internal/domain"
)

// PerformanceMetrics holds realized performance of closed deals
type PerformanceMetrics struct {
	// Basic Metrics
	TotalDeals    int
	WinningDeals  int
	LosingDeals   int
	WinRate       decimal.Decimal // Fraction of deals with positive profit
	TotalProfit   decimal.Decimal
	TotalFees     decimal.Decimal
	GrossProfit   decimal.Decimal
	GrossLoss     decimal.Decimal // Negative or zero
	ProfitFactor  decimal.Decimal // GrossProfit / -GrossLoss, zero without losses
	AverageWin    decimal.Decimal
	AverageLoss   decimal.Decimal
	MaxDrawdown   decimal.Decimal // Largest fall of cumulative profit from its peak
	AverageProfit decimal.Decimal

	// Advanced Metrics
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageHolding       time.Duration
	MonthlyProfit        map[string]decimal.Decimal
	Assets               map[string]*AssetStats
	EquityCurve          []EquityPoint
}

// AssetStats aggregates the deals of one symbol
type AssetStats struct {
	Symbol   string
	Deals    int
	Quantity decimal.Decimal
	Profit   decimal.Decimal
	Fees     decimal.Decimal
}

// EquityPoint represents a point on the cumulative profit curve
type EquityPoint struct {
	Time   time.Time
	Profit decimal.Decimal
}

// AnalyzePerformance calculates performance metrics from realized deals.
// Deals closed by corporate actions carry no profit and are left out.
func AnalyzePerformance(deals []*domain.Deal, dc domain.Context) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		WinRate:       decimal.Zero,
		TotalProfit:   decimal.Zero,
		TotalFees:     decimal.Zero,
		GrossProfit:   decimal.Zero,
		GrossLoss:     decimal.Zero,
		ProfitFactor:  decimal.Zero,
		AverageWin:    decimal.Zero,
		AverageLoss:   decimal.Zero,
		MaxDrawdown:   decimal.Zero,
		AverageProfit: decimal.Zero,
		MonthlyProfit: make(map[string]decimal.Decimal),
		Assets:        make(map[string]*AssetStats),
		EquityCurve:   make([]EquityPoint, 0),
	}

	realized := make([]*domain.Deal, 0, len(deals))
	for _, d := range deals {
		if d.CloseKind == domain.KindTrade {
			realized = append(realized, d)
		}
	}
	if len(realized) == 0 {
		return metrics
	}

	// Sort deals by close time
	sort.SliceStable(realized, func(i, j int) bool {
		if realized[i].CloseTimestamp != realized[j].CloseTimestamp {
			return realized[i].CloseTimestamp < realized[j].CloseTimestamp
		}
		return realized[i].CloseSequenceID < realized[j].CloseSequenceID
	})

	peak := decimal.Zero
	var consecutiveWins, consecutiveLosses int
	var totalHolding time.Duration

	for _, d := range realized {
		metrics.TotalDeals++
		profit := d.Profit()
		fees := dc.Add(d.FeeOpen, d.FeeClose)

		if profit.IsPositive() {
			metrics.WinningDeals++
			consecutiveWins++
			consecutiveLosses = 0
			metrics.GrossProfit = dc.Add(metrics.GrossProfit, profit)
		} else {
			metrics.LosingDeals++
			consecutiveLosses++
			consecutiveWins = 0
			metrics.GrossLoss = dc.Add(metrics.GrossLoss, profit)
		}
		if consecutiveWins > metrics.MaxConsecutiveWins {
			metrics.MaxConsecutiveWins = consecutiveWins
		}
		if consecutiveLosses > metrics.MaxConsecutiveLosses {
			metrics.MaxConsecutiveLosses = consecutiveLosses
		}

		metrics.TotalProfit = dc.Add(metrics.TotalProfit, profit)
		metrics.TotalFees = dc.Add(metrics.TotalFees, fees)

		closed := time.Unix(d.CloseTimestamp, 0).UTC()
		month := closed.Format("2006-01")
		metrics.MonthlyProfit[month] = dc.Add(metrics.MonthlyProfit[month], profit)
		totalHolding += closed.Sub(time.Unix(d.OpenTimestamp, 0).UTC())

		stats, ok := metrics.Assets[d.Symbol]
		if !ok {
			stats = &AssetStats{Symbol: d.Symbol, Quantity: decimal.Zero, Profit: decimal.Zero, Fees: decimal.Zero}
			metrics.Assets[d.Symbol] = stats
		}
		stats.Deals++
		stats.Quantity = dc.Add(stats.Quantity, d.Quantity)
		stats.Profit = dc.Add(stats.Profit, profit)
		stats.Fees = dc.Add(stats.Fees, fees)

		// Update drawdown tracking
		if metrics.TotalProfit.GreaterThan(peak) {
			peak = metrics.TotalProfit
		} else if drawdown := dc.Sub(peak, metrics.TotalProfit); drawdown.GreaterThan(metrics.MaxDrawdown) {
			metrics.MaxDrawdown = drawdown
		}
		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{Time: closed, Profit: metrics.TotalProfit})
	}

	total := decimal.NewFromInt(int64(metrics.TotalDeals))
	metrics.WinRate = dc.Div(decimal.NewFromInt(int64(metrics.WinningDeals)), total)
	metrics.AverageProfit = dc.Div(metrics.TotalProfit, total)
	metrics.AverageHolding = totalHolding / time.Duration(metrics.TotalDeals)
	if metrics.WinningDeals > 0 {
		metrics.AverageWin = dc.Div(metrics.GrossProfit, decimal.NewFromInt(int64(metrics.WinningDeals)))
	}
	if metrics.LosingDeals > 0 {
		metrics.AverageLoss = dc.Div(metrics.GrossLoss, decimal.NewFromInt(int64(metrics.LosingDeals)))
	}
	if metrics.GrossLoss.IsNegative() {
		metrics.ProfitFactor = dc.Div(metrics.GrossProfit, metrics.GrossLoss.Neg())
	}

	return metrics
}

// GetMonthlyProfit returns the monthly profit as a sorted slice
func (m *PerformanceMetrics) GetMonthlyProfit() []MonthlyProfit {
	out := make([]MonthlyProfit, 0, len(m.MonthlyProfit))
	for month, profit := range m.MonthlyProfit {
		date, _ := time.Parse("2006-01", month)
		out = append(out, MonthlyProfit{Month: date, Profit: profit})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Month.Before(out[j].Month)
	})
	return out
}

// GetAssets returns per-symbol statistics ordered by symbol
func (m *PerformanceMetrics) GetAssets() []*AssetStats {
	out := make([]*AssetStats, 0, len(m.Assets))
	for _, s := range m.Assets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// MonthlyProfit represents the realized profit of one month
type MonthlyProfit struct {
	Month  time.Time
	Profit decimal.Decimal
}
