package extremum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-structure-lab/internal/domain"
)

// highs builds bars one minute apart with the given high prices.
func highs(prices ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(prices))
	for i, p := range prices {
		bars[i] = domain.Bar{OpenTime: int64(i+1) * 60_000, HighPrice: p, LowPrice: p - 1}
	}
	return bars
}

// lows builds bars one minute apart with the given low prices.
func lows(prices ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(prices))
	for i, p := range prices {
		bars[i] = domain.Bar{OpenTime: int64(i+1) * 60_000, HighPrice: p + 1, LowPrice: p}
	}
	return bars
}

func highCfg(tolerance float64, window int) Config {
	return Config{Side: domain.SideHigh, Tolerance: tolerance, ConfirmWindow: window, BandMode: BandTolerance}
}

func lowCfg(tolerance float64, window int, mode BandMode) Config {
	return Config{Side: domain.SideLow, Tolerance: tolerance, ConfirmWindow: window, BandMode: mode}
}

func TestReconcile_MonotoneRetirement(t *testing.T) {
	stack, stats := Reconcile(highs(10, 12), nil, highCfg(0, 3))

	require.Len(t, stack, 1)
	assert.Equal(t, 12.0, stack[0].Price)
	assert.Equal(t, int64(120_000), stack[0].OpenTime)
	assert.Equal(t, 1, stack[0].KickCount)
	assert.Equal(t, 1, stats.Popped)
	assert.Equal(t, 2, stats.Pushed)
}

func TestReconcile_ToleranceBandMerge(t *testing.T) {
	stack, stats := Reconcile(highs(10, 11), nil, highCfg(2, 3))

	require.Len(t, stack, 1)
	assert.Equal(t, 10.0, stack[0].Price)
	assert.Equal(t, int64(60_000), stack[0].OpenTime)
	assert.Equal(t, 2, stack[0].KickCount)
	assert.Equal(t, 1, stats.Kicked)
}

func TestReconcile_IdempotentRevisit(t *testing.T) {
	stack, _ := Reconcile(highs(10, 10.5, 10.5), nil, highCfg(1, 3))

	require.Len(t, stack, 1, "revisits must not create duplicate records")
	assert.Equal(t, 10.0, stack[0].Price)
	assert.Equal(t, 3, stack[0].KickCount, "one kick per revisiting bar")
}

func TestReconcile_ConfirmationWindow(t *testing.T) {
	// 9 and 8 arrive before index 3 and are never promoted. 9.5 at index 3
	// dominates the trailing window {8, 9} (10 at index 0 is outside it).
	stack, stats := Reconcile(highs(10, 9, 8, 9.5), nil, highCfg(0, 3))

	require.Len(t, stack, 2)
	assert.Equal(t, 10.0, stack[0].Price)
	assert.Equal(t, 9.5, stack[1].Price)
	assert.Equal(t, int64(240_000), stack[1].OpenTime)
	assert.Equal(t, 2, stats.Rejected)
}

func TestReconcile_ConfirmationRejectsDominatedCandidate(t *testing.T) {
	// 8.5 at index 3 is lower than 9 at index 2.
	stack, _ := Reconcile(highs(10, 7, 9, 8.5), nil, highCfg(0, 3))

	require.Len(t, stack, 1)
	assert.Equal(t, 10.0, stack[0].Price)
}

func TestReconcile_PopCascade(t *testing.T) {
	prior := domain.ExtremumStack{
		{OpenTime: 1_000, Price: 20, KickCount: 4},
		{OpenTime: 2_000, Price: 15, KickCount: 1},
		{OpenTime: 3_000, Price: 12, KickCount: 2},
	}
	bars := []domain.Bar{{OpenTime: 4_000, HighPrice: 16}}

	stack, stats := Reconcile(bars, prior, highCfg(0.5, 3))

	// 16 retires 12 and 15, then falls inside neither band of 20 and is
	// rejected because the fresh sequence has no confirmation history.
	require.Len(t, stack, 1)
	assert.Equal(t, 20.0, stack[0].Price)
	assert.Equal(t, 4, stack[0].KickCount)
	assert.Equal(t, 2, stats.Popped)
	assert.Equal(t, 1, stats.Rejected)
}

func TestReconcile_PopThenKickNewTop(t *testing.T) {
	prior := domain.ExtremumStack{
		{OpenTime: 1_000, Price: 20, KickCount: 1},
		{OpenTime: 2_000, Price: 15, KickCount: 1},
	}
	bars := []domain.Bar{{OpenTime: 3_000, HighPrice: 19.5}}

	stack, stats := Reconcile(bars, prior, highCfg(1, 3))

	require.Len(t, stack, 1)
	assert.Equal(t, 20.0, stack[0].Price)
	assert.Equal(t, 2, stack[0].KickCount)
	assert.Equal(t, 1, stats.Popped)
	assert.Equal(t, 1, stats.Kicked)
}

func TestReconcile_ZeroToleranceEqualPriceIsNotARevisit(t *testing.T) {
	// With a zero-width band the strict comparisons leave an equal price
	// in the candidate branch.
	stack, stats := Reconcile(highs(10, 10), nil, highCfg(0, 1))

	require.Len(t, stack, 2)
	assert.Equal(t, 0, stats.Kicked)
}

func TestReconcile_ZeroConfirmWindowAlwaysConfirms(t *testing.T) {
	stack, _ := Reconcile(highs(10, 5, 3), nil, highCfg(0, 0))

	require.Len(t, stack, 3)
	assert.Equal(t, []float64{10, 5, 3}, prices(stack))
}

func TestReconcile_EmptyBarsReturnsPrior(t *testing.T) {
	prior := domain.ExtremumStack{{OpenTime: 1_000, Price: 10, KickCount: 2}}

	stack, stats := Reconcile(nil, prior, highCfg(0, 3))

	assert.Equal(t, prior, stack)
	assert.Equal(t, Stats{}, stats)
}

func TestReconcile_DoesNotMutatePrior(t *testing.T) {
	prior := domain.ExtremumStack{
		{OpenTime: 1_000, Price: 10, KickCount: 1},
		{OpenTime: 2_000, Price: 8, KickCount: 1},
	}
	snapshot := prior.Clone()

	_, _ = Reconcile(highs(8.2, 11), prior, highCfg(0.5, 3))

	assert.Equal(t, snapshot, prior)
}

func TestReconcile_StackStaysOrdered(t *testing.T) {
	bars := highs(5, 9, 7, 6, 6.5, 8, 4, 3, 5.5, 2, 2.2, 10, 7, 6, 6.8)

	stack, _ := Reconcile(bars, nil, highCfg(0.3, 2))

	require.NoError(t, stack.Validate())
}

func TestReconcile_LowTrackerMirrorsHigh(t *testing.T) {
	stack, _ := Reconcile(lows(10, 8), nil, lowCfg(0, 3, BandTolerance))
	require.Len(t, stack, 1)
	assert.Equal(t, 8.0, stack[0].Price)

	stack, _ = Reconcile(lows(10, 11), nil, lowCfg(2, 3, BandTolerance))
	require.Len(t, stack, 1)
	assert.Equal(t, 10.0, stack[0].Price)
	assert.Equal(t, 2, stack[0].KickCount)

	stack, _ = Reconcile(lows(10, 11, 12, 10.5), nil, lowCfg(0, 3, BandTolerance))
	require.Len(t, stack, 2)
	assert.Equal(t, []float64{10, 10.5}, prices(stack))
}

func TestReconcile_LowTrackerExactBand(t *testing.T) {
	// Exact mode only merges an identical price.
	stack, stats := Reconcile(lows(10, 10), nil, lowCfg(1, 3, BandExact))
	require.Len(t, stack, 1)
	assert.Equal(t, 2, stack[0].KickCount)
	assert.Equal(t, 1, stats.Kicked)

	// 10.5 is inside the tolerance band but not equal: it becomes a
	// candidate and is rejected for lack of history.
	stack, stats = Reconcile(lows(10, 10.5), nil, lowCfg(1, 3, BandExact))
	require.Len(t, stack, 1)
	assert.Equal(t, 1, stack[0].KickCount)
	assert.Equal(t, 1, stats.Rejected)

	// The pop threshold still honours the tolerance.
	stack, _ = Reconcile(lows(10, 9.5), nil, lowCfg(1, 3, BandExact))
	require.Len(t, stack, 1)
	assert.Equal(t, 10.0, stack[0].Price)
}

func TestReconcileWithHistory_SplitEqualsContinuous(t *testing.T) {
	bars := highs(5, 9, 7, 6, 6.5, 8, 4, 3, 5.5, 2, 2.2, 10, 7, 6, 6.8, 6.1, 6.9, 1, 3, 2)

	for _, cfg := range []Config{
		highCfg(0, 3),
		highCfg(0.4, 2),
		highCfg(0.25, 4),
		lowCfg(0.3, 3, BandTolerance),
		lowCfg(0.3, 3, BandExact),
	} {
		want, _ := Reconcile(bars, nil, cfg)

		for split := 1; split < len(bars); split++ {
			first, second := bars[:split], bars[split:]
			history := first
			if len(history) > cfg.ConfirmWindow {
				history = history[len(history)-cfg.ConfirmWindow:]
			}

			mid, _ := Reconcile(first, nil, cfg)
			got, _ := ReconcileWithHistory(history, second, mid, cfg)

			assert.Equal(t, want, got, "side=%s tol=%v window=%d split=%d", cfg.Side, cfg.Tolerance, cfg.ConfirmWindow, split)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default high", DefaultConfig(domain.SideHigh), false},
		{"default low", DefaultConfig(domain.SideLow), false},
		{"empty band mode", Config{Side: domain.SideHigh, ConfirmWindow: 1}, false},
		{"bad side", Config{Side: "mid"}, true},
		{"negative tolerance", Config{Side: domain.SideHigh, Tolerance: -1}, true},
		{"negative window", Config{Side: domain.SideLow, ConfirmWindow: -1}, true},
		{"bad band mode", Config{Side: domain.SideLow, BandMode: "fuzzy"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func prices(stack domain.ExtremumStack) []float64 {
	out := make([]float64, len(stack))
	for i, r := range stack {
		out[i] = r.Price
	}
	return out
}

func TestReconcileWithHistory_OnlyPushesAfterTop(t *testing.T) {
	prior := domain.ExtremumStack{{OpenTime: 300_000, Price: 20, KickCount: 1}}
	history := highs(5, 6, 7)
	bars := []domain.Bar{
		{OpenTime: 240_000, HighPrice: 9, LowPrice: 8},     // confirmed but older than the top
		{OpenTime: 300_000, HighPrice: 9.5, LowPrice: 8.5}, // re-read of the top's own bar
		{OpenTime: 360_000, HighPrice: 9.8, LowPrice: 8.8},
	}

	stack, stats := ReconcileWithHistory(history, bars, prior, highCfg(0, 3))

	require.Len(t, stack, 2)
	assert.Equal(t, prior[0], stack[0])
	assert.Equal(t, int64(360_000), stack[1].OpenTime)
	assert.Equal(t, 9.8, stack[1].Price)
	assert.Equal(t, 2, stats.Rejected)
	assert.Equal(t, 1, stats.Pushed)
}
