package calc

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/perf-recon/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func rec(account, date, begin, contrib, distrib, end string) *model.CanonicalPerformanceRecord {
	return &model.CanonicalPerformanceRecord{
		AccountID:            account,
		AsOfDate:             day(date),
		BeginningMarketValue: d(begin),
		Contributions:        d(contrib),
		Distributions:        d(distrib),
		EndingMarketValue:    d(end),
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyPropagate, p)

	p, err = ParsePolicy("resume")
	require.NoError(t, err)
	assert.Equal(t, PolicyResume, p)

	_, err = ParsePolicy("restart")
	assert.Error(t, err)
}

func TestStep_MidPeriodFlow(t *testing.T) {
	r := rec("A1", "2024-01-31", "1000000", "50000", "0", "1080000")

	m, s := Step(r, State{}, PolicyPropagate)

	assert.True(t, m.NetFlow.Equal(d("50000")))
	require.True(t, m.CalculatedTWRR.Valid)
	assert.True(t, m.CalculatedTWRR.Decimal.Sub(d("0.0536585")).Abs().LessThan(d("0.0000001")),
		"got %s", m.CalculatedTWRR.Decimal)
	require.True(t, m.CumulativeTWRR.Valid)
	assert.True(t, m.CumulativeTWRR.Decimal.Equal(m.CalculatedTWRR.Decimal))
	assert.True(t, m.CumulativeNetFlow.Equal(d("50000")))
	assert.Equal(t, 1, s.Periods)
	assert.Equal(t, day("2024-01-31"), s.LastDate)
}

func TestStep_ZeroBeginningIsUndefined(t *testing.T) {
	r := rec("A1", "2024-01-31", "0", "100", "0", "100")

	m, s := Step(r, State{}, PolicyPropagate)

	assert.False(t, m.CalculatedTWRR.Valid)
	assert.False(t, m.CumulativeTWRR.Valid)
	assert.True(t, m.NetFlow.Equal(d("100")))
	assert.True(t, s.Undefined)
}

func TestStep_NegativeAdjustedBaseIsUndefined(t *testing.T) {
	r := rec("A1", "2024-01-31", "100", "0", "300", "0")

	m, _ := Step(r, State{}, PolicyPropagate)

	assert.False(t, m.CalculatedTWRR.Valid)
	assert.True(t, m.NetFlow.Equal(d("-300")))
}

func TestStep_NetFlowSign(t *testing.T) {
	r := rec("A1", "2024-01-31", "1000", "10", "25", "990")

	m, _ := Step(r, State{}, PolicyPropagate)

	assert.True(t, m.NetFlow.Equal(d("-15")))
}

func TestChain_GeometricLinking(t *testing.T) {
	records := []*model.CanonicalPerformanceRecord{
		rec("A1", "2024-01-31", "100", "0", "0", "102"),
		rec("A1", "2024-02-29", "102", "0", "0", "105.06"),
	}

	metrics, state, warnings := Chain(records, PolicyPropagate)

	require.Len(t, metrics, 2)
	assert.Empty(t, warnings)
	assert.True(t, metrics[0].CalculatedTWRR.Decimal.Equal(d("0.02")))
	assert.True(t, metrics[1].CalculatedTWRR.Decimal.Equal(d("0.03")))
	assert.True(t, metrics[1].CumulativeTWRR.Decimal.Equal(d("0.0506")), "got %s", metrics[1].CumulativeTWRR.Decimal)
	assert.True(t, state.CumulativeTWRR.Equal(d("0.0506")))
	assert.Equal(t, 2, state.Periods)
}

func TestChain_CumulativeMatchesProduct(t *testing.T) {
	records := []*model.CanonicalPerformanceRecord{
		rec("A1", "2024-01-31", "1000000", "50000", "0", "1080000"),
		rec("A1", "2024-02-29", "1080000", "0", "20000", "1071000"),
		rec("A1", "2024-03-31", "1071000", "12500", "3000", "1093210.55"),
		rec("A1", "2024-04-30", "1093210.55", "0", "0", "1050000"),
		rec("A1", "2024-05-31", "1050000", "250000", "0", "1310000"),
	}

	metrics, _, _ := Chain(records, PolicyPropagate)

	product := 1.0
	for _, m := range metrics {
		require.True(t, m.CalculatedTWRR.Valid)
		r, _ := m.CalculatedTWRR.Decimal.Float64()
		product *= 1 + r
	}
	got, _ := metrics[len(metrics)-1].CumulativeTWRR.Decimal.Float64()
	assert.InDelta(t, product-1, got, 1e-9)
}

func TestChain_CumulativeNetFlow(t *testing.T) {
	records := []*model.CanonicalPerformanceRecord{
		rec("A1", "2024-01-31", "100", "10", "0", "110"),
		rec("A1", "2024-02-29", "110", "0", "4", "106"),
		rec("A1", "2024-03-31", "106", "7", "2", "111"),
	}

	metrics, state, _ := Chain(records, PolicyPropagate)

	assert.True(t, metrics[0].CumulativeNetFlow.Equal(d("10")))
	assert.True(t, metrics[1].CumulativeNetFlow.Equal(d("6")))
	assert.True(t, metrics[2].CumulativeNetFlow.Equal(d("11")))
	assert.True(t, state.CumulativeNetFlow.Equal(d("11")))
}

func TestChain_PropagateUndefined(t *testing.T) {
	records := []*model.CanonicalPerformanceRecord{
		rec("A1", "2024-01-31", "100", "0", "0", "102"),
		rec("A1", "2024-02-29", "0", "0", "0", "50"),
		rec("A1", "2024-03-31", "50", "0", "0", "55"),
	}

	metrics, state, warnings := Chain(records, PolicyPropagate)

	assert.True(t, metrics[0].CumulativeTWRR.Valid)
	assert.False(t, metrics[1].CalculatedTWRR.Valid)
	assert.False(t, metrics[1].CumulativeTWRR.Valid)
	assert.True(t, metrics[2].CalculatedTWRR.Valid)
	assert.False(t, metrics[2].CumulativeTWRR.Valid)
	assert.True(t, state.Undefined)

	require.Len(t, warnings, 1)
	assert.Equal(t, model.IssueCalculationUndefined, warnings[0].Kind)
	assert.Equal(t, "A1", warnings[0].AccountID)
}

func TestChain_ResumeUndefined(t *testing.T) {
	records := []*model.CanonicalPerformanceRecord{
		rec("A1", "2024-01-31", "100", "0", "0", "102"),
		rec("A1", "2024-02-29", "0", "0", "0", "50"),
		rec("A1", "2024-03-31", "50", "0", "0", "55"),
	}

	metrics, state, _ := Chain(records, PolicyResume)

	assert.False(t, metrics[1].CumulativeTWRR.Valid)
	require.True(t, metrics[2].CumulativeTWRR.Valid)
	// 1.02 * 1.10 - 1
	assert.True(t, metrics[2].CumulativeTWRR.Decimal.Equal(d("0.122")), "got %s", metrics[2].CumulativeTWRR.Decimal)
	assert.False(t, state.Undefined)
}

func TestChain_FirstPeriodUndefinedNeverChains(t *testing.T) {
	records := []*model.CanonicalPerformanceRecord{
		rec("A1", "2024-01-31", "0", "100", "0", "100"),
		rec("A1", "2024-02-29", "100", "0", "0", "110"),
	}

	metrics, _, _ := Chain(records, PolicyPropagate)

	assert.False(t, metrics[0].CalculatedTWRR.Valid)
	assert.True(t, metrics[1].CalculatedTWRR.Valid)
	assert.False(t, metrics[1].CumulativeTWRR.Valid)
}

func TestChain_OrderingViolation(t *testing.T) {
	records := []*model.CanonicalPerformanceRecord{
		rec("A1", "2024-02-29", "100", "0", "0", "101"),
		rec("A1", "2024-01-31", "101", "0", "0", "102"),
		rec("A1", "2024-01-31", "102", "0", "0", "103"),
	}

	metrics, _, warnings := Chain(records, PolicyPropagate)

	assert.Len(t, metrics, 3)
	require.Len(t, warnings, 2)
	for _, w := range warnings {
		assert.Equal(t, model.IssueOrderingViolation, w.Kind)
	}
}

func TestChain_DuplicateDateSupersedesEarlierRecord(t *testing.T) {
	records := []*model.CanonicalPerformanceRecord{
		rec("A1", "2024-01-31", "1000", "10", "0", "1020"),
		rec("A1", "2024-01-31", "1000", "0", "0", "1010"),
		rec("A1", "2024-02-29", "1010", "0", "0", "1030.2"),
	}

	metrics, state, warnings := Chain(records, PolicyPropagate)

	require.Len(t, metrics, 3)
	require.True(t, metrics[1].CumulativeTWRR.Valid)
	assert.True(t, metrics[1].CumulativeTWRR.Decimal.Equal(d("0.01")), "got %s", metrics[1].CumulativeTWRR.Decimal)
	assert.True(t, metrics[1].CumulativeNetFlow.IsZero())
	require.True(t, metrics[2].CumulativeTWRR.Valid)
	assert.True(t, metrics[2].CumulativeTWRR.Decimal.Equal(d("0.0302")), "got %s", metrics[2].CumulativeTWRR.Decimal)
	assert.Equal(t, 2, state.Periods)

	require.Len(t, warnings, 1)
	assert.Equal(t, model.IssueOrderingViolation, warnings[0].Kind)
	assert.Contains(t, warnings[0].Message, "duplicate record dated 2024-01-31")
}

func TestChain_Empty(t *testing.T) {
	metrics, state, warnings := Chain(nil, PolicyPropagate)

	assert.Empty(t, metrics)
	assert.Empty(t, warnings)
	assert.Equal(t, 0, state.Periods)
}

func TestPartitionByAccount(t *testing.T) {
	first := rec("B", "2024-01-31", "1", "0", "0", "1")
	dup := rec("B", "2024-01-31", "2", "0", "0", "2")
	records := []*model.CanonicalPerformanceRecord{
		rec("B", "2024-03-31", "1", "0", "0", "1"),
		rec("A", "2024-02-29", "1", "0", "0", "1"),
		first,
		rec("A", "2024-01-31", "1", "0", "0", "1"),
		dup,
	}

	groups, warnings := PartitionByAccount(records)

	require.Len(t, groups, 2)
	assert.Equal(t, "A", groups[0][0].AccountID)
	assert.Equal(t, day("2024-01-31"), groups[0][0].AsOfDate)
	assert.Equal(t, day("2024-02-29"), groups[0][1].AsOfDate)

	require.Len(t, groups[1], 3)
	assert.Same(t, first, groups[1][0])
	assert.Same(t, dup, groups[1][1])
	assert.Equal(t, day("2024-03-31"), groups[1][2].AsOfDate)

	require.Len(t, warnings, 3)
	for _, w := range warnings {
		assert.Equal(t, model.IssueOrderingViolation, w.Kind)
	}
	assert.Equal(t, "B", warnings[0].AccountID)
	assert.Contains(t, warnings[0].Message, "record dated 2024-01-31")
	assert.Contains(t, warnings[0].Message, "arrived after 2024-03-31")
	assert.Equal(t, "A", warnings[1].AccountID)
}

func TestPartitionByAccount_InOrderInputRaisesNothing(t *testing.T) {
	_, warnings := PartitionByAccount([]*model.CanonicalPerformanceRecord{
		rec("A", "2024-01-31", "1", "0", "0", "1"),
		rec("B", "2024-01-31", "1", "0", "0", "1"),
		rec("A", "2024-02-29", "1", "0", "0", "1"),
	})
	assert.Empty(t, warnings)
}
