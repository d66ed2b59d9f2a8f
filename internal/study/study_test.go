package study

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrisk/internal/domain"
)

var tickers = []string{"MSFT", "AAPL", "TSLA", "JPM", "PFE", "WMT", "XOM", "BA"}

func TestParseParticipantIndex(t *testing.T) {
	n, err := ParseParticipantIndex("P01")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ParseParticipantIndex("P17")
	require.NoError(t, err)
	assert.Equal(t, 17, n)

	for _, bad := range []string{"", "P", "Pxx", "P0", "P-3"} {
		_, err := ParseParticipantIndex(bad)
		assert.Error(t, err, "id %q", bad)
	}
}

func TestGroupFor(t *testing.T) {
	for id, want := range map[string]domain.Group{
		"P01": domain.GroupA,
		"P02": domain.GroupB,
		"P03": domain.GroupA,
		"P10": domain.GroupB,
	} {
		g, err := GroupFor(id)
		require.NoError(t, err)
		assert.Equal(t, want, g, "id %s", id)
	}
}

func TestPhaseModes(t *testing.T) {
	assert.Equal(t,
		[]domain.Mode{domain.ModeBaseline, domain.ModeHITLR, domain.ModeHITLFull},
		PhaseModes(domain.GroupA))
	assert.Equal(t,
		[]domain.Mode{domain.ModeBaseline, domain.ModeHITLG, domain.ModeHITLFull},
		PhaseModes(domain.GroupB))
}

func TestModeForPhase(t *testing.T) {
	m, err := ModeForPhase(domain.GroupA, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeHITLR, m)

	_, err = ModeForPhase(domain.GroupA, 0)
	assert.Error(t, err)
	_, err = ModeForPhase(domain.GroupA, 4)
	assert.Error(t, err)
}

func TestTickerSequence(t *testing.T) {
	// P01 and P02 share offset 0, P03 and P04 offset 1
	seq, err := TickerSequence("P01", tickers)
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT", "AAPL", "TSLA"}, seq)

	seq, err = TickerSequence("P02", tickers)
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT", "AAPL", "TSLA"}, seq)

	seq, err = TickerSequence("P03", tickers)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "TSLA", "JPM"}, seq)

	// wraps around the list
	seq, err = TickerSequence("P15", tickers)
	require.NoError(t, err)
	assert.Equal(t, []string{"BA", "MSFT", "AAPL"}, seq)
}
