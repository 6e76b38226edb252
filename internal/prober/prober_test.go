package prober

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesAny(t *testing.T) {
	assert.True(t, matchesAny("vrchat.exe", []string{"vrchat"}))
	assert.True(t, matchesAny("VRChat", []string{"vrchat.exe"}))
	assert.False(t, matchesAny("steam.exe", []string{"vrchat"}))
	assert.False(t, matchesAny("anything", nil))
}

func TestSelectCandidate_PrefersNonAuxiliary(t *testing.T) {
	cands := []candidate{
		{pid: 10, auxiliary: true},
		{pid: 20, auxiliary: false},
		{pid: 30, auxiliary: false},
	}
	got, ok := selectCandidate(cands)
	assert.True(t, ok)
	assert.Equal(t, int32(20), got.pid)
}

func TestSelectCandidate_FallsBackToAuxiliary(t *testing.T) {
	cands := []candidate{
		{pid: 10, auxiliary: true},
	}
	got, ok := selectCandidate(cands)
	assert.True(t, ok)
	assert.Equal(t, int32(10), got.pid)
}

func TestProbe_NoStrategiesMatchReturnsAbsent(t *testing.T) {
	p := New(Config{
		ExecutableNames:       []string{"definitely-not-a-real-process-name"},
		CommandLineSubstrings: []string{"definitely-not-a-real-process-name"},
	}, -1)
	result := p.Probe(context.Background())
	assert.False(t, result.Present)
}
