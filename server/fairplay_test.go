package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mikky00B/Chess-Arena/arena"
)

func uniformMoves(n int, think time.Duration) []arena.MoveRecord {
	out := make([]arena.MoveRecord, n)
	for i := range out {
		out[i] = arena.MoveRecord{Seq: i + 1, ThinkTime: think}
	}
	return out
}

func TestAnalyzeMoves_Empty(t *testing.T) {
	report := analyzeMoves(nil)
	assert.Equal(t, "unknown", report.Risk)
	assert.Equal(t, 0, report.MoveCount)
}

func TestAnalyzeMoves_EnginePacing(t *testing.T) {
	report := analyzeMoves(uniformMoves(24, 800*time.Millisecond))
	assert.Equal(t, "high", report.Risk)
	assert.Contains(t, report.Signals, "very_low_average_think_time")
	assert.Contains(t, report.Signals, "unusually_low_time_variance")
	assert.Equal(t, 0.8, report.AvgThinkSec)
	assert.Equal(t, 0.0, report.StdThinkSec)
}

func TestAnalyzeMoves_MetronomePacing(t *testing.T) {
	// Slow but perfectly even: only the variance signal fires.
	report := analyzeMoves(uniformMoves(24, 5*time.Second))
	assert.Equal(t, "medium", report.Risk)
	assert.Equal(t, []string{"unusually_low_time_variance"}, report.Signals)
}

func TestAnalyzeMoves_HumanPacing(t *testing.T) {
	moves := make([]arena.MoveRecord, 0, 24)
	for i := 0; i < 24; i++ {
		moves = append(moves, arena.MoveRecord{
			Seq:       i + 1,
			ThinkTime: time.Duration(2+i%7) * time.Second,
		})
	}
	report := analyzeMoves(moves)
	assert.Equal(t, "low", report.Risk)
	assert.Empty(t, report.Signals)
}

func TestAnalyzeMoves_ShortGameNeverFlagged(t *testing.T) {
	report := analyzeMoves(uniformMoves(10, 100*time.Millisecond))
	assert.Equal(t, "low", report.Risk)
	assert.Empty(t, report.Signals)
}
