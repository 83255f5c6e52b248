package server

import (
	"math"

	"github.com/mikky00B/Chess-Arena/arena"
)

// Thresholds for the think-time screen. Short games carry no signal,
// so nothing fires below fairplayMinMoves.
const (
	fairplayMinMoves  = 20
	fairplayLowAvgSec = 1.2
	fairplayLowStdSec = 0.35
)

type fairplayReport struct {
	MoveCount   int      `json:"move_count"`
	AvgThinkSec float64  `json:"avg_think_time_seconds"`
	StdThinkSec float64  `json:"std_think_time_seconds"`
	Risk        string   `json:"risk"`
	Signals     []string `json:"signals"`
}

// analyzeMoves screens a game's recorded think times for engine-like
// pacing: consistently near-instant moves over a long game.
func analyzeMoves(records []arena.MoveRecord) fairplayReport {
	if len(records) == 0 {
		return fairplayReport{Risk: "unknown", Signals: []string{}}
	}

	times := make([]float64, len(records))
	var sum float64
	for i, mr := range records {
		t := mr.ThinkTime.Seconds()
		if t < 0 {
			t = 0
		}
		times[i] = t
		sum += t
	}
	avg := sum / float64(len(times))

	var std float64
	if len(times) > 1 {
		var sq float64
		for _, t := range times {
			d := t - avg
			sq += d * d
		}
		std = math.Sqrt(sq / float64(len(times)))
	}

	signals := []string{}
	if len(records) >= fairplayMinMoves && avg < fairplayLowAvgSec {
		signals = append(signals, "very_low_average_think_time")
	}
	if len(records) >= fairplayMinMoves && std < fairplayLowStdSec {
		signals = append(signals, "unusually_low_time_variance")
	}

	risk := "low"
	switch {
	case len(signals) >= 2:
		risk = "high"
	case len(signals) == 1:
		risk = "medium"
	}

	return fairplayReport{
		MoveCount:   len(records),
		AvgThinkSec: round3(avg),
		StdThinkSec: round3(std),
		Risk:        risk,
		Signals:     signals,
	}
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
