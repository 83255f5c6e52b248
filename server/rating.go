package server

import "math"

const ratingK = 32

// eloExpected is the expected score of a player rated a against one
// rated b.
func eloExpected(a, b int) float64 {
	return 1 / (1 + math.Pow(10, float64(b-a)/400))
}

// eloUpdate returns the new ratings for two players given the first
// player's actual score (1 win, 0.5 draw, 0 loss).
func eloUpdate(a, b int, scoreA float64) (int, int) {
	newA := float64(a) + ratingK*(scoreA-eloExpected(a, b))
	newB := float64(b) + ratingK*((1-scoreA)-eloExpected(b, a))
	return int(math.Round(newA)), int(math.Round(newB))
}
