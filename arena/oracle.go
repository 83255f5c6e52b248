package arena

import (
	"fmt"

	chess "github.com/corentings/chess/v2"
)

// Oracle decides move legality and terminal classification. The arena
// consumes it and never implements chess rules itself.
type Oracle interface {
	// LegalMoves lists the legal move tokens (UCI) for the position.
	LegalMoves(fen string) ([]string, error)

	// Apply returns the position after playing token, or ErrIllegalMove.
	Apply(fen, token string) (string, error)

	// Classify reports the terminal outcome encoded by the position,
	// or OutcomeNone when play continues.
	Classify(fen string) (Outcome, error)
}

// chessOracle adapts the corentings/chess engine to the Oracle
// interface. Tokens are accepted in UCI form first with a SAN
// fallback, matching what web boards send.
type chessOracle struct{}

// NewChessOracle returns the default rules oracle.
func NewChessOracle() Oracle { return chessOracle{} }

func gameFromFEN(fen string) (*chess.Game, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("bad position %q: %w", fen, err)
	}
	return chess.NewGame(opt), nil
}

func (chessOracle) LegalMoves(fen string) ([]string, error) {
	game, err := gameFromFEN(fen)
	if err != nil {
		return nil, err
	}
	moves := game.ValidMoves()
	out := make([]string, 0, len(moves))
	for i := range moves {
		out = append(out, moves[i].String())
	}
	return out, nil
}

func (chessOracle) Apply(fen, token string) (string, error) {
	game, err := gameFromFEN(fen)
	if err != nil {
		return "", err
	}

	pos := game.Position()
	if mv, derr := (chess.UCINotation{}).Decode(pos, token); derr == nil {
		if err := game.Move(mv, nil); err == nil {
			return game.FEN(), nil
		}
	}
	// SAN fallback (e4, Nf3, ...) only when UCI parsing fails.
	if err := game.PushNotationMove(token, chess.AlgebraicNotation{}, nil); err != nil {
		return "", ErrIllegalMove
	}
	return game.FEN(), nil
}

func (chessOracle) Classify(fen string) (Outcome, error) {
	game, err := gameFromFEN(fen)
	if err != nil {
		return OutcomeNone, err
	}

	switch game.Outcome() {
	case chess.WhiteWon, chess.BlackWon:
		// From a bare position the only decisive method is checkmate;
		// resignations and timeouts are the state machine's domain.
		return OutcomeCheckmate, nil
	case chess.Draw:
		if game.Method() == chess.Stalemate {
			return OutcomeStalemate, nil
		}
		return OutcomeDrawRule, nil
	}
	return OutcomeNone, nil
}
