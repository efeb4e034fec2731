package chesstournament

import (
	"errors"

	"github.com/notnil/chess"
)

var (
	ErrRulesInvalidPosition = errors.New("rules: invalid position")
	ErrRulesIllegalMove     = errors.New("rules: illegal move")
)

type TerminalState string

const (
	TerminalState_None      TerminalState = "none"
	TerminalState_Checkmate TerminalState = "checkmate"
	TerminalState_Stalemate TerminalState = "stalemate"
	TerminalState_Draw      TerminalState = "draw"
)

// RulesBackend is the external rules-engine collaborator. Positions cross the
// boundary as FEN strings, moves as SAN strings.
type RulesBackend interface {
	StartingPosition() string
	LegalMoves(fen string) ([]string, error)
	ApplyMove(fen string, move string) (string, error)
	IsTerminal(fen string) (TerminalState, error)
}

type nativeRulesBackend struct{}

// NewNativeRulesBackend returns a RulesBackend backed by the notnil/chess
// move generator.
func NewNativeRulesBackend() RulesBackend {
	return &nativeRulesBackend{}
}

func (rb *nativeRulesBackend) StartingPosition() string {
	return chess.NewGame().Position().String()
}

func (rb *nativeRulesBackend) newGame(fen string) (*chess.Game, error) {
	option, err := chess.FEN(fen)
	if err != nil {
		return nil, ErrRulesInvalidPosition
	}
	return chess.NewGame(option), nil
}

func (rb *nativeRulesBackend) LegalMoves(fen string) ([]string, error) {
	game, err := rb.newGame(fen)
	if err != nil {
		return nil, err
	}

	notation := chess.AlgebraicNotation{}
	moves := make([]string, 0)
	for _, move := range game.ValidMoves() {
		moves = append(moves, notation.Encode(game.Position(), move))
	}
	return moves, nil
}

func (rb *nativeRulesBackend) ApplyMove(fen string, move string) (string, error) {
	game, err := rb.newGame(fen)
	if err != nil {
		return "", err
	}

	if err := game.MoveStr(move); err != nil {
		return "", ErrRulesIllegalMove
	}
	return game.Position().String(), nil
}

func (rb *nativeRulesBackend) IsTerminal(fen string) (TerminalState, error) {
	game, err := rb.newGame(fen)
	if err != nil {
		return TerminalState_None, err
	}

	switch game.Position().Status() {
	case chess.Checkmate:
		return TerminalState_Checkmate, nil
	case chess.Stalemate:
		return TerminalState_Stalemate, nil
	}
	return TerminalState_None, nil
}
