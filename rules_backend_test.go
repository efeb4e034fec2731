package chesstournament

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const foolsMateFEN = "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3"

func TestNativeRulesBackend_OpeningMoves(t *testing.T) {
	rules := NewNativeRulesBackend()

	start := rules.StartingPosition()
	assert.True(t, strings.HasPrefix(start, "rnbqkbnr/pppppppp/"))

	moves, err := rules.LegalMoves(start)
	assert.Nil(t, err)
	assert.Equal(t, 20, len(moves))
	assert.Contains(t, moves, "e4")
	assert.Contains(t, moves, "Nf3")
}

func TestNativeRulesBackend_ApplyMove(t *testing.T) {
	rules := NewNativeRulesBackend()
	start := rules.StartingPosition()

	next, err := rules.ApplyMove(start, "e4")
	assert.Nil(t, err)
	assert.Contains(t, next, " b ", "black to move after e4")

	_, err = rules.ApplyMove(start, "e5")
	assert.ErrorIs(t, err, ErrRulesIllegalMove)

	_, err = rules.ApplyMove("not a position", "e4")
	assert.ErrorIs(t, err, ErrRulesInvalidPosition)
}

func TestNativeRulesBackend_Terminal(t *testing.T) {
	rules := NewNativeRulesBackend()

	state, err := rules.IsTerminal(rules.StartingPosition())
	assert.Nil(t, err)
	assert.Equal(t, TerminalState_None, state)

	state, err = rules.IsTerminal(foolsMateFEN)
	assert.Nil(t, err)
	assert.Equal(t, TerminalState_Checkmate, state)

	moves, err := rules.LegalMoves(foolsMateFEN)
	assert.Nil(t, err)
	assert.Empty(t, moves)
}
