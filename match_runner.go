package chesstournament

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/thoas/go-funk"
)

var (
	ErrMatchIllegalEngineMove = errors.New("match: engine returned an illegal move")
)

type matchOutcomeKind int

const (
	matchOutcome_Finished matchOutcomeKind = iota
	matchOutcome_Aborted
	matchOutcome_Timeout
	matchOutcome_Failed
)

// matchOutcome carries everything a play-out produced, including partial
// history when the match was aborted mid-game.
type matchOutcome struct {
	kind      matchOutcomeKind
	result    MatchResult
	moves     []string
	positions []string
	evals     []*EvalSnapshot
	err       error
}

type matchRunnerInput struct {
	white       *Entrant
	black       *Entrant
	moves       []string
	positions   []string
	evals       []*EvalSnapshot
	deadline    time.Duration
	maxPly      int
	moveDelayMS int
}

type matchRunner struct {
	pool  *EnginePool
	rules RulesBackend
}

func newMatchRunner(pool *EnginePool, rules RulesBackend) *matchRunner {
	return &matchRunner{
		pool:  pool,
		rules: rules,
	}
}

/*
Play drives one match to completion or abort. The play-out is strictly
sequential: engine move request, rules validation, evaluation, optional
delay, all time-boxed against the match's wall-clock budget and cancellable
through ctx. A paused match keeps its partial history and resumes from the
last stored position.
*/
func (mr *matchRunner) Play(ctx context.Context, in matchRunnerInput) matchOutcome {
	ctx, cancel := context.WithTimeout(ctx, in.deadline)
	defer cancel()

	release := mr.pool.Protect(in.white.ID, in.black.ID)
	defer release()

	moves := append(make([]string, 0, len(in.moves)), in.moves...)
	positions := append(make([]string, 0, len(in.positions)), in.positions...)
	evals := append(make([]*EvalSnapshot, 0, len(in.evals)), in.evals...)
	if len(positions) == 0 {
		positions = append(positions, mr.rules.StartingPosition())
	}

	whiteInstance, err := mr.pool.Acquire(ctx, in.white)
	if err != nil {
		return mr.interrupted(ctx, err, moves, positions, evals)
	}
	blackInstance, err := mr.pool.Acquire(ctx, in.black)
	if err != nil {
		return mr.interrupted(ctx, err, moves, positions, evals)
	}

	snapshotEval := func() error {
		position := positions[len(positions)-1]
		whiteEval, err := whiteInstance.Evaluate(ctx, position, moves)
		if err != nil {
			return err
		}
		blackEval, err := blackInstance.Evaluate(ctx, position, moves)
		if err != nil {
			return err
		}
		evals = append(evals, &EvalSnapshot{
			Ply:   len(moves),
			White: whiteEval,
			Black: blackEval,
		})
		return nil
	}

	if len(evals) == 0 {
		if err := snapshotEval(); err != nil {
			return mr.interrupted(ctx, err, moves, positions, evals)
		}
	}

	finished := func(result MatchResult) matchOutcome {
		return matchOutcome{
			kind:      matchOutcome_Finished,
			result:    result,
			moves:     moves,
			positions: positions,
			evals:     evals,
		}
	}

	for {
		position := positions[len(positions)-1]

		terminal, err := mr.rules.IsTerminal(position)
		if err != nil {
			return mr.interrupted(ctx, err, moves, positions, evals)
		}
		switch terminal {
		case TerminalState_Checkmate:
			// the side to move is the mated side
			if len(moves)%2 == 0 {
				return finished(MatchResult_BlackWin)
			}
			return finished(MatchResult_WhiteWin)
		case TerminalState_Stalemate, TerminalState_Draw:
			return finished(MatchResult_Draw)
		}

		if len(moves) >= in.maxPly || isRepetition(positions) {
			return finished(MatchResult_Draw)
		}

		legalMoves, err := mr.rules.LegalMoves(position)
		if err != nil {
			return mr.interrupted(ctx, err, moves, positions, evals)
		}
		if len(legalMoves) == 0 {
			return finished(MatchResult_Draw)
		}

		instance, temperature := whiteInstance, in.white.Temperature
		if len(moves)%2 == 1 {
			instance, temperature = blackInstance, in.black.Temperature
		}

		move, _, err := instance.BestMove(ctx, position, moves, legalMoves, temperature)
		if err != nil {
			return mr.interrupted(ctx, err, moves, positions, evals)
		}
		if !funk.ContainsString(legalMoves, move) {
			// an engine that cannot produce a legal move is as broken as one
			// that errors out
			return mr.interrupted(ctx, ErrMatchIllegalEngineMove, moves, positions, evals)
		}

		next, err := mr.rules.ApplyMove(position, move)
		if err != nil {
			return mr.interrupted(ctx, err, moves, positions, evals)
		}
		moves = append(moves, move)
		positions = append(positions, next)

		if err := snapshotEval(); err != nil {
			return mr.interrupted(ctx, err, moves, positions, evals)
		}

		if in.moveDelayMS > 0 {
			select {
			case <-ctx.Done():
				return mr.interrupted(ctx, ctx.Err(), moves, positions, evals)
			case <-time.After(time.Duration(in.moveDelayMS) * time.Millisecond):
			}
		}
	}
}

// interrupted classifies why a play-out stopped early: parent abort, deadline
// exceeded, or an engine/rules failure (retryable).
func (mr *matchRunner) interrupted(ctx context.Context, err error, moves []string, positions []string, evals []*EvalSnapshot) matchOutcome {
	kind := matchOutcome_Failed
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		kind = matchOutcome_Aborted
	} else if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		kind = matchOutcome_Timeout
	}

	return matchOutcome{
		kind:      kind,
		result:    MatchResult_Unknown,
		moves:     moves,
		positions: positions,
		evals:     evals,
		err:       err,
	}
}

// isRepetition reports a threefold recurrence of the latest position,
// ignoring the FEN clock fields.
func isRepetition(positions []string) bool {
	if len(positions) < 5 {
		return false
	}

	latest := fenPlacement(positions[len(positions)-1])
	count := 0
	for _, position := range positions {
		if fenPlacement(position) == latest {
			count++
		}
	}
	return count >= 3
}

func fenPlacement(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) < 4 {
		return fen
	}
	return strings.Join(fields[:4], " ")
}
