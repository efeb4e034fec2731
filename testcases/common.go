package testcases

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weedbox/chesstournament"
)

const (
	// scripted behaviors
	BehaviorMate  = "mate"  // ends the game with a win on its first move
	BehaviorStale = "stale" // ends the game with a stalemate on its first move
	BehaviorPlay  = "play"  // keeps playing until the ply cap forces a draw
)

func logJSON(t *testing.T, msg string, jsonPrinter func() (string, error)) {
	json, _ := jsonPrinter()
	fmt.Printf("\n===== [%s] =====\n%s\n", msg, json)
}

// scriptedRules is a deterministic stand-in rules engine. Positions are
// "ply:N" strings and the legal moves mirror the scripted behaviors, so games
// finish in a handful of plies without a real move generator.
type scriptedRules struct{}

func NewScriptedRules() chesstournament.RulesBackend {
	return scriptedRules{}
}

func (scriptedRules) StartingPosition() string {
	return "ply:0"
}

func (scriptedRules) LegalMoves(fen string) ([]string, error) {
	if strings.HasPrefix(fen, "mate:") || strings.HasPrefix(fen, "stale:") {
		return []string{}, nil
	}
	return []string{BehaviorMate, BehaviorStale, BehaviorPlay}, nil
}

func (scriptedRules) ApplyMove(fen string, move string) (string, error) {
	parts := strings.SplitN(fen, ":", 2)
	if len(parts) != 2 {
		return "", chesstournament.ErrRulesInvalidPosition
	}
	ply, _ := strconv.Atoi(parts[1])

	switch move {
	case BehaviorMate:
		return fmt.Sprintf("mate:%d", ply+1), nil
	case BehaviorStale:
		return fmt.Sprintf("stale:%d", ply+1), nil
	case BehaviorPlay:
		return fmt.Sprintf("ply:%d", ply+1), nil
	}
	return "", chesstournament.ErrRulesIllegalMove
}

func (scriptedRules) IsTerminal(fen string) (chesstournament.TerminalState, error) {
	if strings.HasPrefix(fen, "mate:") {
		return chesstournament.TerminalState_Checkmate, nil
	}
	if strings.HasPrefix(fen, "stale:") {
		return chesstournament.TerminalState_Stalemate, nil
	}
	return chesstournament.TerminalState_None, nil
}

type scriptedInstance struct {
	behavior string
	delay    time.Duration
}

func (si *scriptedInstance) BestMove(ctx context.Context, fen string, history []string, legalMoves []string, temperature float64) (string, float64, error) {
	if si.delay > 0 {
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(si.delay):
		}
	}
	return si.behavior, 1, nil
}

func (si *scriptedInstance) Evaluate(ctx context.Context, fen string, history []string) (chesstournament.WinDrawLoss, error) {
	return chesstournament.WinDrawLoss{Draw: 1}, nil
}

func (si *scriptedInstance) Close() error {
	return nil
}

// ScriptedInference builds one scripted engine per entrant, with an optional
// per-move delay to keep games in flight long enough to observe.
type ScriptedInference struct {
	behaviors map[string]string
	delay     time.Duration
}

func NewScriptedInference(behaviors map[string]string) *ScriptedInference {
	return &ScriptedInference{behaviors: behaviors}
}

func (si *ScriptedInference) WithMoveDelay(delay time.Duration) *ScriptedInference {
	si.delay = delay
	return si
}

func (si *ScriptedInference) NewInstance(entrant *chesstournament.Entrant) (chesstournament.EngineInstance, error) {
	behavior, exist := si.behaviors[entrant.ID]
	if !exist {
		behavior = BehaviorPlay
	}
	return &scriptedInstance{behavior: behavior, delay: si.delay}, nil
}

// FailingInference fails the first failCount BestMove calls across all
// instances, then behaves like the wrapped backend. Used to drive the retry
// path: the pool rebuilds instances after an invalidation, so the counter
// lives on the backend.
type FailingInference struct {
	inner     chesstournament.InferenceBackend
	remaining int32
}

func NewFailingInference(inner chesstournament.InferenceBackend, failCount int) *FailingInference {
	return &FailingInference{
		inner:     inner,
		remaining: int32(failCount),
	}
}

func (fi *FailingInference) NewInstance(entrant *chesstournament.Entrant) (chesstournament.EngineInstance, error) {
	instance, err := fi.inner.NewInstance(entrant)
	if err != nil {
		return nil, err
	}
	return &failingInstance{backend: fi, inner: instance}, nil
}

type failingInstance struct {
	backend *FailingInference
	inner   chesstournament.EngineInstance
}

func (fi *failingInstance) BestMove(ctx context.Context, fen string, history []string, legalMoves []string, temperature float64) (string, float64, error) {
	if atomic.AddInt32(&fi.backend.remaining, -1) >= 0 {
		return "", 0, errors.New("inference service unavailable")
	}
	return fi.inner.BestMove(ctx, fen, history, legalMoves, temperature)
}

func (fi *failingInstance) Evaluate(ctx context.Context, fen string, history []string) (chesstournament.WinDrawLoss, error) {
	return fi.inner.Evaluate(ctx, fen, history)
}

func (fi *failingInstance) Close() error {
	return fi.inner.Close()
}

// settledSignal turns the Settled state event into a channel close, safe to
// use from listeners fired under the engine's lock.
func settledSignal() (chan struct{}, func(event string, tournament *chesstournament.Tournament)) {
	settled := make(chan struct{})
	var once sync.Once
	return settled, func(event string, tournament *chesstournament.Tournament) {
		if event == chesstournament.TournamentStateEvent_Settled {
			once.Do(func() {
				close(settled)
			})
		}
	}
}

func waitSettled(t *testing.T, settled chan struct{}, timeout time.Duration) {
	select {
	case <-settled:
	case <-time.After(timeout):
		t.Fatal("tournament did not settle in time")
	}
}

func newTournamentSetting(tournamentID string, meta chesstournament.TournamentMeta, entrantIDs ...string) chesstournament.TournamentSetting {
	entrants := make([]chesstournament.EntrantSetting, 0, len(entrantIDs))
	for _, entrantID := range entrantIDs {
		entrants = append(entrants, chesstournament.EntrantSetting{
			EntrantID: entrantID,
			Label:     strings.ToUpper(entrantID),
		})
	}

	return chesstournament.TournamentSetting{
		TournamentID: tournamentID,
		Meta:         meta,
		StartAt:      chesstournament.UnsetValue,
		Entrants:     entrants,
	}
}
