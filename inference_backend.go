package chesstournament

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/notnil/chess"
)

var (
	ErrInferenceBusy            = errors.New("inference: instance already has a request in flight")
	ErrInferenceNoLegalMove     = errors.New("inference: no legal move to pick from")
	ErrInferenceInstanceClosed  = errors.New("inference: instance is closed")
	ErrInferenceInvalidPosition = errors.New("inference: invalid position")
)

// EngineInstance is one live, expensive per-entrant engine. Both calls are
// single-outstanding-request: a second concurrent request fails fast with
// ErrInferenceBusy instead of queueing.
type EngineInstance interface {
	BestMove(ctx context.Context, fen string, history []string, legalMoves []string, temperature float64) (string, float64, error)
	Evaluate(ctx context.Context, fen string, history []string) (WinDrawLoss, error)
	Close() error
}

// InferenceBackend creates engine instances. Initialization may be slow; the
// pool memoizes concurrent requests per entrant.
type InferenceBackend interface {
	NewInstance(entrant *Entrant) (EngineInstance, error)
}

// singleRequestInstance enforces the fail-fast single-request contract for
// backends that do not enforce it themselves.
type singleRequestInstance struct {
	inner EngineInstance
	busy  int32
}

func newSingleRequestInstance(inner EngineInstance) EngineInstance {
	return &singleRequestInstance{inner: inner}
}

func (sri *singleRequestInstance) BestMove(ctx context.Context, fen string, history []string, legalMoves []string, temperature float64) (string, float64, error) {
	if !atomic.CompareAndSwapInt32(&sri.busy, 0, 1) {
		return "", 0, ErrInferenceBusy
	}
	defer atomic.StoreInt32(&sri.busy, 0)

	return sri.inner.BestMove(ctx, fen, history, legalMoves, temperature)
}

func (sri *singleRequestInstance) Evaluate(ctx context.Context, fen string, history []string) (WinDrawLoss, error) {
	if !atomic.CompareAndSwapInt32(&sri.busy, 0, 1) {
		return WinDrawLoss{}, ErrInferenceBusy
	}
	defer atomic.StoreInt32(&sri.busy, 0)

	return sri.inner.Evaluate(ctx, fen, history)
}

func (sri *singleRequestInstance) Close() error {
	return sri.inner.Close()
}

type nativeInferenceBackend struct{}

// NewNativeInferenceBackend returns a self-contained material-count player.
// It stands in for a real neural inference service so the engine is runnable
// and testable without one; move choice is deterministic per entrant id.
func NewNativeInferenceBackend() InferenceBackend {
	return &nativeInferenceBackend{}
}

func (ib *nativeInferenceBackend) NewInstance(entrant *Entrant) (EngineInstance, error) {
	seed := fnv.New64a()
	seed.Write([]byte(entrant.ID))

	return &nativeEngineInstance{
		rng: rand.New(rand.NewSource(int64(seed.Sum64()))),
	}, nil
}

type nativeEngineInstance struct {
	rng    *rand.Rand
	closed bool
}

var pieceValues = map[chess.PieceType]float64{
	chess.Pawn:   1,
	chess.Knight: 3,
	chess.Bishop: 3,
	chess.Rook:   5,
	chess.Queen:  9,
}

func (inst *nativeEngineInstance) BestMove(ctx context.Context, fen string, history []string, legalMoves []string, temperature float64) (string, float64, error) {
	if inst.closed {
		return "", 0, ErrInferenceInstanceClosed
	}
	if len(legalMoves) == 0 {
		return "", 0, ErrInferenceNoLegalMove
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	option, err := chess.FEN(fen)
	if err != nil {
		return "", 0, ErrInferenceInvalidPosition
	}
	mover := chess.NewGame(option).Position().Turn()

	bestMove := legalMoves[0]
	bestScore := math.Inf(-1)
	for _, move := range legalMoves {
		game := chess.NewGame(option)
		if err := game.MoveStr(move); err != nil {
			continue
		}

		score := materialBalance(game.Position(), mover)
		if temperature > 0 {
			score += inst.rng.Float64() * temperature
		}
		if score > bestScore {
			bestScore = score
			bestMove = move
		}
	}

	confidence := sigmoid(bestScore)
	return bestMove, confidence, nil
}

func (inst *nativeEngineInstance) Evaluate(ctx context.Context, fen string, history []string) (WinDrawLoss, error) {
	if inst.closed {
		return WinDrawLoss{}, ErrInferenceInstanceClosed
	}
	if err := ctx.Err(); err != nil {
		return WinDrawLoss{}, err
	}

	option, err := chess.FEN(fen)
	if err != nil {
		return WinDrawLoss{}, ErrInferenceInvalidPosition
	}

	position := chess.NewGame(option).Position()
	win := sigmoid(materialBalance(position, position.Turn()))
	loss := 1 - win
	draw := math.Min(win, loss)
	scale := win + loss + draw

	return WinDrawLoss{
		Win:  win / scale,
		Draw: draw / scale,
		Loss: loss / scale,
	}, nil
}

func (inst *nativeEngineInstance) Close() error {
	inst.closed = true
	return nil
}

// materialBalance is the piece-value sum from mover's point of view.
func materialBalance(position *chess.Position, mover chess.Color) float64 {
	balance := 0.0
	for _, piece := range position.Board().SquareMap() {
		value := pieceValues[piece.Type()]
		if piece.Color() == mover {
			balance += value
		} else {
			balance -= value
		}
	}
	return balance
}

func sigmoid(score float64) float64 {
	return 1 / (1 + math.Exp(-score/4))
}
