package chesstournament

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestSetting(format TournamentFormat, entrantIDs ...string) TournamentSetting {
	entrants := make([]EntrantSetting, 0, len(entrantIDs))
	for _, entrantID := range entrantIDs {
		entrants = append(entrants, EntrantSetting{
			EntrantID: entrantID,
			Label:     entrantID,
		})
	}

	return TournamentSetting{
		TournamentID: "t-" + string(format),
		Meta: TournamentMeta{
			Format: format,
		},
		StartAt:  UnsetValue,
		Entrants: entrants,
	}
}

func newTestEngine(t *testing.T, setting TournamentSetting) *tournamentEngine {
	engine := NewTournamentEngine(
		WithRulesBackend(scriptedRules{}),
		WithInferenceBackend(newScriptedBackend(map[string]string{})),
	).(*tournamentEngine)

	_, err := engine.CreateTournament(setting)
	assert.Nil(t, err)
	return engine
}

// buildFirstRound materializes round 1 without starting the scheduler so
// settlement logic can be driven by hand.
func buildFirstRound(t *testing.T, engine *tournamentEngine) {
	engine.tournament.State.CurrentRound = 1
	assert.Nil(t, engine.buildRound(1))
}

func sortedSeriesMatches(engine *tournamentEngine, seriesID string) []*Match {
	matches := engine.tournament.SeriesMatches(seriesID)
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Index < matches[j].Index
	})
	return matches
}

func finishMatch(engine *tournamentEngine, match *Match, result MatchResult) {
	match.Status = MatchStateStatus_Finished
	match.Result = result
	engine.settleMatchSeries(match)
}

func TestCreateTournament_Validation(t *testing.T) {
	engine := NewTournamentEngine()

	// not enough entrants
	setting := newTestSetting(TournamentFormat_RoundRobin, "a")
	_, err := engine.CreateTournament(setting)
	assert.ErrorIs(t, err, ErrTournamentInvalidCreateSetting)

	// duplicate entrant ids
	setting = newTestSetting(TournamentFormat_RoundRobin, "a", "a")
	_, err = engine.CreateTournament(setting)
	assert.ErrorIs(t, err, ErrTournamentInvalidCreateSetting)

	// auto-start time already in the past
	setting = newTestSetting(TournamentFormat_RoundRobin, "a", "b")
	setting.StartAt = time.Now().Add(-time.Hour).Unix()
	_, err = engine.CreateTournament(setting)
	assert.ErrorIs(t, err, ErrTournamentInvalidCreateSetting)
}

func TestCreateTournament_Defaults(t *testing.T) {
	setting := newTestSetting(TournamentFormat_RoundRobin, "a", "b", "c", "d")
	engine := newTestEngine(t, setting)

	tournament := engine.GetTournament()
	assert.Equal(t, TournamentStateStatus_Idle, tournament.State.Status)
	assert.Equal(t, DefaultBestOf, tournament.Meta.BestOf)
	assert.Equal(t, DefaultConcurrency, tournament.Meta.Concurrency)
	assert.Equal(t, DefaultMaxRetries, tournament.Meta.MaxRetries)
	assert.Equal(t, TiebreakMode_Capped, tournament.Meta.TiebreakMode)
	assert.Equal(t, 3, tournament.State.TotalRounds)
	assert.Equal(t, 4, len(tournament.State.Entrants))
}

func TestCreateTournament_RoundCounts(t *testing.T) {
	// odd round-robin field: everyone sits out once
	engine := newTestEngine(t, newTestSetting(TournamentFormat_RoundRobin, "a", "b", "c", "d", "e"))
	assert.Equal(t, 5, engine.GetTournament().State.TotalRounds)

	// swiss defaults to enough rounds to separate the field
	engine = newTestEngine(t, newTestSetting(TournamentFormat_Swiss, "a", "b", "c", "d", "e"))
	assert.Equal(t, 3, engine.GetTournament().State.TotalRounds)

	// explicit swiss round count wins
	setting := newTestSetting(TournamentFormat_Swiss, "a", "b", "c", "d", "e")
	setting.Meta.SwissRounds = 7
	engine = newTestEngine(t, setting)
	assert.Equal(t, 7, engine.GetTournament().State.TotalRounds)
}

func TestSettleSeries_RegulationClinchCancelsRemainder(t *testing.T) {
	setting := newTestSetting(TournamentFormat_RoundRobin, "a", "b")
	setting.Meta.BestOf = 3
	engine := newTestEngine(t, setting)
	buildFirstRound(t, engine)

	series := engine.tournament.State.Series[0]
	matches := sortedSeriesMatches(engine, series.ID)
	assert.Equal(t, 3, len(matches))

	// the series holder wins games 1 and 2 with either color
	winnerID := series.WhiteEntrantID
	if matches[0].WhiteEntrantID == winnerID {
		finishMatch(engine, matches[0], MatchResult_WhiteWin)
	} else {
		finishMatch(engine, matches[0], MatchResult_BlackWin)
	}
	assert.False(t, series.Resolved)

	if matches[1].WhiteEntrantID == winnerID {
		finishMatch(engine, matches[1], MatchResult_WhiteWin)
	} else {
		finishMatch(engine, matches[1], MatchResult_BlackWin)
	}

	assert.True(t, series.Resolved)
	assert.NotNil(t, series.Winner)
	assert.Equal(t, winnerID, *series.Winner)
	assert.Equal(t, MatchStateStatus_Cancelled, matches[2].Status, "game 3 is dead rubber")

	// settling again must not reopen or extend the series
	engine.settleSeries(series)
	assert.Equal(t, 3, len(engine.tournament.SeriesMatches(series.ID)))
}

func TestSettleSeries_TiedCappedSeries(t *testing.T) {
	setting := newTestSetting(TournamentFormat_RoundRobin, "a", "b")
	setting.Meta.BestOf = 2
	setting.Meta.MaxTiebreakGames = 1
	engine := newTestEngine(t, setting)
	buildFirstRound(t, engine)

	series := engine.tournament.State.Series[0]
	matches := sortedSeriesMatches(engine, series.ID)
	finishMatch(engine, matches[0], MatchResult_WhiteWin)
	finishMatch(engine, matches[1], MatchResult_WhiteWin)

	// 1-1 after regulation queues exactly one tiebreak game
	assert.False(t, series.Resolved)
	matches = sortedSeriesMatches(engine, series.ID)
	assert.Equal(t, 3, len(matches))
	assert.Equal(t, 3, matches[2].Index)
	assert.Equal(t, series.WhiteEntrantID, matches[2].WhiteEntrantID, "odd game uses the series colors")

	// the queued game is not in flight, so the series is not running yet
	assert.Equal(t, SeriesStateStatus_Waiting, series.Status)

	// a drawn tiebreak exhausts the budget: drawn series
	finishMatch(engine, matches[2], MatchResult_Draw)
	assert.True(t, series.Resolved)
	assert.Nil(t, series.Winner)
	assert.Equal(t, 3, len(engine.tournament.SeriesMatches(series.ID)))
}

func TestSettleSeries_CappedTiebreakLeadSettles(t *testing.T) {
	setting := newTestSetting(TournamentFormat_RoundRobin, "a", "b")
	setting.Meta.BestOf = 2
	setting.Meta.MaxTiebreakGames = 3
	engine := newTestEngine(t, setting)
	buildFirstRound(t, engine)

	series := engine.tournament.State.Series[0]
	matches := sortedSeriesMatches(engine, series.ID)
	finishMatch(engine, matches[0], MatchResult_WhiteWin)
	finishMatch(engine, matches[1], MatchResult_WhiteWin)

	matches = sortedSeriesMatches(engine, series.ID)
	finishMatch(engine, matches[2], MatchResult_WhiteWin)

	// capped mode settles on any tiebreak lead, budget left or not
	assert.True(t, series.Resolved)
	assert.Equal(t, series.WhiteEntrantID, *series.Winner)
}

func TestSettleSeries_WinByMargin(t *testing.T) {
	setting := newTestSetting(TournamentFormat_RoundRobin, "a", "b")
	setting.Meta.BestOf = 2
	setting.Meta.TiebreakMode = TiebreakMode_WinBy
	setting.Meta.WinByMargin = 2
	setting.Meta.MaxTiebreakGames = 2
	engine := newTestEngine(t, setting)
	buildFirstRound(t, engine)

	series := engine.tournament.State.Series[0]
	matches := sortedSeriesMatches(engine, series.ID)
	finishMatch(engine, matches[0], MatchResult_WhiteWin)
	finishMatch(engine, matches[1], MatchResult_WhiteWin)

	// tiebreak win by one is not enough for a 2-point margin
	matches = sortedSeriesMatches(engine, series.ID)
	finishMatch(engine, matches[2], MatchResult_WhiteWin)
	assert.False(t, series.Resolved)

	matches = sortedSeriesMatches(engine, series.ID)
	assert.Equal(t, 4, len(matches))
	assert.Equal(t, series.BlackEntrantID, matches[3].WhiteEntrantID, "even game swaps colors")

	// budget exhausted with a lead: the leader takes the series
	finishMatch(engine, matches[3], MatchResult_Draw)
	assert.True(t, series.Resolved)
	assert.Equal(t, series.WhiteEntrantID, *series.Winner)
}

func TestSettleSeries_TiebreaksDisabled(t *testing.T) {
	setting := newTestSetting(TournamentFormat_RoundRobin, "a", "b")
	setting.Meta.BestOf = 2
	setting.Meta.MaxTiebreakGames = 0
	engine := newTestEngine(t, setting)
	buildFirstRound(t, engine)

	series := engine.tournament.State.Series[0]
	matches := sortedSeriesMatches(engine, series.ID)
	finishMatch(engine, matches[0], MatchResult_Draw)
	finishMatch(engine, matches[1], MatchResult_Draw)

	assert.True(t, series.Resolved)
	assert.Nil(t, series.Winner, "no tiebreak budget means a drawn series stands")
	assert.Equal(t, 2, len(engine.tournament.SeriesMatches(series.ID)))
}

func TestRestartMatch(t *testing.T) {
	engine := newTestEngine(t, newTestSetting(TournamentFormat_RoundRobin, "a", "b"))
	buildFirstRound(t, engine)

	match := engine.tournament.State.Matches[0]

	// only stuck matches can be restarted
	assert.ErrorIs(t, engine.RestartMatch(match.ID), ErrTournamentInterventionRejected)
	assert.ErrorIs(t, engine.RestartMatch("no-such-match"), ErrTournamentMatchNotFound)

	match.Status = MatchStateStatus_Error
	match.RetryCount = 2
	match.NextRetryAt = time.Now().Add(time.Hour).Unix()
	match.LastError = "engine exploded"

	assert.Nil(t, engine.RestartMatch(match.ID))
	assert.Equal(t, MatchStateStatus_Waiting, match.Status)
	assert.Equal(t, 0, match.RetryCount)
	assert.Equal(t, int64(UnsetValue), match.NextRetryAt)
	assert.Empty(t, match.LastError)
}

func TestDrawMatch(t *testing.T) {
	engine := newTestEngine(t, newTestSetting(TournamentFormat_RoundRobin, "a", "b"))
	buildFirstRound(t, engine)

	match := engine.tournament.State.Matches[0]
	assert.ErrorIs(t, engine.DrawMatch(match.ID), ErrTournamentInterventionRejected)

	match.Status = MatchStateStatus_Error
	assert.Nil(t, engine.DrawMatch(match.ID))
	assert.Equal(t, MatchStateStatus_Finished, match.Status)
	assert.Equal(t, MatchResult_Draw, match.Result)

	// best-of-1: the adjudicated draw settles the series
	series := engine.tournament.State.Series[0]
	assert.True(t, series.Resolved)
	assert.Nil(t, series.Winner)
}

func TestRestartMatch_AbortsRunningMatch(t *testing.T) {
	engine := newTestEngine(t, newTestSetting(TournamentFormat_RoundRobin, "a", "b"))
	buildFirstRound(t, engine)

	match := engine.tournament.State.Matches[0]
	match.Status = MatchStateStatus_Running
	match.Moves = []string{"play", "play"}
	ctx, cancel := context.WithCancel(context.Background())
	engine.matchCancels[match.ID] = cancel

	assert.Nil(t, engine.RestartMatch(match.ID))
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "the in-flight wait is cancelled")
	assert.Equal(t, MatchStateStatus_Waiting, match.Status)
	assert.Equal(t, []string{"play", "play"}, match.Moves, "partial history survives the restart")
	assert.False(t, engine.tournament.State.Series[0].Resolved)
}

func TestDrawMatch_AbortsAndAdjudicatesRunningMatch(t *testing.T) {
	engine := newTestEngine(t, newTestSetting(TournamentFormat_RoundRobin, "a", "b"))
	buildFirstRound(t, engine)

	match := engine.tournament.State.Matches[0]
	match.Status = MatchStateStatus_Running
	ctx, cancel := context.WithCancel(context.Background())
	engine.matchCancels[match.ID] = cancel

	assert.Nil(t, engine.DrawMatch(match.ID))
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "the in-flight wait is cancelled")
	assert.Equal(t, MatchStateStatus_Finished, match.Status)
	assert.Equal(t, MatchResult_Draw, match.Result)

	// best-of-1: the adjudicated draw settles the series
	series := engine.tournament.State.Series[0]
	assert.True(t, series.Resolved)
	assert.Nil(t, series.Winner)
}

func TestCollectRunnable_WaitingBeforeDueRetries(t *testing.T) {
	engine := newTestEngine(t, newTestSetting(TournamentFormat_RoundRobin, "a", "b", "c", "d"))
	buildFirstRound(t, engine)

	matches := engine.tournament.RoundMatches(1)
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Board < matches[j].Board
	})
	assert.Equal(t, 2, len(matches))

	// board 1 is a due retry, board 2 still waits for its first run
	matches[0].Status = MatchStateStatus_Error
	matches[0].RetryCount = 1
	matches[0].NextRetryAt = time.Now().Add(-time.Minute).Unix()

	runnable := engine.collectRunnable()
	assert.Equal(t, 2, len(runnable))
	assert.Equal(t, matches[1].ID, runnable[0].ID, "the fresh game outranks the retry despite its higher board")
	assert.Equal(t, matches[0].ID, runnable[1].ID)
}

type countingSnapshotBackend struct {
	mu    sync.Mutex
	saves int
}

func (csb *countingSnapshotBackend) SaveSnapshot(tournament *Tournament) error {
	csb.mu.Lock()
	defer csb.mu.Unlock()
	csb.saves++
	return nil
}

func (csb *countingSnapshotBackend) LoadSnapshot(tournamentID string) (*Tournament, error) {
	return nil, ErrSnapshotNotFound
}

func (csb *countingSnapshotBackend) count() int {
	csb.mu.Lock()
	defer csb.mu.Unlock()
	return csb.saves
}

func TestMarkDirty_SustainedChangesKeepSnapshotting(t *testing.T) {
	backend := &countingSnapshotBackend{}
	engine := NewTournamentEngine(
		WithRulesBackend(scriptedRules{}),
		WithInferenceBackend(newScriptedBackend(map[string]string{})),
		WithSnapshotBackend(backend),
	).(*tournamentEngine)
	_, err := engine.CreateTournament(newTestSetting(TournamentFormat_RoundRobin, "a", "b"))
	assert.Nil(t, err)

	// dirty the state much faster than the save interval for several
	// intervals; a save must land per interval, not only once things go quiet
	deadline := time.Now().Add(3 * SnapshotInterval)
	for time.Now().Before(deadline) {
		engine.markDirty()
		time.Sleep(SnapshotInterval / 10)
	}
	time.Sleep(2 * SnapshotInterval)

	assert.GreaterOrEqual(t, backend.count(), 2, "saves keep landing while changes keep arriving")
}

func TestStartTournament_RejectsDoubleStart(t *testing.T) {
	engine := newTestEngine(t, newTestSetting(TournamentFormat_RoundRobin, "a", "b"))

	_, err := engine.StartTournament()
	assert.Nil(t, err)
	_, err = engine.StartTournament()
	assert.ErrorIs(t, err, ErrTournamentStartRejected)

	assert.Nil(t, engine.CloseTournament(TournamentStateStatus_Completed))
}

func TestPauseResume_Rejections(t *testing.T) {
	engine := newTestEngine(t, newTestSetting(TournamentFormat_RoundRobin, "a", "b"))

	assert.ErrorIs(t, engine.PauseTournament(), ErrTournamentPauseRejected)
	assert.ErrorIs(t, engine.ResumeTournament(), ErrTournamentResumeRejected)
}
