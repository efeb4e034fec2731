package chesstournament

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/weedbox/chesstournament/pairing"
	"github.com/weedbox/timebank"
)

func (te *tournamentEngine) startScheduler() {
	if te.schedulerRunning {
		return
	}

	te.schedulerCtx, te.schedulerCancel = context.WithCancel(context.Background())
	te.schedulerRunning = true
	go te.runScheduler(te.schedulerCtx)
}

func (te *tournamentEngine) notifyWake() {
	select {
	case te.wake <- struct{}{}:
	default:
	}
}

func (te *tournamentEngine) runScheduler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-te.wake:
			te.scheduleOnce()
		}
	}
}

/*
scheduleOnce 排程核心
  - 先處理輪次推進，再把可執行對局排入併發額度內
  - 每場進行中對局佔用雙方棋手，同一棋手不會同時下兩盤
*/
func (te *tournamentEngine) scheduleOnce() {
	te.mu.Lock()
	defer te.mu.Unlock()

	if te.tournament.State.Status != TournamentStateStatus_Running {
		return
	}

	for te.roundResolved(te.tournament.State.CurrentRound) {
		if te.tournament.State.CurrentRound >= te.tournament.State.TotalRounds {
			te.settleTournament(TournamentStateStatus_Completed)
			return
		}

		te.tournament.State.CurrentRound++
		if err := te.buildRound(te.tournament.State.CurrentRound); err != nil {
			te.tournament.State.Status = TournamentStateStatus_Error
			te.tournament.State.LastError = err.Error()
			te.emitErrorEvent("scheduleOnce -> buildRound", "", err)
			te.markDirty()
			return
		}
		te.emitEvent("RoundAdvanced", "")
		te.emitTournamentStateEvent(TournamentStateEvent_RoundAdvanced)
		te.markDirty()
	}

	runnable := te.collectRunnable()
	te.refreshUpcoming(runnable)

	busy := te.busyEntrants()
	for _, match := range runnable {
		if te.inflight >= te.tournament.Meta.Concurrency {
			break
		}
		if busy[match.WhiteEntrantID] || busy[match.BlackEntrantID] {
			continue
		}

		te.launchMatch(match)
		busy[match.WhiteEntrantID] = true
		busy[match.BlackEntrantID] = true
	}

	// entrant-blocked matches are never force-launched: every blocker is an
	// in-flight match whose completion re-wakes the scheduler, and with
	// nothing in flight no entrant is busy
}

func (te *tournamentEngine) roundResolved(round int) bool {
	for _, series := range te.tournament.RoundSeries(round) {
		if !series.Resolved {
			return false
		}
	}
	return true
}

func (te *tournamentEngine) buildRound(round int) error {
	var pairings []pairing.Pairing
	byeEntrantID := ""

	switch te.tournament.Meta.Format {
	case TournamentFormat_Swiss:
		pairings, byeEntrantID = te.buildSwissPairings()
	default:
		entrantIDs := make([]string, 0, len(te.tournament.State.Entrants))
		for _, entrant := range te.tournament.State.Entrants {
			entrantIDs = append(entrantIDs, entrant.ID)
		}

		rounds := pairing.RoundRobinRounds(entrantIDs)
		if round > len(rounds) {
			return fmt.Errorf("tournament: no pairings for round %d", round)
		}
		pairings = rounds[round-1]

		// with an odd field the entrant missing from the round sits out
		if len(entrantIDs)%2 == 1 {
			paired := make(map[string]bool)
			for _, p := range pairings {
				paired[p.White] = true
				paired[p.Black] = true
			}
			for _, entrantID := range entrantIDs {
				if !paired[entrantID] {
					byeEntrantID = entrantID
					break
				}
			}
		}
	}

	if byeEntrantID != "" {
		te.tournament.State.ByeHistory = append(te.tournament.State.ByeHistory, byeEntrantID)
	}

	for board, p := range pairings {
		te.addSeries(round, board+1, p.White, p.Black)
	}

	return nil
}

func (te *tournamentEngine) buildSwissPairings() ([]pairing.Pairing, string) {
	rows := ComputeStandings(te.tournament.State.Entrants, te.tournament.State.Series, te.tournament.State.Matches)
	pool := make([]pairing.SwissEntrant, 0, len(rows))
	for _, row := range rows {
		pool = append(pool, pairing.SwissEntrant{
			ID:          row.EntrantID,
			MatchPoints: row.MatchPoints,
			GamePoints:  row.GamePoints,
			Buchholz:    row.Buchholz,
		})
	}

	previousOpponents := make(map[string][]string)
	for _, series := range te.tournament.State.Series {
		previousOpponents[series.WhiteEntrantID] = append(previousOpponents[series.WhiteEntrantID], series.BlackEntrantID)
		previousOpponents[series.BlackEntrantID] = append(previousOpponents[series.BlackEntrantID], series.WhiteEntrantID)
	}

	colorBalance := make(map[string]int)
	for _, match := range te.tournament.State.Matches {
		if match.Status != MatchStateStatus_Finished {
			continue
		}
		colorBalance[match.WhiteEntrantID]++
		colorBalance[match.BlackEntrantID]--
	}

	return pairing.SwissRound(pool, previousOpponents, te.tournament.State.ByeHistory, colorBalance)
}

func (te *tournamentEngine) addSeries(round, board int, whiteEntrantID, blackEntrantID string) {
	series := &Series{
		ID:             uuid.New().String(),
		Round:          round,
		Board:          board,
		WhiteEntrantID: whiteEntrantID,
		BlackEntrantID: blackEntrantID,
		PlannedGames:   te.tournament.Meta.BestOf,
		Status:         SeriesStateStatus_Waiting,
		MatchIDs:       make([]string, 0),
	}
	te.tournament.State.Series = append(te.tournament.State.Series, series)

	for index := 1; index <= series.PlannedGames; index++ {
		te.addSeriesMatch(series, index)
	}
}

func (te *tournamentEngine) addSeriesMatch(series *Series, index int) *Match {
	// colors alternate per game, odd games use the series mapping
	whiteEntrantID, blackEntrantID := series.WhiteEntrantID, series.BlackEntrantID
	if index%2 == 0 {
		whiteEntrantID, blackEntrantID = blackEntrantID, whiteEntrantID
	}

	match := &Match{
		ID:             uuid.New().String(),
		SeriesID:       series.ID,
		Index:          index,
		Round:          series.Round,
		Board:          series.Board,
		WhiteEntrantID: whiteEntrantID,
		BlackEntrantID: blackEntrantID,
		Status:         MatchStateStatus_Waiting,
		Result:         MatchResult_Unknown,
		Moves:          make([]string, 0),
		Positions:      make([]string, 0),
		Evals:          make([]*EvalSnapshot, 0),
		NextRetryAt:    UnsetValue,
	}
	series.MatchIDs = append(series.MatchIDs, match.ID)
	te.tournament.State.Matches = append(te.tournament.State.Matches, match)
	return match
}

// collectRunnable returns the current round's launchable matches, waiting
// games first, then by board and game index, and arms a timed wake for the
// nearest pending retry.
func (te *tournamentEngine) collectRunnable() []*Match {
	now := time.Now().Unix()
	nextRetryAt := int64(UnsetValue)

	seriesResolved := make(map[string]bool)
	for _, series := range te.tournament.State.Series {
		seriesResolved[series.ID] = series.Resolved
	}

	runnable := make([]*Match, 0)
	for _, match := range te.tournament.RoundMatches(te.tournament.State.CurrentRound) {
		if seriesResolved[match.SeriesID] {
			continue
		}

		switch match.Status {
		case MatchStateStatus_Waiting:
			runnable = append(runnable, match)
		case MatchStateStatus_Error:
			if match.NextRetryAt == UnsetValue {
				continue
			}
			if match.NextRetryAt <= now {
				runnable = append(runnable, match)
			} else if nextRetryAt == UnsetValue || match.NextRetryAt < nextRetryAt {
				nextRetryAt = match.NextRetryAt
			}
		}
	}

	sort.Slice(runnable, func(i, j int) bool {
		// fresh games go ahead of retries
		if runnable[i].Status != runnable[j].Status {
			return runnable[i].Status == MatchStateStatus_Waiting
		}
		if runnable[i].Board != runnable[j].Board {
			return runnable[i].Board < runnable[j].Board
		}
		return runnable[i].Index < runnable[j].Index
	})

	if nextRetryAt != UnsetValue {
		te.scheduleRetryWake(nextRetryAt)
	}

	return runnable
}

func (te *tournamentEngine) busyEntrants() map[string]bool {
	busy := make(map[string]bool)
	te.entrantCaches.Range(func(k, v interface{}) bool {
		entrantCache := v.(*EntrantCache)
		if entrantCache.ActiveMatchID != "" {
			busy[entrantCache.EntrantID] = true
		}
		return true
	})
	return busy
}

func (te *tournamentEngine) setActiveMatch(entrantID, matchID string) {
	if entrantCache, exist := te.getEntrantCache(te.tournament.ID, entrantID); exist {
		entrantCache.ActiveMatchID = matchID
	}
}

// refreshUpcoming feeds the queue order to the engine pool so eviction spares
// whoever plays soonest.
func (te *tournamentEngine) refreshUpcoming(runnable []*Match) {
	upcoming := make(map[string]int)
	for slot, match := range runnable {
		if _, exist := upcoming[match.WhiteEntrantID]; !exist {
			upcoming[match.WhiteEntrantID] = slot
		}
		if _, exist := upcoming[match.BlackEntrantID]; !exist {
			upcoming[match.BlackEntrantID] = slot
		}
	}
	te.pool.SetUpcoming(upcoming)
}

func (te *tournamentEngine) launchMatch(match *Match) {
	whiteCache, whiteExist := te.getEntrantCache(te.tournament.ID, match.WhiteEntrantID)
	blackCache, blackExist := te.getEntrantCache(te.tournament.ID, match.BlackEntrantID)
	if !whiteExist || !blackExist {
		return
	}
	whiteEntrant := te.tournament.State.Entrants[whiteCache.EntrantIdx]
	blackEntrant := te.tournament.State.Entrants[blackCache.EntrantIdx]

	match.Status = MatchStateStatus_Running
	match.LastError = ""
	match.NextRetryAt = UnsetValue

	seriesIdx := te.tournament.FindSeriesIdx(func(s *Series) bool {
		return s.ID == match.SeriesID
	})
	if seriesIdx != UnsetValue {
		te.tournament.State.Series[seriesIdx].Status = SeriesStateStatus_Running
	}

	ctx, cancel := context.WithCancel(te.schedulerCtx)
	te.matchCancels[match.ID] = cancel
	te.inflight++
	te.setActiveMatch(match.WhiteEntrantID, match.ID)
	te.setActiveMatch(match.BlackEntrantID, match.ID)

	input := matchRunnerInput{
		white:       whiteEntrant,
		black:       blackEntrant,
		moves:       append(make([]string, 0, len(match.Moves)), match.Moves...),
		positions:   append(make([]string, 0, len(match.Positions)), match.Positions...),
		evals:       append(make([]*EvalSnapshot, 0, len(match.Evals)), match.Evals...),
		deadline:    time.Duration(te.tournament.Meta.MatchDeadlineSec) * time.Second,
		maxPly:      te.tournament.Meta.MaxPly,
		moveDelayMS: te.tournament.Meta.MoveDelayMS,
	}

	te.emitMatchEvent("LaunchMatch", match)
	te.emitTournamentStateEvent(TournamentStateEvent_MatchLaunched)

	matchID := match.ID
	go func() {
		outcome := te.runner.Play(ctx, input)
		cancel()
		te.applyMatchOutcome(matchID, outcome)
	}()
}

/*
applyMatchOutcome 對局結果入帳
  - finished: 記分並結算系列賽
  - aborted: 暫停或取消，保留棋步供續弈
  - timeout: 判和並重建雙方引擎
  - failed: 退避重試，重試額度用盡後判和
*/
func (te *tournamentEngine) applyMatchOutcome(matchID string, outcome matchOutcome) {
	te.mu.Lock()
	defer te.mu.Unlock()

	te.inflight--
	delete(te.matchCancels, matchID)

	matchIdx := te.tournament.FindMatchIdx(func(m *Match) bool {
		return m.ID == matchID
	})
	if matchIdx == UnsetValue {
		return
	}

	match := te.tournament.State.Matches[matchIdx]
	te.setActiveMatch(match.WhiteEntrantID, "")
	te.setActiveMatch(match.BlackEntrantID, "")

	match.Moves = outcome.moves
	match.Positions = outcome.positions
	match.Evals = outcome.evals

	switch outcome.kind {
	case matchOutcome_Finished:
		match.Status = MatchStateStatus_Finished
		match.Result = outcome.result
		match.LastError = ""
		te.emitMatchEvent("MatchFinished", match)
		te.emitTournamentStateEvent(TournamentStateEvent_MatchSettled)

	case matchOutcome_Aborted:
		// a match cancelled by series resolution keeps its terminal status;
		// a paused one goes back to the queue and resumes from its history
		if match.Status == MatchStateStatus_Running {
			match.Status = MatchStateStatus_Waiting
		}
		te.emitMatchEvent("MatchAborted", match)

	case matchOutcome_Timeout:
		match.Status = MatchStateStatus_Finished
		match.Result = MatchResult_Draw
		match.LastError = context.DeadlineExceeded.Error()
		te.pool.Invalidate(match.WhiteEntrantID)
		te.pool.Invalidate(match.BlackEntrantID)
		te.emitMatchEvent("MatchTimeout", match)
		te.emitTournamentStateEvent(TournamentStateEvent_MatchSettled)

	case matchOutcome_Failed:
		te.pool.Invalidate(match.WhiteEntrantID)
		te.pool.Invalidate(match.BlackEntrantID)
		match.RetryCount++
		if outcome.err != nil {
			match.LastError = outcome.err.Error()
		}

		if match.RetryCount > te.tournament.Meta.MaxRetries {
			// retries exhausted, adjudicate a draw so the series can settle
			match.Status = MatchStateStatus_Finished
			match.Result = MatchResult_Draw
			match.NextRetryAt = UnsetValue
			te.emitMatchEvent("MatchRetriesExhausted", match)
			te.emitTournamentStateEvent(TournamentStateEvent_MatchSettled)
		} else {
			match.Status = MatchStateStatus_Error
			match.NextRetryAt = time.Now().Add(backoffDuration(match.RetryCount)).Unix()
			te.emitMatchEvent("MatchFailed", match)
			if outcome.err != nil {
				te.emitErrorEvent("MatchFailed", "", outcome.err)
			}
			te.scheduleRetryWake(match.NextRetryAt)
		}
	}

	if match.Status == MatchStateStatus_Finished {
		te.settleMatchSeries(match)
	}

	te.refreshStandings()
	te.emitEvent("MatchOutcome", "")
	te.markDirty()
	te.notifyWake()
}

func (te *tournamentEngine) settleMatchSeries(match *Match) {
	seriesIdx := te.tournament.FindSeriesIdx(func(s *Series) bool {
		return s.ID == match.SeriesID
	})
	if seriesIdx == UnsetValue {
		return
	}
	te.settleSeries(te.tournament.State.Series[seriesIdx])
}

/*
settleSeries 系列賽結算
  - 正規賽段領先到落後方追不上時提前分出勝負
  - 正規賽段打平時依加賽模式追加對局，額度用盡仍平手則以和局作收
  - win_by 模式進入加賽後需領先達設定差距才分勝負，額度用盡時領先者獲勝
*/
func (te *tournamentEngine) settleSeries(series *Series) {
	if series.Resolved {
		return
	}

	matches := te.tournament.SeriesMatches(series.ID)
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Index < matches[j].Index
	})

	whiteScore, blackScore := series.SeriesScores(matches)
	series.WhiteScore = whiteScore
	series.BlackScore = blackScore

	plannedPending := 0
	tiebreakPending := 0
	tiebreakPlayed := 0
	for _, match := range matches {
		pending := match.Status != MatchStateStatus_Finished && match.Status != MatchStateStatus_Cancelled
		if match.Index <= series.PlannedGames {
			if pending {
				plannedPending++
			}
		} else if pending {
			tiebreakPending++
		} else if match.Status == MatchStateStatus_Finished {
			tiebreakPlayed++
		}
	}

	// regulation clinch: the trailing side cannot catch up on remaining games
	if plannedPending > 0 {
		if whiteScore > blackScore+float64(plannedPending) {
			te.resolveSeries(series, series.WhiteEntrantID, matches)
		} else if blackScore > whiteScore+float64(plannedPending) {
			te.resolveSeries(series, series.BlackEntrantID, matches)
		}
		return
	}

	if tiebreakPending > 0 {
		return
	}

	maxTiebreaks := te.tournament.Meta.MaxTiebreakGames

	if whiteScore != blackScore {
		leaderEntrantID := series.WhiteEntrantID
		margin := whiteScore - blackScore
		if blackScore > whiteScore {
			leaderEntrantID = series.BlackEntrantID
			margin = blackScore - whiteScore
		}

		// a regulation lead or a capped-mode lead settles outright; win_by
		// keeps playing until the margin (or the game budget) is reached
		if tiebreakPlayed == 0 ||
			te.tournament.Meta.TiebreakMode != TiebreakMode_WinBy ||
			margin >= float64(te.tournament.Meta.WinByMargin) ||
			tiebreakPlayed >= maxTiebreaks {
			te.resolveSeries(series, leaderEntrantID, matches)
			return
		}

		te.appendTiebreakMatch(series, matches)
		return
	}

	if maxTiebreaks <= 0 || tiebreakPlayed >= maxTiebreaks {
		te.resolveSeries(series, "", matches)
		return
	}

	te.appendTiebreakMatch(series, matches)
}

func (te *tournamentEngine) appendTiebreakMatch(series *Series, matches []*Match) {
	match := te.addSeriesMatch(series, len(matches)+1)
	// the queued game is not in flight yet; launchMatch flips the series back
	// to running when it starts
	series.Status = SeriesStateStatus_Waiting
	te.emitMatchEvent("TiebreakQueued", match)
	te.emitTournamentStateEvent(TournamentStateEvent_TiebreakQueued)
}

// resolveSeries finalizes the outcome; empty winnerEntrantID means a drawn
// series. Anything still scheduled no longer affects the result and is
// cancelled, running games included.
func (te *tournamentEngine) resolveSeries(series *Series, winnerEntrantID string, matches []*Match) {
	series.Resolved = true
	series.Status = SeriesStateStatus_Finished
	if winnerEntrantID != "" {
		winner := winnerEntrantID
		series.Winner = &winner
	} else {
		series.Winner = nil
	}

	for _, match := range matches {
		switch match.Status {
		case MatchStateStatus_Waiting, MatchStateStatus_Error:
			match.Status = MatchStateStatus_Cancelled
			match.NextRetryAt = UnsetValue
		case MatchStateStatus_Running:
			match.Status = MatchStateStatus_Cancelled
			if cancel, exist := te.matchCancels[match.ID]; exist {
				cancel()
			}
		}
	}

	te.emitSeriesSettledEvent(series)
	te.emitTournamentStateEvent(TournamentStateEvent_SeriesSettled)
}

func (te *tournamentEngine) refreshStandings() {
	te.tournament.State.Standings = ComputeStandings(te.tournament.State.Entrants, te.tournament.State.Series, te.tournament.State.Matches)
	te.tournament.State.GameStandings = ComputeGameStandings(te.tournament.State.Entrants, te.tournament.State.Series, te.tournament.State.Matches)
	te.emitStandingsEvent()
}

func (te *tournamentEngine) cancelRunningMatches() {
	for _, cancel := range te.matchCancels {
		cancel()
	}
}

func (te *tournamentEngine) settleTournament(endStatus TournamentStateStatus) {
	te.tournament.State.Status = endStatus
	te.tournament.State.EndAt = time.Now().Unix()
	te.refreshStandings()

	if te.schedulerRunning {
		te.schedulerCancel()
		te.schedulerRunning = false
	}
	if te.pool != nil {
		te.pool.Close()
	}

	te.deleteEntrantCachesByTournament(te.tournament.ID)

	te.emitEvent("SettleTournament", "")
	te.emitTournamentStateEvent(TournamentStateEvent_Settled)

	if te.snapshot != nil {
		te.snapshotBank.Cancel()
		te.persistSnapshot()
	}
}

// markDirty arms a throttled snapshot save: bursts of state changes collapse
// into one write per interval, so a crash loses at most ~200ms of progress
// even while changes keep arriving.
func (te *tournamentEngine) markDirty() {
	if te.snapshot == nil {
		return
	}

	if !atomic.CompareAndSwapInt32(&te.snapshotPending, 0, 1) {
		return
	}

	te.snapshotBank.NewTask(SnapshotInterval, func(isCancelled bool) {
		atomic.StoreInt32(&te.snapshotPending, 0)
		if isCancelled {
			return
		}

		te.mu.RLock()
		te.persistSnapshot()
		te.mu.RUnlock()
	})
}

// persistSnapshot writes a restore-safe clone: in-flight work is rewound to
// the queue and position history keeps only the resume point. Save failures
// are tolerated, the next state change re-arms a save.
func (te *tournamentEngine) persistSnapshot() {
	clone, err := te.snapshotClone()
	if err != nil {
		return
	}

	if err := te.snapshot.SaveSnapshot(clone); err != nil {
		fmt.Printf("->[Tournament][%s] snapshot save failed: %v\n", clone.ID, err)
	}
}

func (te *tournamentEngine) snapshotClone() (*Tournament, error) {
	encoded, err := json.Marshal(te.tournament)
	if err != nil {
		return nil, err
	}

	var clone Tournament
	if err := json.Unmarshal(encoded, &clone); err != nil {
		return nil, err
	}

	for _, match := range clone.State.Matches {
		if match.Status == MatchStateStatus_Running {
			match.Status = MatchStateStatus_Waiting
		}
		if len(match.Positions) > 1 {
			match.Positions = match.Positions[len(match.Positions)-1:]
		}
	}
	for _, series := range clone.State.Series {
		if series.Status == SeriesStateStatus_Running {
			series.Status = SeriesStateStatus_Waiting
		}
	}

	return &clone, nil
}

func (te *tournamentEngine) scheduleRetryWake(at int64) {
	timebank.NewTimeBank().NewTaskWithDeadline(time.Unix(at, 0), func(isCancelled bool) {
		if isCancelled {
			return
		}
		te.notifyWake()
	})
}

func backoffDuration(retryCount int) time.Duration {
	if retryCount > 6 {
		return RetryBackoffMax
	}

	backoff := RetryBackoffBase << (retryCount - 1)
	if backoff > RetryBackoffMax {
		backoff = RetryBackoffMax
	}
	return backoff
}
