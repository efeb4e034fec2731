package chesstournament

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weedbox/timebank"
)

var (
	ErrTournamentInvalidCreateSetting = errors.New("tournament: invalid create tournament setting")
	ErrTournamentStartRejected        = errors.New("tournament: already started")
	ErrTournamentPauseRejected        = errors.New("tournament: not allowed to pause")
	ErrTournamentResumeRejected       = errors.New("tournament: not allowed to resume")
	ErrTournamentCloseRejected        = errors.New("tournament: already closed")
	ErrTournamentRestoreRejected      = errors.New("tournament: no snapshot backend to restore from")
	ErrTournamentMatchNotFound        = errors.New("tournament: match not found")
	ErrTournamentSeriesNotFound       = errors.New("tournament: series not found")
	ErrTournamentInterventionRejected = errors.New("tournament: match is not eligible for intervention")
)

type TournamentEngineOpt func(*tournamentEngine)

type TournamentEngine interface {
	// Events
	OnTournamentUpdated(fn func(tournament *Tournament))                         // 賽事更新事件監聽器
	OnTournamentErrorUpdated(fn func(tournament *Tournament, err error))         // 賽事錯誤更新事件監聽器
	OnMatchUpdated(fn func(tournamentID string, match *Match))                   // 對局更新事件監聽器
	OnSeriesSettled(fn func(tournamentID string, series *Series))                // 系列賽結算事件監聽器
	OnStandingsUpdated(fn func(tournamentID string, standings []*StandingRow))   // 排名更新事件監聽器
	OnTournamentStateUpdated(fn func(event string, tournament *Tournament))      // 賽事狀態監聽器

	// Tournament Actions
	GetTournament() *Tournament                                             // 取得賽事
	CreateTournament(tournamentSetting TournamentSetting) (*Tournament, error) // 建立賽事
	StartTournament() (int64, error)                                        // 開始賽事
	PauseTournament() error                                                 // 暫停賽事
	ResumeTournament() error                                                // 繼續賽事
	CloseTournament(endStatus TournamentStateStatus) error                  // 關閉賽事
	RestoreTournament(tournamentID string) (*Tournament, error)             // 從快照還原賽事

	// Match Interventions
	RestartMatch(matchID string) error // 手動重啟故障對局
	DrawMatch(matchID string) error    // 手動判和故障對局

	// Queries
	Standings() []*StandingRow     // 系列賽積分排名
	GameStandings() []*StandingRow // 對局積分排名
	ExportPGN() string             // 匯出完賽對局棋譜
}

type tournamentEngine struct {
	mu                       sync.RWMutex
	tournament               *Tournament
	entrantCaches            sync.Map // key: <tournamentID.entrantID>, value: EntrantCache
	rules                    RulesBackend
	inference                InferenceBackend
	snapshot                 SnapshotBackend
	pool                     *EnginePool
	poolCapacity             int
	runner                   *matchRunner
	matchCancels             map[string]context.CancelFunc
	inflight                 int
	wake                     chan struct{}
	schedulerCtx             context.Context
	schedulerCancel          context.CancelFunc
	schedulerRunning         bool
	snapshotBank             *timebank.TimeBank
	snapshotPending          int32
	onTournamentUpdated      func(tournament *Tournament)
	onTournamentErrorUpdated func(tournament *Tournament, err error)
	onMatchUpdated           func(tournamentID string, match *Match)
	onSeriesSettled          func(tournamentID string, series *Series)
	onStandingsUpdated       func(tournamentID string, standings []*StandingRow)
	onTournamentStateUpdated func(event string, tournament *Tournament)
}

func NewTournamentEngine(opts ...TournamentEngineOpt) TournamentEngine {
	te := &tournamentEngine{
		entrantCaches:            sync.Map{},
		rules:                    NewNativeRulesBackend(),
		inference:                NewNativeInferenceBackend(),
		poolCapacity:             UnsetValue,
		matchCancels:             make(map[string]context.CancelFunc),
		wake:                     make(chan struct{}, 1),
		snapshotBank:             timebank.NewTimeBank(),
		onTournamentUpdated:      func(tournament *Tournament) {},
		onTournamentErrorUpdated: func(tournament *Tournament, err error) {},
		onMatchUpdated:           func(tournamentID string, match *Match) {},
		onSeriesSettled:          func(tournamentID string, series *Series) {},
		onStandingsUpdated:       func(tournamentID string, standings []*StandingRow) {},
		onTournamentStateUpdated: func(event string, tournament *Tournament) {},
	}

	for _, opt := range opts {
		opt(te)
	}

	return te
}

func WithRulesBackend(rb RulesBackend) TournamentEngineOpt {
	return func(te *tournamentEngine) {
		te.rules = rb
	}
}

func WithInferenceBackend(ib InferenceBackend) TournamentEngineOpt {
	return func(te *tournamentEngine) {
		te.inference = ib
	}
}

func WithSnapshotBackend(sb SnapshotBackend) TournamentEngineOpt {
	return func(te *tournamentEngine) {
		te.snapshot = sb
	}
}

func WithEnginePoolCapacity(capacity int) TournamentEngineOpt {
	return func(te *tournamentEngine) {
		te.poolCapacity = capacity
	}
}

func (te *tournamentEngine) OnTournamentUpdated(fn func(tournament *Tournament)) {
	te.onTournamentUpdated = fn
}

func (te *tournamentEngine) OnTournamentErrorUpdated(fn func(tournament *Tournament, err error)) {
	te.onTournamentErrorUpdated = fn
}

func (te *tournamentEngine) OnMatchUpdated(fn func(tournamentID string, match *Match)) {
	te.onMatchUpdated = fn
}

func (te *tournamentEngine) OnSeriesSettled(fn func(tournamentID string, series *Series)) {
	te.onSeriesSettled = fn
}

func (te *tournamentEngine) OnStandingsUpdated(fn func(tournamentID string, standings []*StandingRow)) {
	te.onStandingsUpdated = fn
}

func (te *tournamentEngine) OnTournamentStateUpdated(fn func(event string, tournament *Tournament)) {
	te.onTournamentStateUpdated = fn
}

func (te *tournamentEngine) GetTournament() *Tournament {
	return te.tournament
}

func (te *tournamentEngine) CreateTournament(tournamentSetting TournamentSetting) (*Tournament, error) {
	// validate tournamentSetting
	now := time.Now()
	if tournamentSetting.StartAt != UnsetValue && tournamentSetting.StartAt < now.Unix() {
		return nil, ErrTournamentInvalidCreateSetting
	}

	if len(tournamentSetting.Entrants) < 2 {
		return nil, ErrTournamentInvalidCreateSetting
	}

	seenEntrantIDs := make(map[string]bool)
	for _, entrantSetting := range tournamentSetting.Entrants {
		if entrantSetting.EntrantID == "" {
			continue
		}
		if seenEntrantIDs[entrantSetting.EntrantID] {
			return nil, ErrTournamentInvalidCreateSetting
		}
		seenEntrantIDs[entrantSetting.EntrantID] = true
	}

	meta := tournamentSetting.Meta
	applyMetaDefaults(&meta)
	if meta.BestOf < 1 || meta.Concurrency < 1 || meta.MaxPly < 2 {
		return nil, ErrTournamentInvalidCreateSetting
	}

	tournamentID := tournamentSetting.TournamentID
	if tournamentID == "" {
		tournamentID = uuid.New().String()
	}

	// create tournament instance
	entrants := make([]*Entrant, 0, len(tournamentSetting.Entrants))
	for _, entrantSetting := range tournamentSetting.Entrants {
		entrantID := entrantSetting.EntrantID
		if entrantID == "" {
			entrantID = uuid.New().String()
		}
		entrants = append(entrants, NewEntrant(entrantSetting, entrantID))
	}

	te.tournament = &Tournament{
		ID:   tournamentID,
		Meta: meta,
		State: &TournamentState{
			StartAt:       tournamentSetting.StartAt,
			EndAt:         UnsetValue,
			Status:        TournamentStateStatus_Idle,
			CurrentRound:  0,
			TotalRounds:   totalRounds(meta, len(entrants)),
			Entrants:      entrants,
			Series:        make([]*Series, 0),
			Matches:       make([]*Match, 0),
			Standings:     make([]*StandingRow, 0),
			GameStandings: make([]*StandingRow, 0),
			ByeHistory:    make([]string, 0),
		},
	}

	for entrantIdx, entrant := range entrants {
		te.insertEntrantCache(tournamentID, entrant.ID, EntrantCache{
			EntrantID:  entrant.ID,
			EntrantIdx: entrantIdx,
		})
	}

	capacity := te.poolCapacity
	if capacity == UnsetValue {
		capacity = meta.Concurrency*2 + DefaultPoolBuffer
	}
	te.pool = NewEnginePool(te.inference, capacity)
	te.runner = newMatchRunner(te.pool, te.rules)

	// auto startTournament when StartAt is reached
	if te.tournament.State.StartAt > 0 {
		autoStartTime := time.Unix(te.tournament.State.StartAt, 0)
		if err := timebank.NewTimeBank().NewTaskWithDeadline(autoStartTime, func(isCancelled bool) {
			if isCancelled {
				return
			}

			if te.tournament.State.Status == TournamentStateStatus_Idle {
				te.StartTournament()
			}
		}); err != nil {
			return nil, err
		}
	}

	te.emitEvent("CreateTournament", "")
	return te.tournament, nil
}

/*
StartTournament 開賽
  - 適用時機: 手動開賽、排程時間到自動開賽
*/
func (te *tournamentEngine) StartTournament() (int64, error) {
	te.mu.Lock()

	if te.tournament.State.Status != TournamentStateStatus_Idle {
		te.mu.Unlock()
		return te.tournament.State.StartAt, ErrTournamentStartRejected
	}

	te.tournament.State.StartAt = time.Now().Unix()
	te.tournament.State.Status = TournamentStateStatus_Running
	te.tournament.State.CurrentRound = 1

	if err := te.buildRound(te.tournament.State.CurrentRound); err != nil {
		te.tournament.State.Status = TournamentStateStatus_Error
		te.tournament.State.LastError = err.Error()
		te.mu.Unlock()
		te.emitErrorEvent("StartTournament -> buildRound", "", err)
		return 0, err
	}

	te.startScheduler()
	te.mu.Unlock()

	te.emitEvent("StartTournament", "")
	te.emitTournamentStateEvent(TournamentStateEvent_Started)
	te.notifyWake()
	return te.tournament.State.StartAt, nil
}

/*
PauseTournament 暫停賽事
  - 進行中對局會被中止並保留棋步，恢復後從中斷處續弈
*/
func (te *tournamentEngine) PauseTournament() error {
	te.mu.Lock()

	if te.tournament.State.Status != TournamentStateStatus_Running {
		te.mu.Unlock()
		return ErrTournamentPauseRejected
	}

	te.tournament.State.Status = TournamentStateStatus_Paused
	te.cancelRunningMatches()
	te.mu.Unlock()

	te.emitEvent("PauseTournament", "")
	te.emitTournamentStateEvent(TournamentStateEvent_Paused)
	te.markDirty()
	return nil
}

func (te *tournamentEngine) ResumeTournament() error {
	te.mu.Lock()

	if te.tournament.State.Status != TournamentStateStatus_Paused {
		te.mu.Unlock()
		return ErrTournamentResumeRejected
	}

	te.tournament.State.Status = TournamentStateStatus_Running
	te.startScheduler()
	te.mu.Unlock()

	te.emitEvent("ResumeTournament", "")
	te.emitTournamentStateEvent(TournamentStateEvent_Resumed)
	te.markDirty()
	te.notifyWake()
	return nil
}

/*
CloseTournament 關閉賽事
  - 適用時機: 賽事出狀況需要臨時關閉賽事、正常結束賽事
*/
func (te *tournamentEngine) CloseTournament(endStatus TournamentStateStatus) error {
	te.mu.Lock()

	if te.tournament.IsEndStatus() {
		te.mu.Unlock()
		return ErrTournamentCloseRejected
	}

	te.cancelRunningMatches()
	te.settleTournament(endStatus)
	te.mu.Unlock()

	return nil
}

/*
RestoreTournament 從快照還原賽事
  - 還原時進行中狀態代表前次程序崩潰，一律降為暫停，由呼叫端決定何時續賽
*/
func (te *tournamentEngine) RestoreTournament(tournamentID string) (*Tournament, error) {
	if te.snapshot == nil {
		return nil, ErrTournamentRestoreRejected
	}

	tournament, err := te.snapshot.LoadSnapshot(tournamentID)
	if err != nil {
		return nil, err
	}

	te.mu.Lock()

	if tournament.State.Status == TournamentStateStatus_Running {
		tournament.State.Status = TournamentStateStatus_Paused
	}
	te.tournament = tournament

	te.deleteEntrantCachesByTournament(tournamentID)
	for entrantIdx, entrant := range tournament.State.Entrants {
		te.insertEntrantCache(tournamentID, entrant.ID, EntrantCache{
			EntrantID:  entrant.ID,
			EntrantIdx: entrantIdx,
		})
	}

	capacity := te.poolCapacity
	if capacity == UnsetValue {
		capacity = tournament.Meta.Concurrency*2 + DefaultPoolBuffer
	}
	te.pool = NewEnginePool(te.inference, capacity)
	te.runner = newMatchRunner(te.pool, te.rules)
	te.mu.Unlock()

	te.emitEvent("RestoreTournament", "")
	te.emitTournamentStateEvent(TournamentStateEvent_Restored)
	return tournament, nil
}

/*
RestartMatch 手動重啟對局
  - 適用時機: 對局重試次數用盡前，營運端修復外部引擎後手動重新排入
  - 進行中對局會先被中止，保留棋步後重新排入佇列
*/
func (te *tournamentEngine) RestartMatch(matchID string) error {
	te.mu.Lock()

	matchIdx := te.tournament.FindMatchIdx(func(m *Match) bool {
		return m.ID == matchID
	})
	if matchIdx == UnsetValue {
		te.mu.Unlock()
		return ErrTournamentMatchNotFound
	}

	match := te.tournament.State.Matches[matchIdx]
	if match.Status != MatchStateStatus_Error && match.Status != MatchStateStatus_Running {
		te.mu.Unlock()
		return ErrTournamentInterventionRejected
	}

	if match.Status == MatchStateStatus_Running {
		if cancel, exist := te.matchCancels[match.ID]; exist {
			cancel()
		}
	}

	match.Status = MatchStateStatus_Waiting
	match.RetryCount = 0
	match.NextRetryAt = UnsetValue
	match.LastError = ""
	te.mu.Unlock()

	te.emitEvent("RestartMatch", "")
	te.emitMatchEvent("RestartMatch", match)
	te.markDirty()
	te.notifyWake()
	return nil
}

/*
DrawMatch 手動判和對局
  - 適用時機: 對局無法修復或卡住時，營運端直接裁定和棋讓系列賽繼續
  - 進行中對局會先被中止再入帳為和棋
*/
func (te *tournamentEngine) DrawMatch(matchID string) error {
	te.mu.Lock()

	matchIdx := te.tournament.FindMatchIdx(func(m *Match) bool {
		return m.ID == matchID
	})
	if matchIdx == UnsetValue {
		te.mu.Unlock()
		return ErrTournamentMatchNotFound
	}

	match := te.tournament.State.Matches[matchIdx]
	if match.Status != MatchStateStatus_Error && match.Status != MatchStateStatus_Running {
		te.mu.Unlock()
		return ErrTournamentInterventionRejected
	}

	if match.Status == MatchStateStatus_Running {
		if cancel, exist := te.matchCancels[match.ID]; exist {
			cancel()
		}
	}

	match.Status = MatchStateStatus_Finished
	match.Result = MatchResult_Draw
	match.NextRetryAt = UnsetValue
	te.settleMatchSeries(match)
	te.refreshStandings()
	te.mu.Unlock()

	te.emitEvent("DrawMatch", "")
	te.emitMatchEvent("DrawMatch", match)
	te.markDirty()
	te.notifyWake()
	return nil
}

func (te *tournamentEngine) Standings() []*StandingRow {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return ComputeStandings(te.tournament.State.Entrants, te.tournament.State.Series, te.tournament.State.Matches)
}

func (te *tournamentEngine) GameStandings() []*StandingRow {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return ComputeGameStandings(te.tournament.State.Entrants, te.tournament.State.Series, te.tournament.State.Matches)
}

func applyMetaDefaults(meta *TournamentMeta) {
	if meta.BestOf == 0 || meta.BestOf == UnsetValue {
		meta.BestOf = DefaultBestOf
	}
	if meta.Concurrency == 0 || meta.Concurrency == UnsetValue {
		meta.Concurrency = DefaultConcurrency
	}
	if meta.MaxRetries == 0 {
		meta.MaxRetries = DefaultMaxRetries
	}
	if meta.MatchDeadlineSec == 0 || meta.MatchDeadlineSec == UnsetValue {
		meta.MatchDeadlineSec = DefaultMatchDeadlineSec
	}
	if meta.MaxPly == 0 || meta.MaxPly == UnsetValue {
		meta.MaxPly = DefaultMaxPly
	}
	if meta.TiebreakMode == "" {
		meta.TiebreakMode = TiebreakMode_Capped
	}
}

// totalRounds is n-1 rounds for even entrant counts and n for odd (every
// entrant sits out once). Swiss plays the configured count, defaulting to
// enough rounds to separate the field.
func totalRounds(meta TournamentMeta, entrantCount int) int {
	switch meta.Format {
	case TournamentFormat_Swiss:
		if meta.SwissRounds > 0 {
			return meta.SwissRounds
		}
		rounds := 1
		for n := 2; n < entrantCount; n *= 2 {
			rounds++
		}
		return rounds
	default:
		if entrantCount%2 == 0 {
			return entrantCount - 1
		}
		return entrantCount
	}
}
