package chesstournament

import (
	"encoding/json"
	"time"

	"github.com/thoas/go-funk"
)

type TournamentStateStatus string
type TournamentFormat string
type TiebreakMode string
type SeriesStateStatus string
type MatchStateStatus string
type MatchResult string

const (
	// TournamentStateStatus
	TournamentStateStatus_Idle      TournamentStateStatus = "idle"      // created, not started yet
	TournamentStateStatus_Running   TournamentStateStatus = "running"   // scheduler is driving rounds
	TournamentStateStatus_Paused    TournamentStateStatus = "paused"    // in-flight matches aborted, resumable
	TournamentStateStatus_Completed TournamentStateStatus = "completed" // all rounds settled
	TournamentStateStatus_Error     TournamentStateStatus = "error"     // structural error, needs manual resume

	// TournamentFormat
	TournamentFormat_RoundRobin TournamentFormat = "round_robin"
	TournamentFormat_Swiss      TournamentFormat = "swiss"

	// TiebreakMode
	TiebreakMode_Capped TiebreakMode = "capped"
	TiebreakMode_WinBy  TiebreakMode = "win_by"

	// SeriesStateStatus
	SeriesStateStatus_Waiting  SeriesStateStatus = "waiting"
	SeriesStateStatus_Running  SeriesStateStatus = "running"
	SeriesStateStatus_Finished SeriesStateStatus = "finished"

	// MatchStateStatus
	MatchStateStatus_Waiting   MatchStateStatus = "waiting"
	MatchStateStatus_Running   MatchStateStatus = "running"
	MatchStateStatus_Finished  MatchStateStatus = "finished"
	MatchStateStatus_Cancelled MatchStateStatus = "cancelled"
	MatchStateStatus_Error     MatchStateStatus = "error"

	// MatchResult
	MatchResult_WhiteWin MatchResult = "1-0"
	MatchResult_BlackWin MatchResult = "0-1"
	MatchResult_Draw     MatchResult = "1/2-1/2"
	MatchResult_Unknown  MatchResult = "*"
)

type Tournament struct {
	ID           string           `json:"id"`            // tournament unique ID
	Meta         TournamentMeta   `json:"meta"`          // immutable setup data
	State        *TournamentState `json:"state"`         // mutable runtime data
	UpdateAt     int64            `json:"update_at"`     // last update time (Seconds)
	UpdateSerial int64            `json:"update_serial"` // update sequence number
}

type TournamentMeta struct {
	Format           TournamentFormat `json:"format"`             // round_robin, swiss
	BestOf           int              `json:"best_of"`            // planned games per series
	Concurrency      int              `json:"concurrency"`        // max simultaneously running matches
	SwissRounds      int              `json:"swiss_rounds"`       // round count (swiss only)
	TiebreakMode     TiebreakMode     `json:"tiebreak_mode"`      // capped, win_by
	MaxTiebreakGames int              `json:"max_tiebreak_games"` // extra game budget per series (<= 0 disables tiebreaks)
	WinByMargin      int              `json:"win_by_margin"`      // required lead (win_by mode)
	MaxRetries       int              `json:"max_retries"`        // engine failure retries per match
	MatchDeadlineSec int              `json:"match_deadline_sec"` // wall-clock budget per match (Seconds)
	MaxPly           int              `json:"max_ply"`            // forced draw beyond this ply count
	MoveDelayMS      int              `json:"move_delay_ms"`      // optional delay between plies (Milliseconds)
}

type TournamentState struct {
	StartAt       int64                 `json:"start_at"`       // start time (Seconds)
	EndAt         int64                 `json:"end_at"`         // end time (Seconds)
	Status        TournamentStateStatus `json:"status"`         // tournament status
	CurrentRound  int                   `json:"current_round"`  // 1-based, 0 before start
	TotalRounds   int                   `json:"total_rounds"`   // total planned rounds
	Entrants      []*Entrant            `json:"entrants"`       // all entrants, fixed after create
	Series        []*Series             `json:"series"`         // all series across rounds
	Matches       []*Match              `json:"matches"`        // all matches across series
	Standings     []*StandingRow        `json:"standings"`      // series-point standings
	GameStandings []*StandingRow        `json:"game_standings"` // game-point standings (display only)
	ByeHistory    []string              `json:"bye_history"`    // entrant ids that already received a swiss bye
	LastError     string                `json:"last_error"`     // structural error detail
}

// Entrant is one neural-network player configuration. Immutable for the
// tournament's duration.
type Entrant struct {
	ID          string  `json:"id"`          // entrant unique ID
	Label       string  `json:"label"`       // display label
	Model       string  `json:"model"`       // engine/model reference
	Temperature float64 `json:"temperature"` // move sampling randomness
}

// Series is one pairing's repeated games. WhiteEntrantID/BlackEntrantID are
// the board colors of game 1 only; colors alternate per game.
type Series struct {
	ID             string            `json:"id"`
	Round          int               `json:"round"`
	Board          int               `json:"board"` // parallel lane within the round
	WhiteEntrantID string            `json:"white_entrant_id"`
	BlackEntrantID string            `json:"black_entrant_id"`
	PlannedGames   int               `json:"planned_games"`
	WhiteScore     float64           `json:"white_score"`
	BlackScore     float64           `json:"black_score"`
	Status         SeriesStateStatus `json:"status"`
	Winner         *string           `json:"winner"`   // entrant id, nil = drawn series (only meaningful once resolved)
	Resolved       bool              `json:"resolved"` // distinguishes drawn from unresolved
	MatchIDs       []string          `json:"match_ids"`
}

// Match is a single game inside a series.
type Match struct {
	ID             string           `json:"id"`
	SeriesID       string           `json:"series_id"`
	Index          int              `json:"index"` // 1-based within the series
	Round          int              `json:"round"`
	Board          int              `json:"board"`
	WhiteEntrantID string           `json:"white_entrant_id"` // actual colors of this game
	BlackEntrantID string           `json:"black_entrant_id"`
	Status         MatchStateStatus `json:"status"`
	Result         MatchResult      `json:"result"`
	Moves          []string         `json:"moves"`     // SAN, append-only
	Positions      []string         `json:"positions"` // FEN history, first entry is the initial position
	Evals          []*EvalSnapshot  `json:"evals"`     // per-ply win/draw/loss estimates (display only)
	RetryCount     int              `json:"retry_count"`
	NextRetryAt    int64            `json:"next_retry_at"` // unix seconds, UnsetValue when not scheduled
	LastError      string           `json:"last_error"`
}

// EvalSnapshot records both engines' position estimates at a given ply.
type EvalSnapshot struct {
	Ply   int         `json:"ply"`
	White WinDrawLoss `json:"white"`
	Black WinDrawLoss `json:"black"`
}

type WinDrawLoss struct {
	Win  float64 `json:"win"`
	Draw float64 `json:"draw"`
	Loss float64 `json:"loss"`
}

// Tournament Setters
func (t *Tournament) RefreshUpdateAt() {
	t.UpdateAt = time.Now().Unix()
	t.UpdateSerial++
}

// Tournament Getters
func (t Tournament) GetJSON() (string, error) {
	encoded, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (t Tournament) FindEntrantIdx(predicate func(*Entrant) bool) int {
	for idx, entrant := range t.State.Entrants {
		if predicate(entrant) {
			return idx
		}
	}
	return UnsetValue
}

func (t Tournament) FindSeriesIdx(predicate func(*Series) bool) int {
	for idx, series := range t.State.Series {
		if predicate(series) {
			return idx
		}
	}
	return UnsetValue
}

func (t Tournament) FindMatchIdx(predicate func(*Match) bool) int {
	for idx, match := range t.State.Matches {
		if predicate(match) {
			return idx
		}
	}
	return UnsetValue
}

func (t Tournament) GetEntrant(entrantID string) *Entrant {
	idx := t.FindEntrantIdx(func(e *Entrant) bool {
		return e.ID == entrantID
	})
	if idx == UnsetValue {
		return nil
	}
	return t.State.Entrants[idx]
}

func (t Tournament) RoundSeries(round int) []*Series {
	return funk.Filter(t.State.Series, func(s *Series) bool {
		return s.Round == round
	}).([]*Series)
}

func (t Tournament) RoundMatches(round int) []*Match {
	return funk.Filter(t.State.Matches, func(m *Match) bool {
		return m.Round == round
	}).([]*Match)
}

func (t Tournament) SeriesMatches(seriesID string) []*Match {
	return funk.Filter(t.State.Matches, func(m *Match) bool {
		return m.SeriesID == seriesID
	}).([]*Match)
}

func (t Tournament) IsEndStatus() bool {
	return t.State.Status == TournamentStateStatus_Completed
}

// SeriesScores recomputes both sides' scores from finished, non-cancelled
// matches using the series' color mapping. Tiebreak games count as well.
func (s Series) SeriesScores(matches []*Match) (float64, float64) {
	white, black := 0.0, 0.0
	for _, m := range matches {
		if m.Status != MatchStateStatus_Finished {
			continue
		}

		switch m.Result {
		case MatchResult_WhiteWin:
			if m.WhiteEntrantID == s.WhiteEntrantID {
				white++
			} else {
				black++
			}
		case MatchResult_BlackWin:
			if m.BlackEntrantID == s.WhiteEntrantID {
				white++
			} else {
				black++
			}
		case MatchResult_Draw:
			white += 0.5
			black += 0.5
		}
	}
	return white, black
}
