package chesstournament

import (
	"fmt"
	"time"
)

const (
	TournamentStateEvent_Started        = "Started"
	TournamentStateEvent_Paused         = "Paused"
	TournamentStateEvent_Resumed        = "Resumed"
	TournamentStateEvent_Restored       = "Restored"
	TournamentStateEvent_RoundAdvanced  = "RoundAdvanced"
	TournamentStateEvent_MatchLaunched  = "MatchLaunched"
	TournamentStateEvent_MatchSettled   = "MatchSettled"
	TournamentStateEvent_SeriesSettled  = "SeriesSettled"
	TournamentStateEvent_TiebreakQueued = "TiebreakQueued"
	TournamentStateEvent_Settled        = "Settled"
)

func (te *tournamentEngine) emitEvent(eventName string, entrantID string) {
	// refresh tournament
	te.tournament.UpdateAt = time.Now().Unix()
	te.tournament.UpdateSerial++

	// emit event
	fmt.Printf("->[Tournament][#%d][%s] emit Event: %s\n", te.tournament.UpdateSerial, entrantID, eventName)
	te.onTournamentUpdated(te.tournament)
}

func (te *tournamentEngine) emitErrorEvent(eventName string, entrantID string, err error) {
	fmt.Printf("->[Tournament][#%d][%s] emit ERROR Event: %s, Error: %v\n", te.tournament.UpdateSerial, entrantID, eventName, err)
	te.onTournamentErrorUpdated(te.tournament, err)
}

func (te *tournamentEngine) emitMatchEvent(eventName string, match *Match) {
	// emit event
	// fmt.Printf("->[Match][%s] emit Event: %s\n", eventName, fmt.Sprintf("[%s]: %s", match.ID, match.Status))
	te.onMatchUpdated(te.tournament.ID, match)
}

func (te *tournamentEngine) emitSeriesSettledEvent(series *Series) {
	// emit event
	te.onSeriesSettled(te.tournament.ID, series)
}

func (te *tournamentEngine) emitStandingsEvent() {
	// emit event
	te.onStandingsUpdated(te.tournament.ID, te.tournament.State.Standings)
}

func (te *tournamentEngine) emitTournamentStateEvent(eventName string) {
	// emit event
	te.onTournamentStateUpdated(eventName, te.tournament)
}
