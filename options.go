package chesstournament

type TournamentEngineOptions struct {
	OnTournamentUpdated      func(tournament *Tournament)
	OnTournamentErrorUpdated func(tournament *Tournament, err error)
	OnMatchUpdated           func(tournamentID string, match *Match)
	OnSeriesSettled          func(tournamentID string, series *Series)
	OnStandingsUpdated       func(tournamentID string, standings []*StandingRow)
	OnTournamentStateUpdated func(event string, tournament *Tournament)
}

func NewDefaultTournamentEngineOptions() *TournamentEngineOptions {
	return &TournamentEngineOptions{
		OnTournamentUpdated:      func(tournament *Tournament) {},
		OnTournamentErrorUpdated: func(tournament *Tournament, err error) {},
		OnMatchUpdated:           func(tournamentID string, match *Match) {},
		OnSeriesSettled:          func(tournamentID string, series *Series) {},
		OnStandingsUpdated:       func(tournamentID string, standings []*StandingRow) {},
		OnTournamentStateUpdated: func(event string, tournament *Tournament) {},
	}
}
