package chesstournament

import (
	"sort"
)

// StandingRow is one entrant's aggregate. Rows are always recomputed in full
// from finished series/matches, never incrementally mutated.
type StandingRow struct {
	EntrantID    string  `json:"entrant_id"`
	Label        string  `json:"label"`
	MatchPoints  float64 `json:"match_points"`
	GamePoints   float64 `json:"game_points"`
	Wins         int     `json:"wins"`
	Draws        int     `json:"draws"`
	Losses       int     `json:"losses"`
	SeriesPlayed int     `json:"series_played"`
	Buchholz     float64 `json:"buchholz"`
	Performance  float64 `json:"performance"` // game-point percentage, display only
}

/*
ComputeStandings recomputes ranked standings from finished series and their
finished, non-cancelled games.
- Algorithm:
 1. Match points per finished series: win 1, drawn series 0.5, loss 0.
 2. Game points per finished game within the series' planned-game count.
 3. Buchholz: sum of match points of all distinct opponents faced in
    finished series.
 4. Order: match points desc, game points desc, Buchholz desc, wins desc,
    label asc.
*/
func ComputeStandings(entrants []*Entrant, series []*Series, matches []*Match) []*StandingRow {
	rows := computeRows(entrants, series, matches)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].MatchPoints != rows[j].MatchPoints {
			return rows[i].MatchPoints > rows[j].MatchPoints
		}
		if rows[i].GamePoints != rows[j].GamePoints {
			return rows[i].GamePoints > rows[j].GamePoints
		}
		if rows[i].Buchholz != rows[j].Buchholz {
			return rows[i].Buchholz > rows[j].Buchholz
		}
		if rows[i].Wins != rows[j].Wins {
			return rows[i].Wins > rows[j].Wins
		}
		return rows[i].Label < rows[j].Label
	})
	return rows
}

// ComputeGameStandings is the "game mode" view: same aggregates, but ordered
// by raw game points first. Display only.
func ComputeGameStandings(entrants []*Entrant, series []*Series, matches []*Match) []*StandingRow {
	rows := computeRows(entrants, series, matches)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].GamePoints != rows[j].GamePoints {
			return rows[i].GamePoints > rows[j].GamePoints
		}
		if rows[i].MatchPoints != rows[j].MatchPoints {
			return rows[i].MatchPoints > rows[j].MatchPoints
		}
		if rows[i].Buchholz != rows[j].Buchholz {
			return rows[i].Buchholz > rows[j].Buchholz
		}
		if rows[i].Wins != rows[j].Wins {
			return rows[i].Wins > rows[j].Wins
		}
		return rows[i].Label < rows[j].Label
	})
	return rows
}

func computeRows(entrants []*Entrant, series []*Series, matches []*Match) []*StandingRow {
	rowByEntrant := make(map[string]*StandingRow)
	for _, entrant := range entrants {
		rowByEntrant[entrant.ID] = &StandingRow{
			EntrantID: entrant.ID,
			Label:     entrant.Label,
		}
	}

	matchesBySeries := make(map[string][]*Match)
	for _, m := range matches {
		matchesBySeries[m.SeriesID] = append(matchesBySeries[m.SeriesID], m)
	}

	// first pass: match points, game points, win/draw/loss counts
	opponents := make(map[string][]string)
	for _, s := range series {
		if s.Status != SeriesStateStatus_Finished {
			continue
		}

		whiteRow := rowByEntrant[s.WhiteEntrantID]
		blackRow := rowByEntrant[s.BlackEntrantID]
		if whiteRow == nil || blackRow == nil {
			continue
		}

		whiteRow.SeriesPlayed++
		blackRow.SeriesPlayed++
		opponents[s.WhiteEntrantID] = appendDistinct(opponents[s.WhiteEntrantID], s.BlackEntrantID)
		opponents[s.BlackEntrantID] = appendDistinct(opponents[s.BlackEntrantID], s.WhiteEntrantID)

		if !s.Resolved || s.Winner == nil {
			whiteRow.MatchPoints += 0.5
			blackRow.MatchPoints += 0.5
		} else if *s.Winner == s.WhiteEntrantID {
			whiteRow.MatchPoints++
		} else {
			blackRow.MatchPoints++
		}

		for _, m := range matchesBySeries[s.ID] {
			if m.Status != MatchStateStatus_Finished || m.Index > s.PlannedGames {
				continue
			}

			whiteGameRow := rowByEntrant[m.WhiteEntrantID]
			blackGameRow := rowByEntrant[m.BlackEntrantID]
			switch m.Result {
			case MatchResult_WhiteWin:
				whiteGameRow.GamePoints++
				whiteGameRow.Wins++
				blackGameRow.Losses++
			case MatchResult_BlackWin:
				blackGameRow.GamePoints++
				blackGameRow.Wins++
				whiteGameRow.Losses++
			case MatchResult_Draw:
				whiteGameRow.GamePoints += 0.5
				blackGameRow.GamePoints += 0.5
				whiteGameRow.Draws++
				blackGameRow.Draws++
			}
		}
	}

	// second pass: Buchholz from opponents' match points
	for entrantID, row := range rowByEntrant {
		for _, oppID := range opponents[entrantID] {
			if oppRow, exist := rowByEntrant[oppID]; exist {
				row.Buchholz += oppRow.MatchPoints
			}
		}

		gamesPlayed := row.Wins + row.Draws + row.Losses
		if gamesPlayed > 0 {
			row.Performance = row.GamePoints / float64(gamesPlayed) * 100
		}
	}

	rows := make([]*StandingRow, 0, len(entrants))
	for _, entrant := range entrants {
		rows = append(rows, rowByEntrant[entrant.ID])
	}
	return rows
}

func appendDistinct(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
