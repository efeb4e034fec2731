package chesstournament

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPGN renders one finished game as a PGN movetext block.
func FormatPGN(event, white, black string, round, board, index int, result MatchResult, moves []string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[Event \"%s\"]\n", event))
	sb.WriteString(fmt.Sprintf("[Round \"%d.%d.%d\"]\n", round, board, index))
	sb.WriteString(fmt.Sprintf("[White \"%s\"]\n", white))
	sb.WriteString(fmt.Sprintf("[Black \"%s\"]\n", black))
	sb.WriteString(fmt.Sprintf("[Result \"%s\"]\n", result))
	sb.WriteString("\n")

	for ply, move := range moves {
		if ply%2 == 0 {
			sb.WriteString(fmt.Sprintf("%d. ", ply/2+1))
		}
		sb.WriteString(move)
		sb.WriteString(" ")
	}
	sb.WriteString(string(result))
	sb.WriteString("\n")

	return sb.String()
}

// ExportPGN renders every game that produced moves, ordered by round, board
// and game index. Unplayed and cancelled games are skipped.
func (te *tournamentEngine) ExportPGN() string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	entrantLabels := make(map[string]string)
	for _, entrant := range te.tournament.State.Entrants {
		label := entrant.Label
		if label == "" {
			label = entrant.ID
		}
		entrantLabels[entrant.ID] = label
	}

	matches := make([]*Match, 0, len(te.tournament.State.Matches))
	for _, match := range te.tournament.State.Matches {
		if len(match.Moves) == 0 || match.Status == MatchStateStatus_Cancelled {
			continue
		}
		matches = append(matches, match)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Round != matches[j].Round {
			return matches[i].Round < matches[j].Round
		}
		if matches[i].Board != matches[j].Board {
			return matches[i].Board < matches[j].Board
		}
		return matches[i].Index < matches[j].Index
	})

	games := make([]string, 0, len(matches))
	for _, match := range matches {
		games = append(games, FormatPGN(
			te.tournament.ID,
			entrantLabels[match.WhiteEntrantID],
			entrantLabels[match.BlackEntrantID],
			match.Round,
			match.Board,
			match.Index,
			match.Result,
			match.Moves,
		))
	}

	return strings.Join(games, "\n")
}
