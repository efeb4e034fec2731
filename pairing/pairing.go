package pairing

import (
	"sort"

	"github.com/thoas/go-funk"
)

// byeSentinel pads an odd entrant list for the round-robin circle method.
// Pairings involving it are dropped.
const byeSentinel = ""

// Pairing is one board assignment. White/Black are the colors of game 1 of
// the resulting series.
type Pairing struct {
	White string
	Black string
}

// SwissEntrant is one row of the score-ordered pool used to build a swiss
// round.
type SwissEntrant struct {
	ID          string
	MatchPoints float64
	GamePoints  float64
	Buchholz    float64
}

/*
RoundRobinRounds builds the full round-robin schedule with the circle method.
  - N entrants produce N-1 rounds (N padded to even), every unordered pair
    appearing in exactly one round.
  - Colors alternate by round parity and seat position to balance the
    schedule.
  - Deterministic given the same entrant id order.
*/
func RoundRobinRounds(entrantIDs []string) [][]Pairing {
	ids := make([]string, len(entrantIDs))
	copy(ids, entrantIDs)
	if len(ids)%2 == 1 {
		ids = append(ids, byeSentinel)
	}

	n := len(ids)
	if n < 2 {
		return [][]Pairing{}
	}

	rounds := make([][]Pairing, 0, n-1)
	for round := 0; round < n-1; round++ {
		pairings := make([]Pairing, 0, n/2)
		for seat := 0; seat < n/2; seat++ {
			a := ids[seat]
			b := ids[n-1-seat]
			if a == byeSentinel || b == byeSentinel {
				continue
			}

			if (round+seat)%2 == 0 {
				pairings = append(pairings, Pairing{White: a, Black: b})
			} else {
				pairings = append(pairings, Pairing{White: b, Black: a})
			}
		}
		rounds = append(rounds, pairings)

		// rotate everything but the first seat
		rotated := make([]string, 0, n)
		rotated = append(rotated, ids[0], ids[n-1])
		rotated = append(rotated, ids[1:n-1]...)
		ids = rotated
	}

	return rounds
}

/*
SwissRound pairs one swiss round from the score-ordered pool.
  - Pool order: match points desc, game points desc, Buchholz desc, id asc.
  - Odd pool: the lowest-ranked entrant without a bye sits out (lowest-ranked
    overall when all already had one). Returned as the second value, empty
    string when no bye was needed.
  - Pairing is greedy: the top remaining entrant meets the highest-ranked
    remaining opponent it has not played yet. When every candidate is a
    repeat, the top candidate is accepted anyway; a repeat pairing is the
    documented last resort, not a bug.
  - Colors: the side with the larger accumulated color imbalance
    (white games minus black games) takes black; exact ties break by id order.
*/
func SwissRound(pool []SwissEntrant, previousOpponents map[string][]string, byeHistory []string, colorBalance map[string]int) ([]Pairing, string) {
	ranked := make([]SwissEntrant, len(pool))
	copy(ranked, pool)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].MatchPoints != ranked[j].MatchPoints {
			return ranked[i].MatchPoints > ranked[j].MatchPoints
		}
		if ranked[i].GamePoints != ranked[j].GamePoints {
			return ranked[i].GamePoints > ranked[j].GamePoints
		}
		if ranked[i].Buchholz != ranked[j].Buchholz {
			return ranked[i].Buchholz > ranked[j].Buchholz
		}
		return ranked[i].ID < ranked[j].ID
	})

	byeEntrantID := ""
	if len(ranked)%2 == 1 {
		byeIdx := len(ranked) - 1
		for idx := len(ranked) - 1; idx >= 0; idx-- {
			if !funk.ContainsString(byeHistory, ranked[idx].ID) {
				byeIdx = idx
				break
			}
		}
		byeEntrantID = ranked[byeIdx].ID
		ranked = append(ranked[:byeIdx], ranked[byeIdx+1:]...)
	}

	pairings := make([]Pairing, 0, len(ranked)/2)
	for len(ranked) >= 2 {
		top := ranked[0]
		oppIdx := 1
		for idx := 1; idx < len(ranked); idx++ {
			if !funk.ContainsString(previousOpponents[top.ID], ranked[idx].ID) {
				oppIdx = idx
				break
			}
		}
		opp := ranked[oppIdx]

		pairings = append(pairings, assignColors(top.ID, opp.ID, colorBalance))

		ranked = append(ranked[:oppIdx], ranked[oppIdx+1:]...)
		ranked = ranked[1:]
	}

	return pairings, byeEntrantID
}

func assignColors(a, b string, colorBalance map[string]int) Pairing {
	balanceA := colorBalance[a]
	balanceB := colorBalance[b]

	// the more white-heavy side takes black
	if balanceA > balanceB {
		return Pairing{White: b, Black: a}
	}
	if balanceB > balanceA {
		return Pairing{White: a, Black: b}
	}
	if a < b {
		return Pairing{White: a, Black: b}
	}
	return Pairing{White: b, Black: a}
}
