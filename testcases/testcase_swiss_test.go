package testcases

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/weedbox/chesstournament"
)

func TestSwiss_OddFieldByeRotation(t *testing.T) {
	inference := NewScriptedInference(map[string]string{
		"a": BehaviorMate,
		"b": BehaviorPlay,
		"c": BehaviorPlay,
		"d": BehaviorPlay,
		"e": BehaviorPlay,
	})
	manager := chesstournament.NewManager(NewScriptedRules(), inference, nil)

	settled, onStateUpdated := settledSignal()
	options := chesstournament.NewDefaultTournamentEngineOptions()
	options.OnTournamentStateUpdated = onStateUpdated

	meta := chesstournament.TournamentMeta{
		Format:      chesstournament.TournamentFormat_Swiss,
		BestOf:      1,
		Concurrency: 2,
		SwissRounds: 3,
		MaxPly:      4,
	}
	tournament, err := manager.CreateTournament(newTournamentSetting("swiss-5", meta, "a", "b", "c", "d", "e"), options)
	assert.Nil(t, err)
	assert.Equal(t, 3, tournament.State.TotalRounds)

	assert.Nil(t, manager.StartTournament(tournament.ID))
	waitSettled(t, settled, 30*time.Second)

	engine, err := manager.GetTournamentEngine(tournament.ID)
	assert.Nil(t, err)
	final := engine.GetTournament()
	logJSON(t, "swiss settled", final.GetJSON)

	assert.Equal(t, chesstournament.TournamentStateStatus_Completed, final.State.Status)

	// two boards per round with one entrant sitting out
	assert.Equal(t, 6, len(final.State.Series))
	for _, series := range final.State.Series {
		assert.True(t, series.Resolved)
	}

	// the bye rotates instead of hitting the same entrant twice
	assert.Equal(t, 3, len(final.State.ByeHistory))
	seen := make(map[string]bool)
	for _, entrantID := range final.State.ByeHistory {
		assert.False(t, seen[entrantID], "no entrant sits out twice in three rounds")
		seen[entrantID] = true
	}

	standings, err := manager.Standings(tournament.ID)
	assert.Nil(t, err)
	assert.Equal(t, "a", standings[0].EntrantID, "the only winner tops the field")
	assert.Equal(t, 3, standings[0].SeriesPlayed, "the leader never takes the bye")
	assert.Equal(t, 3.0, standings[0].MatchPoints)
}
