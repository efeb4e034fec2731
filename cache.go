package chesstournament

import (
	"fmt"
	"strings"
)

type EntrantCache struct {
	EntrantID     string
	EntrantIdx    int // index of Tournament.State.Entrants
	ActiveMatchID string
}

func (te *tournamentEngine) buildEntrantCacheKey(tournamentID, entrantID string) string {
	return fmt.Sprintf("%s.%s", tournamentID, entrantID)
}

func (te *tournamentEngine) insertEntrantCache(tournamentID, entrantID string, entrantCache EntrantCache) {
	key := te.buildEntrantCacheKey(tournamentID, entrantID)
	te.entrantCaches.Store(key, &entrantCache)
}

func (te *tournamentEngine) getEntrantCache(tournamentID, entrantID string) (*EntrantCache, bool) {
	key := te.buildEntrantCacheKey(tournamentID, entrantID)
	c, exist := te.entrantCaches.Load(key)
	if !exist {
		return nil, false
	}
	return c.(*EntrantCache), true
}

func (te *tournamentEngine) deleteEntrantCachesByTournament(tournamentID string) {
	deleteKeys := map[string]bool{}
	te.entrantCaches.Range(func(k, v interface{}) bool {
		key := k.(string)
		if strings.Split(key, ".")[0] == tournamentID {
			deleteKeys[key] = true
		}
		return true
	})

	for key := range deleteKeys {
		te.entrantCaches.Delete(key)
	}
}

func (te *tournamentEngine) deleteEntrantCache(tournamentID, entrantID string) {
	key := te.buildEntrantCacheKey(tournamentID, entrantID)
	te.entrantCaches.Delete(key)
}
