package chesstournament

type TournamentSetting struct {
	TournamentID string           `json:"tournament_id"`
	Meta         TournamentMeta   `json:"meta"`
	StartAt      int64            `json:"start_at"` // auto start time (Seconds), UnsetValue starts manually
	Entrants     []EntrantSetting `json:"entrants"`
}

type EntrantSetting struct {
	EntrantID   string  `json:"entrant_id"` // optional, generated when empty
	Label       string  `json:"label"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

func NewEntrant(setting EntrantSetting, entrantID string) *Entrant {
	return &Entrant{
		ID:          entrantID,
		Label:       setting.Label,
		Model:       setting.Model,
		Temperature: setting.Temperature,
	}
}
