package chesstournament

import (
	"errors"
	"sync"
)

var (
	ErrManagerTournamentNotFound = errors.New("manager: tournament not found")
)

type Manager interface {
	Reset()

	// TournamentEngine Actions
	GetTournamentEngine(tournamentID string) (TournamentEngine, error)

	// Tournament Actions
	CreateTournament(tournamentSetting TournamentSetting, options *TournamentEngineOptions) (*Tournament, error)
	RestoreTournament(tournamentID string, options *TournamentEngineOptions) (*Tournament, error)
	CloseTournament(tournamentID string, endStatus TournamentStateStatus) error
	StartTournament(tournamentID string) error
	PauseTournament(tournamentID string) error
	ResumeTournament(tournamentID string) error

	// Queries
	Standings(tournamentID string) ([]*StandingRow, error)
	ExportPGN(tournamentID string) (string, error)
}

type manager struct {
	rules             RulesBackend
	inference         InferenceBackend
	snapshot          SnapshotBackend
	tournamentEngines sync.Map
}

func NewManager(rules RulesBackend, inference InferenceBackend, snapshot SnapshotBackend) Manager {
	return &manager{
		rules:             rules,
		inference:         inference,
		snapshot:          snapshot,
		tournamentEngines: sync.Map{},
	}
}

func (m *manager) Reset() {
	m.tournamentEngines = sync.Map{}
}

func (m *manager) GetTournamentEngine(tournamentID string) (TournamentEngine, error) {
	tournamentEngine, exist := m.tournamentEngines.Load(tournamentID)
	if !exist {
		return nil, ErrManagerTournamentNotFound
	}
	return tournamentEngine.(TournamentEngine), nil
}

func (m *manager) newTournamentEngine(options *TournamentEngineOptions) TournamentEngine {
	tournamentEngine := NewTournamentEngine(
		WithRulesBackend(m.rules),
		WithInferenceBackend(m.inference),
		WithSnapshotBackend(m.snapshot),
	)
	tournamentEngine.OnTournamentUpdated(options.OnTournamentUpdated)
	tournamentEngine.OnTournamentErrorUpdated(options.OnTournamentErrorUpdated)
	tournamentEngine.OnMatchUpdated(options.OnMatchUpdated)
	tournamentEngine.OnSeriesSettled(options.OnSeriesSettled)
	tournamentEngine.OnStandingsUpdated(options.OnStandingsUpdated)
	tournamentEngine.OnTournamentStateUpdated(options.OnTournamentStateUpdated)
	return tournamentEngine
}

func (m *manager) CreateTournament(tournamentSetting TournamentSetting, options *TournamentEngineOptions) (*Tournament, error) {
	tournamentEngine := m.newTournamentEngine(options)
	tournament, err := tournamentEngine.CreateTournament(tournamentSetting)
	if err != nil {
		return nil, err
	}

	m.tournamentEngines.Store(tournament.ID, tournamentEngine)
	return tournament, nil
}

func (m *manager) RestoreTournament(tournamentID string, options *TournamentEngineOptions) (*Tournament, error) {
	tournamentEngine := m.newTournamentEngine(options)
	tournament, err := tournamentEngine.RestoreTournament(tournamentID)
	if err != nil {
		return nil, err
	}

	m.tournamentEngines.Store(tournament.ID, tournamentEngine)
	return tournament, nil
}

func (m *manager) CloseTournament(tournamentID string, endStatus TournamentStateStatus) error {
	tournamentEngine, err := m.GetTournamentEngine(tournamentID)
	if err != nil {
		return ErrManagerTournamentNotFound
	}

	if err := tournamentEngine.CloseTournament(endStatus); err != nil {
		return err
	}

	m.tournamentEngines.Delete(tournamentID)
	return nil
}

func (m *manager) StartTournament(tournamentID string) error {
	tournamentEngine, err := m.GetTournamentEngine(tournamentID)
	if err != nil {
		return ErrManagerTournamentNotFound
	}

	_, err = tournamentEngine.StartTournament()
	return err
}

func (m *manager) PauseTournament(tournamentID string) error {
	tournamentEngine, err := m.GetTournamentEngine(tournamentID)
	if err != nil {
		return ErrManagerTournamentNotFound
	}

	return tournamentEngine.PauseTournament()
}

func (m *manager) ResumeTournament(tournamentID string) error {
	tournamentEngine, err := m.GetTournamentEngine(tournamentID)
	if err != nil {
		return ErrManagerTournamentNotFound
	}

	return tournamentEngine.ResumeTournament()
}

func (m *manager) Standings(tournamentID string) ([]*StandingRow, error) {
	tournamentEngine, err := m.GetTournamentEngine(tournamentID)
	if err != nil {
		return nil, ErrManagerTournamentNotFound
	}

	return tournamentEngine.Standings(), nil
}

func (m *manager) ExportPGN(tournamentID string) (string, error) {
	tournamentEngine, err := m.GetTournamentEngine(tournamentID)
	if err != nil {
		return "", ErrManagerTournamentNotFound
	}

	return tournamentEngine.ExportPGN(), nil
}
