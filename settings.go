package main

import (
	"sync"
	"time"

	"github.com/asdine/storm/v3"

	"github.com/sci-bots/dropctl/coord"
)

// AppSettings are the persisted runtime options: the transport that
// last connected successfully plus the step defaults.
type AppSettings struct {
	ID                 int `storm:"id"`
	SerialPort         string
	DefaultDuration    int // milliseconds
	DefaultVoltage     float64
	DefaultFrequency   float64
	AutoRunDiagnostics bool
}

const settingsID = 1

func defaultSettings() AppSettings {
	return AppSettings{
		ID:                 settingsID,
		DefaultDuration:    1000,
		DefaultVoltage:     80,
		DefaultFrequency:   10e3,
		AutoRunDiagnostics: true,
	}
}

// SettingsStore persists AppSettings in the storm database. Safe for
// use from both the coordinator loop and the HTTP handlers.
type SettingsStore struct {
	db   *storm.DB
	lock sync.Mutex
}

func NewSettingsStore(db *storm.DB) (s *SettingsStore, err error) {
	s = &SettingsStore{db: db}

	var existing AppSettings
	err = db.One("ID", settingsID, &existing)
	if err == storm.ErrNotFound {
		defaults := defaultSettings()
		err = db.Save(&defaults)
	}
	return
}

func (s *SettingsStore) Get() (settings AppSettings) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.db.One("ID", settingsID, &settings); err != nil {
		settings = defaultSettings()
	}
	return
}

func (s *SettingsStore) Update(settings AppSettings) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	settings.ID = settingsID
	return s.db.Save(&settings)
}

func (s *SettingsStore) PreferredPort() string {
	return s.Get().SerialPort
}

func (s *SettingsStore) SetPreferredPort(port string) error {
	settings := s.Get()
	settings.SerialPort = port
	return s.Update(settings)
}

func (s *SettingsStore) DefaultStep() coord.StepRequest {
	settings := s.Get()
	return coord.StepRequest{
		Voltage:   settings.DefaultVoltage,
		Frequency: settings.DefaultFrequency,
		Duration:  time.Duration(settings.DefaultDuration) * time.Millisecond,
	}
}
