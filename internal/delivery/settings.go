package delivery

import (
	"fmt"
	"net/url"
	"sync/atomic"
)

// Settings selects how pushes leave this process.
type Settings struct {
	UseRelay bool   `json:"useRelay"`
	RelayURL string `json:"relayUrl"`
}

func (s Settings) Validate() error {
	if !s.UseRelay {
		return nil
	}
	u, err := url.Parse(s.RelayURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid relay url %q", s.RelayURL)
	}
	return nil
}

// SettingsProvider is consulted on every send.
type SettingsProvider interface {
	DeliverySettings() Settings
}

// SettingsStore holds the current settings; Update replaces them atomically.
type SettingsStore struct {
	current atomic.Pointer[Settings]
}

func NewSettingsStore(initial Settings) *SettingsStore {
	s := &SettingsStore{}
	s.current.Store(&initial)
	return s
}

func (s *SettingsStore) DeliverySettings() Settings {
	return *s.current.Load()
}

func (s *SettingsStore) Update(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.current.Store(&next)
	return nil
}
