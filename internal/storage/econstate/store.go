// Package econstate persists the slowly changing economy state between restarts.
package econstate

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/ecocore/internal/domain"
)

// Store reads and writes the economy state file.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store for path, creating the parent directory.
// An empty path disables persistence.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return &Store{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create economy state dir")
	}
	return &Store{path: path}, nil
}

// State persisted economy values.
type State struct {
	Internal struct {
		// EconomyHeat accumulated circulation heat in units.
		EconomyHeat string `yaml:"economy-heat"`
	} `yaml:"internal"`
}

// Load returns the saved circulation heat, or zero when nothing was saved yet.
func (s *Store) Load() (domain.Micros, error) {
	if s == nil || s.path == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read economy state")
	}
	if len(payload) == 0 {
		return 0, nil
	}

	var state State
	if err := yaml.Unmarshal(payload, &state); err != nil {
		return 0, errors.Wrap(err, "decode economy state")
	}
	if state.Internal.EconomyHeat == "" {
		return 0, nil
	}

	heat, err := decimal.NewFromString(state.Internal.EconomyHeat)
	if err != nil {
		return 0, errors.Wrap(err, "decode economy heat")
	}
	return domain.FromDecimal(heat)
}

// Save writes the circulation heat atomically via temp file.
func (s *Store) Save(heat domain.Micros) error {
	if s == nil || s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var state State
	state.Internal.EconomyHeat = heat.Decimal().String()

	payload, err := yaml.Marshal(&state)
	if err != nil {
		return errors.Wrap(err, "encode economy state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write economy state temp file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist economy state")
	}
	return nil
}
