package mode

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantfold/marketmaker/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrModeBlocked is returned by Require when the current mode is not one of
// the permitted modes for an operation.
var ErrModeBlocked = errors.New("operation blocked by current operating mode")

const settingName = "operating_mode"

// Provider serves the global operating mode from the shared store. The value
// is cached and refreshed at a fixed interval, so each operation cycle sees
// one consistent mode without hammering the store. There is no package-level
// mutable mode; every component holds its own Provider.
type Provider struct {
	db      *gorm.DB
	refresh time.Duration

	mu        sync.Mutex
	cached    types.Mode
	fetchedAt time.Time
}

// NewProvider creates a mode provider with the given cache refresh interval.
func NewProvider(db *gorm.DB, refresh time.Duration) *Provider {
	return &Provider{db: db, refresh: refresh}
}

// Current returns the operating mode, re-reading the store when the cached
// value is older than the refresh interval. A missing setting row defaults
// to simulation.
func (p *Provider) Current() (types.Mode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" && time.Since(p.fetchedAt) < p.refresh {
		return p.cached, nil
	}

	var setting types.ModeSetting
	err := p.db.Where("name = ?", settingName).First(&setting).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		p.cached = types.ModeSimulation
	case err != nil:
		return "", fmt.Errorf("failed to read operating mode: %w", err)
	default:
		p.cached = setting.Mode
	}

	p.fetchedAt = time.Now()
	return p.cached, nil
}

// Require returns the current mode if it is one of allowed, ErrModeBlocked
// otherwise. Every side-effecting operation consults this first.
func (p *Provider) Require(allowed ...types.Mode) (types.Mode, error) {
	current, err := p.Current()
	if err != nil {
		return "", err
	}
	for _, m := range allowed {
		if current == m {
			return current, nil
		}
	}
	return current, fmt.Errorf("%w: mode is %s", ErrModeBlocked, current)
}

// Override persists a new operating mode and invalidates the cache. Other
// processes pick the change up within one refresh interval.
func (p *Provider) Override(m types.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("unknown operating mode %q", m)
	}

	setting := types.ModeSetting{Name: settingName, Mode: m}
	err := p.db.Where("name = ?", settingName).
		Assign(types.ModeSetting{Mode: m}).
		FirstOrCreate(&setting).Error
	if err != nil {
		return fmt.Errorf("failed to persist operating mode: %w", err)
	}

	p.mu.Lock()
	p.cached = m
	p.fetchedAt = time.Now()
	p.mu.Unlock()

	log.Info().Str("mode", string(m)).Msg("operating mode overridden")
	return nil
}
