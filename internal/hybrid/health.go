package hybrid

import (
	"context"
	"sync"
	"time"

	"github.com/hetulpatel/distributor/internal/logging"
)

// Probe checks one external dependency.
type Probe func(ctx context.Context) error

// HealthConfig sets the asymmetric polling schedule.
type HealthConfig struct {
	// UnhealthyInterval is how often to re-probe a dependency marked
	// down, so recovery is detected quickly.
	UnhealthyInterval time.Duration
	// HealthyInterval is how often to probe a healthy dependency,
	// avoiding hammering something that is working.
	HealthyInterval time.Duration
	ProbeTimeout    time.Duration
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.UnhealthyInterval <= 0 {
		c.UnhealthyInterval = time.Minute
	}
	if c.HealthyInterval <= 0 {
		c.HealthyInterval = 5 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

type dependency struct {
	name      string
	probe     Probe
	healthy   bool
	lastCheck time.Time
}

// HealthMonitor polls registered dependencies on an asymmetric schedule
// and answers point-in-time health questions for the storage facade.
type HealthMonitor struct {
	mu   sync.RWMutex
	deps map[string]*dependency
	cfg  HealthConfig
	log  *logging.Tagged
}

// NewHealthMonitor creates an empty monitor.
func NewHealthMonitor(cfg HealthConfig) *HealthMonitor {
	return &HealthMonitor{
		deps: make(map[string]*dependency),
		cfg:  cfg.withDefaults(),
		log:  logging.Component("health"),
	}
}

// Register adds a dependency, assumed healthy until a probe or caller
// report says otherwise.
func (m *HealthMonitor) Register(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps[name] = &dependency{name: name, probe: probe, healthy: true}
}

// Healthy reports the last known state of a dependency. Unknown names
// read as unhealthy so callers degrade rather than assume.
func (m *HealthMonitor) Healthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dep, ok := m.deps[name]
	return ok && dep.healthy
}

// ReportFailure lets callers mark a dependency down immediately after
// an operation fails, without waiting for the next probe.
func (m *HealthMonitor) ReportFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dep, ok := m.deps[name]; ok && dep.healthy {
		dep.healthy = false
		m.log.Errorf("%s marked unavailable (caller report)", name)
	}
}

// Run polls all dependencies until the context is cancelled. Probes of
// unhealthy dependencies run on the short interval, healthy ones on the
// long interval.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.UnhealthyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *HealthMonitor) sweep(ctx context.Context) {
	now := time.Now()
	for _, name := range m.names() {
		m.mu.RLock()
		dep := m.deps[name]
		due := dep.lastCheck.IsZero() ||
			(!dep.healthy && now.Sub(dep.lastCheck) >= m.cfg.UnhealthyInterval) ||
			(dep.healthy && now.Sub(dep.lastCheck) >= m.cfg.HealthyInterval)
		probe := dep.probe
		m.mu.RUnlock()
		if !due || probe == nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := probe(probeCtx)
		cancel()

		m.mu.Lock()
		dep.lastCheck = now
		wasHealthy := dep.healthy
		dep.healthy = err == nil
		m.mu.Unlock()

		if wasHealthy && err != nil {
			m.log.Errorf("%s unavailable: %v", name, err)
		}
		if !wasHealthy && err == nil {
			m.log.Infof("%s recovered", name)
		}
	}
}

func (m *HealthMonitor) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.deps))
	for name := range m.deps {
		out = append(out, name)
	}
	return out
}
