package providers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/yukin371/quill/internal/eventbus"
	"github.com/yukin371/quill/pkg/logger"
)

const (
	DefaultFailureThreshold = 3
	DefaultProbeTimeout     = 5 * time.Second
	DefaultCheckSchedule    = "@every 1m"
	// latencyAlpha weights the newest probe in the latency average.
	latencyAlpha = 0.3
)

// HealthStatus is the rolling health of one provider.
type HealthStatus struct {
	Provider            string        `json:"provider"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	AverageLatency      time.Duration `json:"averageLatency"`
	Disabled            bool          `json:"disabled"`
	LastChecked         time.Time     `json:"lastChecked,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
}

// EventKeys lets bus subscribers filter by provider.
func (s HealthStatus) EventKeys() map[string]string {
	return map[string]string{"provider": s.Provider}
}

// HealthOptions tune the monitor.
type HealthOptions struct {
	FailureThreshold int
	ProbeTimeout     time.Duration
	Schedule         string
}

// HealthMonitor 探测 Provider 健康状况并维护失败计数与延迟
type HealthMonitor struct {
	factory *Factory
	bus     *eventbus.Bus
	log     *logger.Logger
	opts    HealthOptions
	grpc    *health.Server

	mu     sync.RWMutex
	status map[string]*HealthStatus
	cron   *cron.Cron
}

// NewHealthMonitor creates a monitor over the factory's providers.
func NewHealthMonitor(factory *Factory, opts HealthOptions, bus *eventbus.Bus, log *logger.Logger) *HealthMonitor {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultCheckSchedule
	}
	m := &HealthMonitor{
		factory: factory,
		bus:     bus,
		log:     log.Named("health"),
		opts:    opts,
		grpc:    health.NewServer(),
		status:  make(map[string]*HealthStatus),
	}
	for _, name := range factory.Names() {
		m.status[name] = &HealthStatus{Provider: name, Healthy: true}
		m.grpc.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	return m
}

// GRPCHealth exposes the mirrored statuses as a gRPC health service.
func (m *HealthMonitor) GRPCHealth() *health.Server { return m.grpc }

// CheckProviderHealth probes one provider and folds the outcome into its
// counters. A manually disabled provider is still probed.
func (m *HealthMonitor) CheckProviderHealth(ctx context.Context, name string) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	start := time.Now()
	p, err := m.factory.Get(name)
	if err == nil {
		err = p.Ping(ctx)
	}
	latency := time.Since(start)

	m.mu.Lock()
	st := m.entryLocked(name)
	wasHealthy := st.Healthy
	st.LastChecked = time.Now()
	if err != nil {
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		st.Healthy = st.ConsecutiveFailures < m.opts.FailureThreshold
	} else {
		st.ConsecutiveFailures = 0
		st.LastError = ""
		st.Healthy = true
		if st.AverageLatency == 0 {
			st.AverageLatency = latency
		} else {
			st.AverageLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(st.AverageLatency))
		}
	}
	snapshot := *st
	m.mu.Unlock()

	m.mirror(snapshot)
	if err != nil {
		m.log.Warn("provider %s probe failed after %s (%d in a row): %v", name, latency, snapshot.ConsecutiveFailures, err)
	}
	switch {
	case wasHealthy && !snapshot.Healthy:
		m.bus.Emit(ctx, eventbus.EventProviderUnhealthy, snapshot)
	case !wasHealthy && snapshot.Healthy:
		m.log.Info("provider %s recovered", name)
		m.bus.Emit(ctx, eventbus.EventProviderHealthy, snapshot)
	}
	return snapshot
}

// CheckAll probes every configured provider concurrently.
func (m *HealthMonitor) CheckAll(ctx context.Context) []HealthStatus {
	names := m.factory.Names()
	out := make([]HealthStatus, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = m.CheckProviderHealth(ctx, name)
		}()
	}
	wg.Wait()
	return out
}

// RecordFailure counts a failed real request against the provider, so
// fallback routing reacts before the next scheduled probe.
func (m *HealthMonitor) RecordFailure(ctx context.Context, name string, err error) {
	m.mu.Lock()
	st := m.entryLocked(name)
	wasHealthy := st.Healthy
	st.ConsecutiveFailures++
	st.LastError = err.Error()
	st.Healthy = st.ConsecutiveFailures < m.opts.FailureThreshold
	snapshot := *st
	m.mu.Unlock()

	m.mirror(snapshot)
	if wasHealthy && !snapshot.Healthy {
		m.bus.Emit(ctx, eventbus.EventProviderUnhealthy, snapshot)
	}
}

// RecordSuccess resets the failure streak after a successful request.
func (m *HealthMonitor) RecordSuccess(ctx context.Context, name string) {
	m.mu.Lock()
	st := m.entryLocked(name)
	wasHealthy := st.Healthy
	st.ConsecutiveFailures = 0
	st.Healthy = true
	snapshot := *st
	m.mu.Unlock()

	m.mirror(snapshot)
	if !wasHealthy {
		m.bus.Emit(ctx, eventbus.EventProviderHealthy, snapshot)
	}
}

// DisableProvider is a manual override independent of the counters.
func (m *HealthMonitor) DisableProvider(name string) {
	m.setDisabled(name, true)
}

// EnableProvider lifts a manual override.
func (m *HealthMonitor) EnableProvider(name string) {
	m.setDisabled(name, false)
}

func (m *HealthMonitor) setDisabled(name string, disabled bool) {
	m.mu.Lock()
	st := m.entryLocked(name)
	st.Disabled = disabled
	snapshot := *st
	m.mu.Unlock()
	m.mirror(snapshot)
	m.log.Info("provider %s disabled=%t", name, disabled)
}

// IsUsable reports whether routing may pick the provider. Unknown
// providers are usable until proven otherwise.
func (m *HealthMonitor) IsUsable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.status[name]
	return !ok || (st.Healthy && !st.Disabled)
}

// Status returns the status of one provider.
func (m *HealthMonitor) Status(name string) (HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.status[name]
	if !ok {
		return HealthStatus{}, false
	}
	return *st, true
}

// Snapshot returns every status sorted by provider.
func (m *HealthMonitor) Snapshot() []HealthStatus {
	m.mu.RLock()
	out := make([]HealthStatus, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, *st)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Start schedules periodic checks.
func (m *HealthMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(m.opts.Schedule, func() { m.CheckAll(ctx) }); err != nil {
		return err
	}
	c.Start()
	m.cron = c
	m.log.Info("health checks scheduled %s", m.opts.Schedule)
	return nil
}

// Stop halts periodic checks and waits for a running check to finish.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	m.grpc.Shutdown()
}

func (m *HealthMonitor) entryLocked(name string) *HealthStatus {
	st, ok := m.status[name]
	if !ok {
		st = &HealthStatus{Provider: name, Healthy: true}
		m.status[name] = st
	}
	return st
}

func (m *HealthMonitor) mirror(st HealthStatus) {
	status := healthpb.HealthCheckResponse_SERVING
	if !st.Healthy || st.Disabled {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.grpc.SetServingStatus(st.Provider, status)
}
