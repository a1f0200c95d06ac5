package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoqi-ai/xiaoqi/internal/source"
)

// Service states reported by the aggregator.
const (
	StatusHealthy     = "healthy"
	StatusUnhealthy   = "unhealthy"
	StatusUnavailable = "unavailable"
	StatusDisabled    = "disabled"
)

// Prober is a service that can answer a liveness probe. A nil error means
// healthy; *source.StatusError means the service answered but is not well;
// any other error means it could not be reached.
type Prober interface {
	Name() string
	Probe(ctx context.Context) error
}

// Aggregator fans out probes to every registered service and collects one
// status per service. Probes run concurrently so a hung service cannot delay
// the report beyond its own timeout.
type Aggregator struct {
	probers      []Prober
	disabled     []string
	probeTimeout time.Duration
	logger       *zap.Logger
}

func NewAggregator(probers []Prober, disabled []string, probeTimeout time.Duration, logger *zap.Logger) *Aggregator {
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{probers: probers, disabled: disabled, probeTimeout: probeTimeout, logger: logger}
}

// Check probes all services and returns a name-to-status map. Disabled
// services are reported without being probed.
func (a *Aggregator) Check(ctx context.Context) map[string]string {
	statuses := make(map[string]string, len(a.probers)+len(a.disabled))
	for _, name := range a.disabled {
		statuses[name] = StatusDisabled
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range a.probers {
		wg.Add(1)
		go func(p Prober) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
			defer cancel()

			status := a.classify(p, p.Probe(pctx))
			mu.Lock()
			statuses[p.Name()] = status
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return statuses
}

func (a *Aggregator) classify(p Prober, err error) string {
	if err == nil {
		return StatusHealthy
	}

	var statusErr *source.StatusError
	if errors.As(err, &statusErr) {
		a.logger.Warn("service probe returned bad status",
			zap.String("service", p.Name()), zap.Int("code", statusErr.Code))
		return StatusUnhealthy
	}

	a.logger.Warn("service unreachable",
		zap.String("service", p.Name()), zap.Error(err))
	return StatusUnavailable
}
