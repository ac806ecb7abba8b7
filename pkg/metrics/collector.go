package metrics

import (
	"time"

	"github.com/LAPS-Group/laps/pkg/types"
)

// ModuleLister is the subset of the supervisor a Collector needs: the live
// view of every registered module's state.
type ModuleLister interface {
	List() []types.Module
}

// Collector periodically samples the supervisor's module states into
// ModulesTotal. The broker's command set (LPUSH/BRPOP, no length query)
// gives no way to sample queue depth without popping a job off of it, so
// laps_queue_depth is not collected here, and no other code sets it.
type Collector struct {
	modules ModuleLister
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector over the given supervisor.
func NewCollector(modules ModuleLister) *Collector {
	return &Collector{
		modules: modules,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectModuleMetrics()
}

func (c *Collector) collectModuleMetrics() {
	modules := c.modules.List()

	counts := make(map[types.ModuleState]int)
	for _, m := range modules {
		counts[m.State]++
	}

	for _, state := range []types.ModuleState{
		types.ModuleStopped,
		types.ModuleStarting,
		types.ModuleRunning,
		types.ModuleCrashed,
	} {
		ModulesTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
