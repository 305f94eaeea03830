package metrics

import (
	"time"
)

// Stats is implemented by the services whose gauge values the collector
// samples periodically.
type Stats struct {
	RunningTasks    func() int
	Subscribers     func() int
	AttachedWorkers func() int
}

// Collector samples orchestration gauges on a fixed interval
type Collector struct {
	stats  Stats
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(stats Stats) *Collector {
	return &Collector{
		stats:  stats,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
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
	if c.stats.RunningTasks != nil {
		RunningTasks.Set(float64(c.stats.RunningTasks()))
	}
	if c.stats.Subscribers != nil {
		SubscribersTotal.Set(float64(c.stats.Subscribers()))
	}
	if c.stats.AttachedWorkers != nil {
		AttachedWorkers.Set(float64(c.stats.AttachedWorkers()))
	}
}
