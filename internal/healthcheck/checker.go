package healthcheck

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SkynetNext/xsk-fastpath/internal/metrics"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

// CheckFunc reports whether a component is healthy. A nil error is healthy.
type CheckFunc func(ctx context.Context) error

// Checker periodically checks the daemon's components
type Checker struct {
	interval time.Duration
	timeout  time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.RWMutex
	checks    map[string]CheckFunc
	healthMap map[string]bool // component -> healthy
}

// NewChecker creates a checker that runs every interval
func NewChecker(interval time.Duration) *Checker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Checker{
		interval:  interval,
		timeout:   5 * time.Second,
		stopChan:  make(chan struct{}),
		checks:    make(map[string]CheckFunc),
		healthMap: make(map[string]bool),
	}
}

// Register adds a component check. Registering a name again replaces it.
func (c *Checker) Register(component string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[component] = check
}

// Start begins periodic health checking
func (c *Checker) Start() {
	c.wg.Add(1)
	go c.run()
	xlog.Infof("Health checker started (interval: %v)", c.interval)
}

// Stop stops the health checker
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
	xlog.Infof("Health checker stopped")
}

// IsHealthy returns the last known health of a component
func (c *Checker) IsHealthy(component string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthMap[component]
}

// Health returns the last known health of every component
func (c *Checker) Health() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.healthMap))
	for k, v := range c.healthMap {
		out[k] = v
	}
	return out
}

// Healthy reports whether every checked component is healthy
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ok := range c.healthMap {
		if !ok {
			return false
		}
	}
	return true
}

func (c *Checker) run() {
	defer c.wg.Done()

	// Initial check
	c.CheckAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckAll()
		case <-c.stopChan:
			return
		}
	}
}

// CheckAll runs every check once, in name order
func (c *Checker) CheckAll() {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := checks[name](ctx)
		cancel()
		if err != nil {
			xlog.Debugf("Health check: %s is unhealthy: %v", name, err)
		}
		c.updateHealth(name, err == nil)
	}
}

// updateHealth updates the health status and metrics
func (c *Checker) updateHealth(component string, healthy bool) {
	c.mu.Lock()
	oldHealthy, seen := c.healthMap[component]
	c.healthMap[component] = healthy
	c.mu.Unlock()

	metrics.SetComponentHealth(component, healthy)

	// Log status changes
	if seen && oldHealthy != healthy {
		if healthy {
			xlog.Infof("Component %s is now healthy", component)
		} else {
			xlog.Warnf("Component %s is now unhealthy", component)
		}
	}
}
