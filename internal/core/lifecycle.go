package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

// Module is one startable part of the daemon. Shutdown is only called for
// modules whose Init succeeded.
type Module struct {
	Name     string
	Init     func(ctx context.Context) error
	Shutdown func(ctx context.Context) error
}

// Lifecycle starts modules in registration order and stops them in reverse.
type Lifecycle struct {
	mu      sync.Mutex
	modules []Module
	started []Module
}

// Register appends m. Modules registered after Start are not started.
func (l *Lifecycle) Register(m Module) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules = append(l.modules, m)
}

// Start initialises every module. If one fails, the modules already started
// are shut down in reverse order and the failure is returned.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, m := range l.modules[len(l.started):] {
		if m.Init != nil {
			if err := m.Init(ctx); err != nil {
				initErr := fmt.Errorf("init %s: %w", m.Name, err)
				xlog.Errorf("Module %s failed to start, rolling back: %v", m.Name, err)
				if rbErr := l.stopLocked(ctx); rbErr != nil {
					return errors.Join(initErr, rbErr)
				}
				return initErr
			}
		}
		l.started = append(l.started, m)
		xlog.Infof("Module started: %s", m.Name)
	}
	return nil
}

// Stop shuts down every started module in reverse order. Every module is
// given the chance to stop; the errors are joined.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopLocked(ctx)
}

func (l *Lifecycle) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(l.started) - 1; i >= 0; i-- {
		m := l.started[i]
		if m.Shutdown == nil {
			continue
		}
		if err := m.Shutdown(ctx); err != nil {
			xlog.Warnf("Module %s shutdown failed: %v", m.Name, err)
			errs = append(errs, fmt.Errorf("shutdown %s: %w", m.Name, err))
			continue
		}
		xlog.Infof("Module stopped: %s", m.Name)
	}
	l.started = nil
	return errors.Join(errs...)
}
