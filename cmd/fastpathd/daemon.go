package main

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/SkynetNext/xsk-fastpath/internal/api"
	"github.com/SkynetNext/xsk-fastpath/internal/config"
	"github.com/SkynetNext/xsk-fastpath/internal/controlplane"
	"github.com/SkynetNext/xsk-fastpath/internal/core"
	"github.com/SkynetNext/xsk-fastpath/internal/fastpath"
	"github.com/SkynetNext/xsk-fastpath/internal/healthcheck"
	"github.com/SkynetNext/xsk-fastpath/internal/route"
	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
	"github.com/SkynetNext/xsk-fastpath/pkg/ebpf"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

// kernelProgram is the kernel side the daemon drives. *ebpf.XDPManager
// implements it.
type kernelProgram interface {
	controlplane.KernelBackend
	AttachToInterface(ifaceName, xdpMode string) error
	Detach() error
}

type daemon struct {
	cfg     *config.Config
	cfgFile string
	server  *core.Server
	health  *healthcheck.Checker

	newKernel  func(mode classifier.ListenerCheck) (kernelProgram, error)
	openSocket controlplane.SocketOpener

	store  *config.RedisStore
	kernel kernelProgram
	cp     *controlplane.Manager
	admin  *api.AdminAPI
	watch  *config.ConfigWatcher
	cancel context.CancelFunc

	routes    *route.Table
	routesCfg config.RoutesConfig
}

func newDaemon(cfg *config.Config, cfgFile string) *daemon {
	d := &daemon{
		cfg:     cfg,
		cfgFile: cfgFile,
		server:  core.NewServer(cfg),
		health:  healthcheck.NewChecker(cfg.Lifecycle.HealthCheckInterval),
	}
	d.newKernel = func(mode classifier.ListenerCheck) (kernelProgram, error) {
		m, err := ebpf.NewXDPManager(mode)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	xskOpts := fastpath.DefaultXSKOptions()
	d.openSocket = func(queue uint32) (controlplane.QueueSocket, error) {
		x, err := fastpath.OpenXSK(cfg.Interface.Name, queue, xskOpts)
		if err != nil {
			return nil, err
		}
		return x, nil
	}
	return d
}

// register adds the daemon's modules in start order. The program is loaded
// before the control plane opens and registers the queue sockets, and only
// attached to the interface after that.
func (d *daemon) register() {
	d.server.Register(core.Module{
		Name: "redis",
		Init: func(ctx context.Context) error {
			s, err := config.NewRedisStore(&d.cfg.Redis)
			if err != nil {
				// Redis is an optional overlay; the local config still applies.
				xlog.Warnf("Redis unavailable: %v (using local config only)", err)
				return nil
			}
			d.store = s
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			return d.store.Close()
		},
	})

	d.server.Register(core.Module{
		Name: "routes",
		Init: func(ctx context.Context) error {
			static, err := route.Static(d.cfg.Routes)
			if err != nil {
				return err
			}
			d.routes = route.NewTable(d.cfg.Routes.Merge)
			if err := d.routes.Load(static); err != nil {
				return err
			}
			d.routesCfg = d.cfg.Routes
			xlog.Infof("Route table loaded: %d static, %d after merge", len(static), d.routes.Len())
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			d.routes.Clean()
			return nil
		},
	})

	if d.cfg.Interface.Name != "" {
		d.server.Register(core.Module{
			Name: "xdp-load",
			Init: func(ctx context.Context) error {
				k, err := d.newKernel(d.cfg.ListenerCheck())
				if err != nil {
					return err
				}
				d.kernel = k
				return nil
			},
			Shutdown: func(ctx context.Context) error {
				return d.kernel.Close()
			},
		})
	}

	d.server.Register(core.Module{
		Name: "controlplane",
		Init: func(ctx context.Context) error {
			opts := controlplane.Options{
				ListenerCheck: d.cfg.ListenerCheck(),
				RingSize:      d.cfg.FastPath.RingSize,
				TraceRate:     d.cfg.Classifier.TraceRate,
				TraceBurst:    d.cfg.Classifier.TraceBurst,
				Store:         d.store,
			}
			// A nil kernelProgram must not become a non-nil interface.
			if d.kernel != nil {
				opts.Kernel = d.kernel
				opts.OpenSocket = d.openSocket
			}
			d.cp = controlplane.NewManager(opts)
			if err := d.cp.Start(ctx, d.cfg); err != nil {
				return errors.Join(err, d.cp.Close())
			}
			d.admin = api.NewAdminAPI(d.cfg, d.cp, d.health)
			d.admin.SetRouteTable(d.routes)
			d.admin.RegisterRoutes(d.server.Mux())
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			return d.cp.Close()
		},
	})

	if d.cfg.Interface.Name != "" {
		d.server.Register(core.Module{
			Name: "xdp-attach",
			Init: func(ctx context.Context) error {
				if !d.kernel.IsEnabled() {
					xlog.Warnf("XDP unavailable, %s is served by the in-process fast path only", d.cfg.Interface.Name)
					return nil
				}
				err := d.kernel.AttachToInterface(d.cfg.Interface.Name, d.cfg.Interface.XDPMode)
				if errors.Is(err, ebpf.ErrQueuesUncovered) {
					return fmt.Errorf("%w (list every rx queue in fast_path.queues or use listener_check: corrected)", err)
				}
				return err
			},
			Shutdown: func(ctx context.Context) error {
				return d.kernel.Detach()
			},
		})
	}

	if d.cfgFile != "" && d.cfg.Lifecycle.ConfigPollInterval > 0 {
		d.server.Register(core.Module{
			Name: "config-watcher",
			Init: func(ctx context.Context) error {
				var watchCtx context.Context
				watchCtx, d.cancel = context.WithCancel(context.Background())
				d.watch = config.NewConfigWatcher(d.cfgFile, d.cfg.Lifecycle.ConfigPollInterval, func(next *config.Config) {
					d.reload(watchCtx, next)
				})
				d.watch.Start()
				return nil
			},
			Shutdown: func(ctx context.Context) error {
				d.watch.Stop()
				d.cancel()
				return nil
			},
		})
	}

	d.server.Register(core.Module{
		Name: "healthcheck",
		Init: func(ctx context.Context) error {
			d.registerHealthChecks()
			d.health.Start()
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			d.health.Stop()
			return nil
		},
	})
}

func (d *daemon) reload(ctx context.Context, next *config.Config) {
	setLogLevel(next.Log.Level)
	if d.kernel != nil && d.kernel.IsEnabled() && next.ListenerCheck() != d.cfg.ListenerCheck() {
		xlog.Warnf("listener_check %s applies in process only; the loaded XDP program keeps %s until restart",
			next.ListenerCheck(), d.cfg.ListenerCheck())
	}
	if err := d.cp.ApplyConfig(ctx, next); err != nil {
		xlog.Errorf("Failed to apply reloaded config: %v", err)
	}
	d.reloadRoutes(next.Routes)
	d.admin.SetConfig(next)
}

// reloadRoutes replaces the table with the new static entries when they
// changed. Routes added over the admin API are dropped with them.
func (d *daemon) reloadRoutes(next config.RoutesConfig) {
	if reflect.DeepEqual(next, d.routesCfg) {
		return
	}
	if next.Merge != d.routesCfg.Merge {
		xlog.Warnf("routes.merge applies at startup only; keeping merge=%v", d.routesCfg.Merge)
		next.Merge = d.routesCfg.Merge
	}
	static, err := route.Static(next)
	if err == nil {
		err = d.routes.Load(static)
	}
	if err != nil {
		xlog.Errorf("Failed to reload routes: %v", err)
		return
	}
	d.routesCfg = next
	xlog.Infof("Route table reloaded: %d static, %d after merge", len(static), d.routes.Len())
}

func (d *daemon) registerHealthChecks() {
	if d.store != nil {
		d.health.Register("redis", func(context.Context) error { return d.store.CheckHealth() })
	}
	if d.kernel != nil {
		d.health.Register("xdp", func(context.Context) error {
			if !d.kernel.IsEnabled() {
				return errors.New("xdp program not loaded")
			}
			return nil
		})
	}
	d.health.Register("fast_path", func(context.Context) error {
		if len(d.cfg.FastPath.Queues) == 0 {
			return nil
		}
		for _, q := range d.cp.Queues() {
			if q.Listener {
				return nil
			}
		}
		return errors.New("no fast-path listeners attached")
	})
}
