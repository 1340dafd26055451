package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"sync"

	"github.com/SkynetNext/xsk-fastpath/internal/config"
	"github.com/SkynetNext/xsk-fastpath/internal/controlplane"
	"github.com/SkynetNext/xsk-fastpath/internal/healthcheck"
	"github.com/SkynetNext/xsk-fastpath/internal/route"
	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

// AdminAPI exposes the control plane over HTTP
type AdminAPI struct {
	cp     *controlplane.Manager
	health *healthcheck.Checker
	routes *route.Table

	mu  sync.RWMutex
	cfg *config.Config
}

func NewAdminAPI(cfg *config.Config, cp *controlplane.Manager, health *healthcheck.Checker) *AdminAPI {
	return &AdminAPI{
		cfg:    cfg,
		cp:     cp,
		health: health,
	}
}

// SetConfig replaces the configuration reported by /admin/config
func (a *AdminAPI) SetConfig(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// SetRouteTable enables the /admin/routes endpoints. Call it before
// RegisterRoutes.
func (a *AdminAPI) SetRouteTable(t *route.Table) {
	a.routes = t
}

// RegisterRoutes registers admin API routes
func (a *AdminAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/config", a.handleConfig)
	mux.HandleFunc("/admin/queues", a.handleQueues)
	mux.HandleFunc("/admin/queues/status", a.handleQueueStatus)
	mux.HandleFunc("/admin/queues/attach", a.handleAttach)
	mux.HandleFunc("/admin/queues/detach", a.handleDetach)
	mux.HandleFunc("/admin/kernel/register", a.handleKernelRegister)
	mux.HandleFunc("/admin/kernel/unregister", a.handleKernelUnregister)
	mux.HandleFunc("/admin/stats", a.handleStats)
	mux.HandleFunc("/admin/health", a.handleHealth)
	if a.routes != nil {
		mux.HandleFunc("/admin/routes", a.handleRoutes)
		mux.HandleFunc("/admin/routes/lookup", a.handleRouteLookup)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps a control-plane error onto an HTTP status
func errorStatus(err error) int {
	switch {
	case errors.Is(err, classifier.ErrQueueOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, controlplane.ErrKernelDisabled):
		return http.StatusConflict
	case errors.Is(err, controlplane.ErrNotAttached), errors.Is(err, route.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, route.ErrNotIPv4):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// GET /admin/config - Get effective configuration
func (a *AdminAPI) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.mu.RLock()
	cfg := a.cfg
	a.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"interface": map[string]any{
			"name":     cfg.Interface.Name,
			"xdp_mode": cfg.Interface.XDPMode,
			"attached": a.cp.KernelEnabled(),
		},
		"classifier": map[string]any{
			"listener_check": a.cp.ListenerCheck().String(),
			"trace_rate":     cfg.Classifier.TraceRate,
			"trace_burst":    cfg.Classifier.TraceBurst,
			"max_queues":     classifier.MaxQueues,
		},
		"fast_path": map[string]any{
			"queues":    cfg.FastPath.Queues,
			"ring_size": cfg.FastPath.RingSize,
		},
		"redis": map[string]any{
			"enabled":    cfg.Redis.Enabled,
			"key_prefix": cfg.Redis.KeyPrefix,
		},
	})
}

// GET /admin/queues - Listener and status of every configured queue
func (a *AdminAPI) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	queues := a.cp.Queues()
	if queues == nil {
		queues = []controlplane.QueueInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"listener_check": a.cp.ListenerCheck().String(),
		"queues":         queues,
	})
}

// POST /admin/queues/status - Set the status flags of one queue
func (a *AdminAPI) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Queue *uint32 `json:"queue"`
		Value *uint32 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Queue == nil || req.Value == nil {
		http.Error(w, "Invalid JSON, need queue and value", http.StatusBadRequest)
		return
	}

	if err := a.cp.SetStatus(r.Context(), *req.Queue, *req.Value); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	xlog.Infof("Queue status updated: queue=%d, value=%d", *req.Queue, *req.Value)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeQueue(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return 0, false
	}
	var req struct {
		Queue *uint32 `json:"queue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Queue == nil {
		http.Error(w, "Invalid JSON, need queue", http.StatusBadRequest)
		return 0, false
	}
	return *req.Queue, true
}

// POST /admin/queues/attach - Open an in-process fast-path socket
func (a *AdminAPI) handleAttach(w http.ResponseWriter, r *http.Request) {
	queue, ok := decodeQueue(w, r)
	if !ok {
		return
	}
	if err := a.cp.Attach(r.Context(), queue); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /admin/queues/detach - Close an in-process fast-path socket
func (a *AdminAPI) handleDetach(w http.ResponseWriter, r *http.Request) {
	queue, ok := decodeQueue(w, r)
	if !ok {
		return
	}
	if err := a.cp.Detach(r.Context(), queue); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /admin/kernel/register - Put an attached queue's AF_XDP socket back
// into the kernel redirect table
func (a *AdminAPI) handleKernelRegister(w http.ResponseWriter, r *http.Request) {
	queue, ok := decodeQueue(w, r)
	if !ok {
		return
	}
	if err := a.cp.RegisterKernelSocket(r.Context(), queue); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	xlog.Infof("Kernel socket registered: queue=%d", queue)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /admin/kernel/unregister - Stop the kernel redirecting to a queue's
// AF_XDP socket, leaving the queue attached
func (a *AdminAPI) handleKernelUnregister(w http.ResponseWriter, r *http.Request) {
	queue, ok := decodeQueue(w, r)
	if !ok {
		return
	}
	if err := a.cp.UnregisterKernelSocket(r.Context(), queue); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	xlog.Infof("Kernel socket unregistered: queue=%d", queue)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /admin/stats - Verdict counters
func (a *AdminAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.cp.Driver().Stats())
}

type routeRequest struct {
	ID          int64  `json:"id"`
	Destination string `json:"destination"`
	NextHop     string `json:"next_hop"`
	Outgoing    string `json:"outgoing"`
	HopCount    int    `json:"hop_count"`
	Priority    int    `json:"priority"`
}

func decodeRoute(w http.ResponseWriter, r *http.Request) (route.Route, bool) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return route.Route{}, false
	}
	rt, err := route.Parse(config.RouteConfig{
		Destination: req.Destination,
		NextHop:     req.NextHop,
		Outgoing:    req.Outgoing,
		HopCount:    req.HopCount,
		Priority:    req.Priority,
	}, route.SourceAdmin)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return route.Route{}, false
	}
	rt.ID = req.ID
	return rt, true
}

// /admin/routes
//
//	GET    - List routes in lookup order
//	POST   - Add a route
//	PUT    - Replace the route with the given id
//	DELETE - Remove the route named by ?id=, or every route without it
func (a *AdminAPI) handleRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"routes": a.routes.All()})

	case http.MethodPost:
		rt, ok := decodeRoute(w, r)
		if !ok {
			return
		}
		id, err := a.routes.Add(rt)
		if err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		xlog.Infof("Route added: id=%d destination=%s next_hop=%s", id, rt.Destination, rt.NextHop)
		writeJSON(w, http.StatusOK, map[string]int64{"id": id})

	case http.MethodPut:
		rt, ok := decodeRoute(w, r)
		if !ok {
			return
		}
		if err := a.routes.Update(rt); err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		xlog.Infof("Route updated: id=%d destination=%s", rt.ID, rt.Destination)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case http.MethodDelete:
		raw := r.URL.Query().Get("id")
		if raw == "" {
			a.routes.Clean()
			xlog.Infof("Route table cleared")
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid id", http.StatusBadRequest)
			return
		}
		if err := a.routes.Delete(id); err != nil {
			http.Error(w, err.Error(), errorStatus(err))
			return
		}
		xlog.Infof("Route deleted: id=%d", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /admin/routes/lookup?ip= - Route selected for one address
func (a *AdminAPI) handleRouteLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	addr, err := netip.ParseAddr(r.URL.Query().Get("ip"))
	if err != nil {
		http.Error(w, "Invalid ip", http.StatusBadRequest)
		return
	}
	rt, ok := a.routes.Lookup(addr)
	if !ok {
		http.Error(w, "no route", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// GET /admin/health - Component health
func (a *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, components := "ok", map[string]bool{}
	if a.health != nil {
		components = a.health.Health()
		if !a.health.Healthy() {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"components": components,
	})
}
