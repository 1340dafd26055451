// Package route keeps the gateway's IPv4 route table: static entries from
// the config file and entries added over the admin API, aggregated by next
// hop and ordered for longest-prefix lookup.
package route

import (
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/SkynetNext/xsk-fastpath/internal/config"
	"github.com/SkynetNext/xsk-fastpath/internal/metrics"
)

var (
	ErrNotFound = errors.New("route: no such route")
	ErrNotIPv4  = errors.New("route: only IPv4 routes are supported")
)

// Route sources.
const (
	SourceStatic = "static"
	SourceAdmin  = "admin"
	SourceMerge  = "merge"
)

const StatusActive = "active"

// Route is one table entry. Destination is always stored masked.
type Route struct {
	ID          int64        `json:"id"`
	Destination netip.Prefix `json:"destination"`
	NextHop     netip.Addr   `json:"next_hop"`
	Outgoing    netip.Addr   `json:"outgoing"`
	HopCount    int          `json:"hop_count"`
	Priority    int          `json:"priority"`
	Source      string       `json:"source"`
	Status      string       `json:"status"`
	Updated     time.Time    `json:"updated"`
}

// Parse builds a route from its config form.
func Parse(c config.RouteConfig, source string) (Route, error) {
	dst, err := netip.ParsePrefix(c.Destination)
	if err != nil {
		return Route{}, fmt.Errorf("route: destination %q: %w", c.Destination, err)
	}
	r := Route{
		Destination: dst,
		HopCount:    c.HopCount,
		Priority:    c.Priority,
		Source:      source,
	}
	if c.NextHop != "" {
		if r.NextHop, err = netip.ParseAddr(c.NextHop); err != nil {
			return Route{}, fmt.Errorf("route: next hop %q: %w", c.NextHop, err)
		}
	}
	if c.Outgoing != "" {
		if r.Outgoing, err = netip.ParseAddr(c.Outgoing); err != nil {
			return Route{}, fmt.Errorf("route: outgoing address %q: %w", c.Outgoing, err)
		}
	}
	return r, nil
}

// Static parses the static entries of cfg.
func Static(cfg config.RoutesConfig) ([]Route, error) {
	out := make([]Route, 0, len(cfg.Static))
	for _, c := range cfg.Static {
		r, err := Parse(c, SourceStatic)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Table is safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	routes []*Route
	nextID int64
	merge  bool
	now    func() time.Time
}

// NewTable returns an empty table. With merge set, entries sharing a next
// hop and outgoing address are folded into their common supernet.
func NewTable(merge bool) *Table {
	return &Table{
		routes: make([]*Route, 0, 8),
		nextID: 1,
		merge:  merge,
		now:    time.Now,
	}
}

func (t *Table) normalize(r *Route) error {
	if !r.Destination.IsValid() || !r.Destination.Addr().Is4() {
		return fmt.Errorf("%w: %s", ErrNotIPv4, r.Destination)
	}
	if r.NextHop.IsValid() && !r.NextHop.Is4() {
		return fmt.Errorf("%w: next hop %s", ErrNotIPv4, r.NextHop)
	}
	r.Destination = r.Destination.Masked()
	if r.Status == "" {
		r.Status = StatusActive
	}
	r.Updated = t.now()
	return nil
}

// Add inserts r and returns the ID it was given. With merging on, the new
// entry may be folded into an existing one straight away.
func (t *Table) Add(r Route) (int64, error) {
	if err := t.normalize(&r); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	r.ID = t.nextID
	t.nextID++
	t.routes = append(t.routes, &r)
	t.rebuildLocked()
	return r.ID, nil
}

// Update replaces the entry with r.ID.
func (t *Table) Update(r Route) error {
	if err := t.normalize(&r); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, old := range t.routes {
		if old.ID == r.ID {
			t.routes[i] = &r
			t.rebuildLocked()
			return nil
		}
	}
	return fmt.Errorf("%w: id %d", ErrNotFound, r.ID)
}

// Delete removes the entry with id.
func (t *Table) Delete(id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range t.routes {
		if r.ID == id {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			metrics.SetRoutes(len(t.routes))
			return nil
		}
	}
	return fmt.Errorf("%w: id %d", ErrNotFound, id)
}

func (t *Table) Get(id int64) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes {
		if r.ID == id {
			return *r, true
		}
	}
	return Route{}, false
}

// All returns a copy of every entry in lookup order.
func (t *Table) All() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, *r)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Clean removes every entry.
func (t *Table) Clean() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = make([]*Route, 0, 8)
	metrics.SetRoutes(0)
}

// Load replaces the table contents with routes.
func (t *Table) Load(routes []Route) error {
	for i := range routes {
		if err := t.normalize(&routes[i]); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = make([]*Route, 0, len(routes))
	for i := range routes {
		r := routes[i]
		r.ID = t.nextID
		t.nextID++
		t.routes = append(t.routes, &r)
	}
	t.rebuildLocked()
	return nil
}

// Lookup picks the route for addr: the longest matching prefix, then the
// fewest hops, then the highest priority.
func (t *Table) Lookup(addr netip.Addr) (Route, bool) {
	addr = addr.Unmap()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Route
	for _, r := range t.routes {
		if best != nil && r.Destination.Bits() < best.Destination.Bits() {
			break
		}
		if !r.Destination.Contains(addr) {
			continue
		}
		if best == nil || r.HopCount < best.HopCount ||
			(r.HopCount == best.HopCount && r.Priority > best.Priority) {
			best = r
		}
	}
	if best == nil {
		return Route{}, false
	}
	return *best, true
}

func (t *Table) rebuildLocked() {
	if t.merge {
		t.mergeLocked()
	}
	// Longest prefix first; Lookup stops at the first shorter one.
	sort.SliceStable(t.routes, func(i, j int) bool {
		return t.routes[i].Destination.Bits() > t.routes[j].Destination.Bits()
	})
	metrics.SetRoutes(len(t.routes))
}

// mergeLocked folds every entry into the first earlier entry with the same
// next hop and outgoing address, widening it to the common prefix of both.
// Entries whose addresses differ in the first bit stay apart.
func (t *Table) mergeLocked() {
	if len(t.routes) < 2 {
		return
	}
	out := make([]*Route, 0, len(t.routes))
	for i, src := range t.routes {
		if src == nil {
			continue
		}
		for j := i + 1; j < len(t.routes); j++ {
			other := t.routes[j]
			if other == nil || other.NextHop != src.NextHop || other.Outgoing != src.Outgoing {
				continue
			}
			n := commonBits(src.Destination, other.Destination)
			if n == 0 {
				continue
			}
			src.Destination = netip.PrefixFrom(src.Destination.Addr(), n).Masked()
			if other.HopCount < src.HopCount {
				src.HopCount = other.HopCount
			}
			if other.Priority > src.Priority {
				src.Priority = other.Priority
			}
			src.Source = SourceMerge
			src.Updated = t.now()
			t.routes[j] = nil
		}
		out = append(out, src)
	}
	t.routes = out
}

// commonBits returns the length of the longest prefix covering both a and b.
func commonBits(a, b netip.Prefix) int {
	n := a.Bits()
	if b.Bits() < n {
		n = b.Bits()
	}
	x, y := a.Addr().As4(), b.Addr().As4()
	diff := uint32(x[0]^y[0])<<24 | uint32(x[1]^y[1])<<16 | uint32(x[2]^y[2])<<8 | uint32(x[3]^y[3])
	if lz := bits.LeadingZeros32(diff); lz < n {
		n = lz
	}
	return n
}
