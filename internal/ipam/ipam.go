// Package ipam allocates overlay addresses from disjoint pools inside the
// overlay CIDR. The hub owns the first host address; nodes and client
// devices draw from separate ranges.
package ipam

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// Pool names for allocation requests.
const (
	PoolNodes   = "nodes"
	PoolClients = "clients"
)

// DefaultCooldown is how long a released address stays quarantined before it
// can be handed out again. Stale clients may still route to it meanwhile.
const DefaultCooldown = 24 * time.Hour

type pool struct {
	name  string
	start netip.Addr
	end   netip.Addr
}

// Allocator hands out the lowest free address of a pool and enforces the
// release cool-down. State is rebuilt from IpAllocated/IpReleased events.
type Allocator struct {
	mu       sync.Mutex
	network  netip.Prefix
	hub      netip.Addr
	pools    map[string]pool
	owners   map[string]string    // ip -> owner id
	released map[string]time.Time // ip -> release instant
	cooldown time.Duration
	now      func() time.Time
}

// Config bounds the pools. Start/End are host offsets within the network.
type Config struct {
	Network     string // CIDR, e.g. "10.10.0.0/24"
	ClientStart int    // first host octet of the client pool, e.g. 100
	ClientEnd   int    // last host octet of the client pool, e.g. 250
	Cooldown    time.Duration
}

// New creates an allocator for the overlay network. The hub reserves the
// first host address; the node pool spans from the second host address up to
// ClientStart-1; the client pool spans ClientStart..ClientEnd.
func New(cfg Config) (*Allocator, error) {
	network, err := netip.ParsePrefix(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("parse overlay network: %w", err)
	}
	if !network.Addr().Is4() {
		return nil, errors.NewValidationError("network", "overlay network must be IPv4")
	}
	if cfg.ClientStart <= 1 || cfg.ClientEnd <= cfg.ClientStart {
		return nil, errors.NewValidationError("client_pool", "client pool bounds are invalid")
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}

	base := network.Masked().Addr()
	hub := addOffset(base, 1)
	nodeStart := addOffset(base, 2)
	nodeEnd := addOffset(base, cfg.ClientStart-1)
	clientStart := addOffset(base, cfg.ClientStart)
	clientEnd := addOffset(base, cfg.ClientEnd)

	if !network.Contains(clientEnd) {
		return nil, errors.NewValidationError("client_pool", "client pool exceeds the overlay network")
	}

	return &Allocator{
		network: network,
		hub:     hub,
		pools: map[string]pool{
			PoolNodes:   {name: PoolNodes, start: nodeStart, end: nodeEnd},
			PoolClients: {name: PoolClients, start: clientStart, end: clientEnd},
		},
		owners:   make(map[string]string),
		released: make(map[string]time.Time),
		cooldown: cooldown,
		now:      time.Now,
	}, nil
}

func addOffset(base netip.Addr, n int) netip.Addr {
	a := base
	for i := 0; i < n; i++ {
		a = a.Next()
	}
	return a
}

// Network returns the overlay CIDR.
func (a *Allocator) Network() netip.Prefix { return a.network }

// HubAddress returns the address reserved for the hub.
func (a *Allocator) HubAddress() netip.Addr { return a.hub }

// Allocate hands out the lowest free address of the named pool to owner.
// Released addresses stay unavailable until the cool-down elapses.
func (a *Allocator) Allocate(poolName, ownerID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[poolName]
	if !ok {
		return "", errors.NewValidationError("pool", "unknown pool "+poolName)
	}

	now := a.now()
	for ip := p.start; ip.Compare(p.end) <= 0; ip = ip.Next() {
		s := ip.String()
		if _, taken := a.owners[s]; taken {
			continue
		}
		if releasedAt, cooling := a.released[s]; cooling {
			if now.Sub(releasedAt) < a.cooldown {
				continue
			}
			delete(a.released, s)
		}
		a.owners[s] = ownerID
		return s, nil
	}
	return "", fmt.Errorf("pool %s: %w", poolName, errors.ErrPoolExhausted)
}

// Release returns an address to the pool after the cool-down window.
func (a *Allocator) Release(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.owners[ip]; !ok {
		return
	}
	delete(a.owners, ip)
	a.released[ip] = a.now()
}

// Apply folds an IPAM event during replay so warm starts reconstruct pool
// state without a separate snapshot.
func (a *Allocator) Apply(e *models.Event) error {
	switch e.Type {
	case models.EventIPAllocated:
		var payload models.IPAllocationPayload
		if err := e.DecodePayload(&payload); err != nil {
			return err
		}
		a.mu.Lock()
		a.owners[payload.IP] = payload.OwnerID
		delete(a.released, payload.IP)
		a.mu.Unlock()
	case models.EventIPReleased:
		var payload models.IPAllocationPayload
		if err := e.DecodePayload(&payload); err != nil {
			return err
		}
		a.mu.Lock()
		delete(a.owners, payload.IP)
		a.released[payload.IP] = e.CreatedAt
		a.mu.Unlock()
	}
	return nil
}

// PoolFor returns the pool name an address belongs to, or "" when outside
// both pools.
func (a *Allocator) PoolFor(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	for name, p := range a.pools {
		if addr.Compare(p.start) >= 0 && addr.Compare(p.end) <= 0 {
			return name
		}
	}
	return ""
}

// Stats summarizes pool utilization for the admin API.
type Stats struct {
	Network string               `json:"network"`
	Hub     string               `json:"hub"`
	Pools   map[string]PoolStats `json:"pools"`
}

// PoolStats is utilization of one pool.
type PoolStats struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Total     int    `json:"total"`
	Used      int    `json:"used"`
	CoolingOf int    `json:"cooling_off"`
	Available int    `json:"available"`
}

// Stats reports current utilization.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := Stats{
		Network: a.network.String(),
		Hub:     a.hub.String(),
		Pools:   make(map[string]PoolStats),
	}
	now := a.now()
	for name, p := range a.pools {
		total := 0
		used := 0
		cooling := 0
		for ip := p.start; ip.Compare(p.end) <= 0; ip = ip.Next() {
			total++
			s := ip.String()
			if _, taken := a.owners[s]; taken {
				used++
			} else if releasedAt, ok := a.released[s]; ok && now.Sub(releasedAt) < a.cooldown {
				cooling++
			}
		}
		out.Pools[name] = PoolStats{
			Start:     p.start.String(),
			End:       p.end.String(),
			Total:     total,
			Used:      used,
			CoolingOf: cooling,
			Available: total - used - cooling,
		}
	}
	return out
}
