package network

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/zangezia/fieldsync/internal/api"
	"github.com/zangezia/fieldsync/internal/state"
	"github.com/zangezia/fieldsync/pkg/models"
)

// Prober checks that the backend answers
type Prober interface {
	Health(ctx context.Context) error
}

var _ Prober = (*api.Client)(nil)

// LinkFunc reports whether the device has a usable network link
type LinkFunc func(ctx context.Context) (bool, string, error)

// Monitor tracks backend reachability and publishes it to a NetworkStore
type Monitor struct {
	prober   Prober
	store    *state.NetworkStore
	interval time.Duration
	timeout  time.Duration
	link     LinkFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a connectivity monitor
func New(prober Prober, store *state.NetworkStore, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Monitor{
		prober:   prober,
		store:    store,
		interval: interval,
		timeout:  timeout,
		link:     ActiveLink,
	}
}

// SetLinkFunc replaces the link check
func (m *Monitor) SetLinkFunc(fn LinkFunc) {
	m.link = fn
}

// Check probes once and records the result
func (m *Monitor) Check(ctx context.Context) models.NetworkState {
	online, reason := m.probe(ctx)
	if m.store.Set(online, reason) {
		ev := log.Info()
		if !online {
			ev = log.Warn()
		}
		ev.Bool("online", online).Str("reason", reason).Msg("Connectivity changed")
	}
	return m.store.Snapshot()
}

func (m *Monitor) probe(ctx context.Context) (bool, string) {
	if m.link != nil {
		up, iface, err := m.link(ctx)
		switch {
		case err != nil:
			// platform without interface info, let the probe decide
			log.Debug().Err(err).Msg("Link check unavailable")
		case !up:
			return false, "no active network interface"
		default:
			log.Debug().Str("interface", iface).Msg("Link up")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.prober.Health(ctx); err != nil {
		return false, fmt.Sprintf("backend unreachable: %v", err)
	}
	return true, "backend reachable"
}

// Start probes immediately and then every interval until Stop
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()

	log.Info().Dur("interval", m.interval).Msg("Connectivity monitor started")
}

// Stop halts the probe loop
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// ActiveLink reports the first interface that is up, not loopback and has
// an address
func ActiveLink(ctx context.Context) (bool, string, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return false, "", fmt.Errorf("failed to list network interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		if len(iface.Addrs) == 0 {
			continue
		}
		return true, iface.Name, nil
	}
	return false, "", nil
}
