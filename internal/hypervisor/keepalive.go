package hypervisor

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/jamesprial/vmnetsync/internal/metrics"
)

// Gate serializes mutations against the hypervisor connection with the
// keepalive probe. Mutations hold it for their whole duration; the probe
// only runs when it can take the gate without waiting.
type Gate struct {
	mu sync.Mutex
}

func (g *Gate) Lock()         { g.mu.Lock() }
func (g *Gate) Unlock()       { g.mu.Unlock() }
func (g *Gate) TryLock() bool { return g.mu.TryLock() }

// Pinger is the subset of Connection used by Keepalive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Keepalive periodically probes the connection so the hypervisor keeps
// servicing it while long event bursts are generated.
type Keepalive struct {
	Conn     Pinger
	Gate     *Gate
	Interval time.Duration
}

// Run probes until ctx is done. It returns nil on cancellation; probe
// failures are logged and counted but never stop the loop.
func (k *Keepalive) Run(ctx context.Context) error {
	interval := k.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.probe(ctx)
		}
	}
}

func (k *Keepalive) probe(ctx context.Context) {
	if k.Gate != nil {
		if !k.Gate.TryLock() {
			log.G(ctx).Debug("keepalive skipped, mutation in progress")
			return
		}
		defer k.Gate.Unlock()
	}

	if err := k.Conn.Ping(ctx); err != nil {
		metrics.KeepaliveFailures.Inc()
		log.G(ctx).WithError(err).Warn("hypervisor keepalive failed")
	}
}
