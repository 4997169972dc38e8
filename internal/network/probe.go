package network

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/events"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// ProbeOptions configures a ProbeSignal.
type ProbeOptions struct {
	// Address is a host:port dialled to decide internet reachability.
	// Empty leaves reachability unknown.
	Address     string
	Interval    time.Duration
	DialTimeout time.Duration

	// Interfaces and Dial default to the net package.
	Interfaces func() ([]net.Interface, error)
	Dial       func(ctx context.Context, network, address string) (net.Conn, error)

	Logger *logging.Logger
}

// ProbeSignal derives connectivity on hosts with no platform reachability
// API by polling local interfaces and, optionally, dialling a probe address.
type ProbeSignal struct {
	opts    ProbeOptions
	changes *events.Subject[models.NetworkState]
	logger  *logging.Logger

	mu      sync.Mutex
	last    *models.NetworkState
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewProbeSignal creates a ProbeSignal. It must be started with Start
// before it reports changes.
func NewProbeSignal(opts ProbeOptions) *ProbeSignal {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.Interfaces == nil {
		opts.Interfaces = net.Interfaces
	}
	if opts.Dial == nil {
		dialer := &net.Dialer{}
		opts.Dial = dialer.DialContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Get()
	}
	return &ProbeSignal{
		opts:    opts,
		changes: events.NewSubject[models.NetworkState](),
		logger:  logger.Component("network-probe"),
	}
}

// Current probes immediately.
func (p *ProbeSignal) Current(ctx context.Context) (models.NetworkState, error) {
	ifaces, err := p.opts.Interfaces()
	if err != nil {
		return models.NetworkState{ConnectionType: models.ConnectionUnknown}, fmt.Errorf("listing interfaces: %w", err)
	}

	state := models.NetworkState{ConnectionType: models.ConnectionNone, IsInternetReachable: models.Bool(false)}
	connType, ok := classifyInterfaces(ifaces)
	if !ok {
		return state, nil
	}

	state.IsConnected = true
	state.ConnectionType = connType
	state.IsInternetReachable = nil
	if p.opts.Address != "" {
		state.IsInternetReachable = models.Bool(p.reachable(ctx))
	}
	return state, nil
}

func (p *ProbeSignal) Subscribe(handler func(models.NetworkState)) events.Unsubscribe {
	return p.changes.Subscribe(handler)
}

// Start begins polling in the background until Stop or ctx is done.
func (p *ProbeSignal) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("probe already running")
	}
	p.running = true
	p.done = make(chan struct{})

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop stops polling and waits for the loop to exit.
func (p *ProbeSignal) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *ProbeSignal) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll publishes the probed state when it differs from the last one.
func (p *ProbeSignal) poll(ctx context.Context) {
	state, err := p.Current(ctx)
	if err != nil {
		p.logger.Warn("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
		return
	}

	p.mu.Lock()
	changed := p.last == nil || !p.last.Equal(state)
	p.last = &state
	p.mu.Unlock()

	if changed {
		p.changes.Publish(state)
	}
}

func (p *ProbeSignal) reachable(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()

	conn, err := p.opts.Dial(dialCtx, "tcp", p.opts.Address)
	if err != nil {
		p.logger.Debug("Probe address unreachable", map[string]interface{}{"address": p.opts.Address, "error": err.Error()})
		return false
	}
	conn.Close()
	return true
}

// Interface name prefixes per transport, most preferred first.
var interfacePrefixes = []struct {
	connType models.ConnectionType
	prefixes []string
}{
	{models.ConnectionEthernet, []string{"eth", "eno", "enp", "ens", "enx"}},
	{models.ConnectionWifi, []string{"wlan", "wlp", "wl", "wifi", "en"}},
	{models.ConnectionCellular, []string{"wwan", "rmnet", "ccmni", "pdp_ip", "ppp"}},
	{models.ConnectionBluetooth, []string{"bnep", "bt"}},
	{models.ConnectionVPN, []string{"tun", "tap", "utun", "wg", "ipsec"}},
}

// classifyInterfaces picks the best transport among interfaces that are up,
// running and not loopback.
func classifyInterfaces(ifaces []net.Interface) (models.ConnectionType, bool) {
	var active []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagRunning == 0 {
			continue
		}
		active = append(active, strings.ToLower(iface.Name))
	}
	if len(active) == 0 {
		return models.ConnectionNone, false
	}

	for _, group := range interfacePrefixes {
		for _, name := range active {
			for _, prefix := range group.prefixes {
				if strings.HasPrefix(name, prefix) {
					return group.connType, true
				}
			}
		}
	}
	return models.ConnectionOther, true
}
