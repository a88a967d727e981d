// Package discovery finds other nodes on the local network using mDNS.
//
// Each node registers the gossip port under the configured service type with
// a TXT record containing its node ID. Discovered nodes are passed to a
// callback, which typically adds them as gossip announcement candidates so
// they are verified by the normal signed announcement exchange.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/pkg/log"
)

const (
	nodeIDTXTKey  = "node_id"
	versionTXTKey = "version"
)

type registerFunc func(
	instance, service, domain string,
	port int,
	text []string,
	ifaces []net.Interface,
) (*zeroconf.Server, error)

type browseFunc func(
	ctx context.Context,
	service, domain string,
	entries chan<- *zeroconf.ServiceEntry,
) error

func defaultBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Handler is called with the node ID and gossip address of each node found.
type Handler func(nodeID string, addr string)

// Discovery advertises the local node and periodically scans for others.
type Discovery struct {
	nodeID  string
	version string
	port    int
	config  *Config
	handler Handler

	register registerFunc
	browse   browseFunc

	server *zeroconf.Server

	// found contains the addresses of discovered nodes, keyed by node ID.
	found map[string]string
	mu    sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	logger log.Logger
}

func New(
	nodeID string,
	version string,
	port int,
	config *Config,
	handler Handler,
	logger log.Logger,
) *Discovery {
	return &Discovery{
		nodeID:   nodeID,
		version:  version,
		port:     port,
		config:   config,
		handler:  handler,
		register: zeroconf.Register,
		browse:   defaultBrowse,
		found:    make(map[string]string),
		done:     make(chan struct{}),
		logger:   logger.WithSubsystem("discovery"),
	}
}

// Start registers the local node and starts scanning in the background.
func (d *Discovery) Start() error {
	txt := []string{
		nodeIDTXTKey + "=" + d.nodeID,
		versionTXTKey + "=" + d.version,
	}
	server, err := d.register(d.nodeID, d.config.Service, d.config.Domain, d.port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	d.server = server

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	go d.loop(ctx)

	d.logger.Info(
		"started mdns discovery",
		zap.String("service", d.config.Service),
		zap.Int("port", d.port),
	)
	return nil
}

// Stop stops scanning and removes the local registration.
func (d *Discovery) Stop() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
			<-d.done
		}
		if d.server != nil {
			d.server.Shutdown()
		}
	})
}

// Found returns the addresses of discovered nodes keyed by node ID.
func (d *Discovery) Found() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	found := make(map[string]string, len(d.found))
	for id, addr := range d.found {
		found[id] = addr
	}
	return found
}

func (d *Discovery) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		if err := d.scan(ctx); err != nil {
			d.logger.Warn("scan failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Discovery) scan(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, d.config.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				d.handleEntry(entry)
			}
		}
	}()

	if err := d.browse(scanCtx, d.config.Service, d.config.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	if err := scanCtx.Err(); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Discovery) handleEntry(entry *zeroconf.ServiceEntry) {
	nodeID, addr, ok := parseEntry(entry, d.nodeID)
	if !ok {
		return
	}

	d.mu.Lock()
	prev, known := d.found[nodeID]
	d.found[nodeID] = addr
	d.mu.Unlock()

	if known && prev == addr {
		return
	}

	d.logger.Debug(
		"discovered node",
		zap.String("node-id", nodeID),
		zap.String("addr", addr),
	)
	d.handler(nodeID, addr)
}

// parseEntry returns the node ID and gossip address of the entry. Entries
// from the local node or without a node ID or address are ignored.
func parseEntry(entry *zeroconf.ServiceEntry, localID string) (string, string, bool) {
	var nodeID string
	for _, record := range entry.Text {
		k, v, ok := strings.Cut(record, "=")
		if ok && strings.TrimSpace(k) == nodeIDTXTKey {
			nodeID = strings.TrimSpace(v)
		}
	}
	if nodeID == "" || nodeID == localID {
		return "", "", false
	}
	if entry.Port <= 0 {
		return "", "", false
	}

	var ip net.IP
	for _, candidate := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if candidate != nil && !candidate.IsUnspecified() {
			ip = candidate
			break
		}
	}
	if ip == nil {
		return "", "", false
	}
	return nodeID, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}
