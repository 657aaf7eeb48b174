// Package probe checks whether the sensor host is reachable from this machine.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bilal/esphomebot/internal/config"
	"github.com/go-ping/ping"
	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
)

// Result of one ICMP probe.
type Result struct {
	Host       string
	Addr       string
	Sent       int
	Received   int
	PacketLoss float64
	AvgRtt     time.Duration
}

// Reachable reports whether at least one echo reply came back.
func (r Result) Reachable() bool { return r.Received > 0 }

func (r Result) String() string {
	if !r.Reachable() {
		return fmt.Sprintf("host %s is unreachable (%d/%d replies)", r.Host, r.Received, r.Sent)
	}
	return fmt.Sprintf("host %s is reachable (avg rtt %s, %.0f%% loss)",
		r.Host, r.AvgRtt.Round(time.Millisecond), r.PacketLoss)
}

// Route is the kernel route used to reach the sensor host.
type Route struct {
	Dst       string
	Interface string
	Gateway   string
	Src       string
}

func (r Route) String() string {
	s := fmt.Sprintf("route to %s via %s", r.Dst, r.Interface)
	if r.Gateway != "" {
		s += " gw " + r.Gateway
	}
	if r.Src != "" {
		s += " src " + r.Src
	}
	return s
}

// Prober pings the sensor host and looks up its route.
type Prober struct {
	host       string
	count      int
	timeout    time.Duration
	privileged bool
}

// New returns nil when probing is disabled or the host is unknown.
func New(cfg *config.Config) *Prober {
	host := cfg.SensorHost()
	if !cfg.Probe.Enabled || host == "" {
		return nil
	}
	timeout := time.Duration(cfg.Probe.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		host:       host,
		count:      cfg.Probe.Count,
		timeout:    timeout,
		privileged: cfg.Probe.Privileged,
	}
}

// Host is the probed hostname.
func (p *Prober) Host() string { return p.host }

// Ping sends a few echo requests. A non-nil error means the probe itself
// could not run (resolution failure, missing privileges), not that the host
// is down.
func (p *Prober) Ping(ctx context.Context) (Result, error) {
	pinger, err := ping.NewPinger(p.host)
	if err != nil {
		return Result{Host: p.host}, fmt.Errorf("ping %s: %w", p.host, err)
	}

	pinger.Count = p.count
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(p.privileged)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		return Result{Host: p.host}, fmt.Errorf("ping %s: %w", p.host, err)
	}

	stats := pinger.Statistics()
	res := Result{
		Host:       p.host,
		Addr:       stats.IPAddr.String(),
		Sent:       stats.PacketsSent,
		Received:   stats.PacketsRecv,
		PacketLoss: stats.PacketLoss,
		AvgRtt:     stats.AvgRtt,
	}

	log.Debug().
		Str("host", res.Host).
		Int("received", res.Received).
		Float64("packet_loss", res.PacketLoss).
		Dur("avg_rtt", res.AvgRtt).
		Msg("probe finished")
	return res, nil
}

// Route asks the kernel which route reaches the sensor host.
func (p *Prober) Route(ctx context.Context) (Route, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", p.host)
	if err != nil {
		return Route{}, fmt.Errorf("resolve %s: %w", p.host, err)
	}
	if len(ips) == 0 {
		return Route{}, fmt.Errorf("resolve %s: no addresses", p.host)
	}

	routes, err := netlink.RouteGet(ips[0])
	if err != nil {
		return Route{}, fmt.Errorf("route lookup %s: %w", ips[0], err)
	}
	if len(routes) == 0 {
		return Route{}, errors.New("no route to " + ips[0].String())
	}
	return describe(ips[0], routes[0]), nil
}

func describe(dst net.IP, r netlink.Route) Route {
	out := Route{Dst: dst.String(), Interface: fmt.Sprintf("if%d", r.LinkIndex)}
	if link, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
		out.Interface = link.Attrs().Name
	}
	if r.Gw != nil {
		out.Gateway = r.Gw.String()
	}
	if r.Src != nil {
		out.Src = r.Src.String()
	}
	return out
}

// Diagnose combines ping and route lookup into one line for a chat message.
// Probe failures are folded into the text.
func (p *Prober) Diagnose(ctx context.Context) string {
	res, err := p.Ping(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("probe failed")
		return "probe failed: " + err.Error()
	}
	line := res.String()

	route, err := p.Route(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("route lookup failed")
		return line
	}
	return line + "; " + route.String()
}
