package probe

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bilal/esphomebot/internal/config"
	"github.com/vishvananda/netlink"
)

func TestNew(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sensors.BaseURL = "http://esptemppres.local/sensor/"
	cfg.Probe.Count = 2

	if p := New(cfg); p != nil {
		t.Errorf("disabled probe should be nil, got %+v", p)
	}

	cfg.Probe.Enabled = true
	p := New(cfg)
	if p == nil {
		t.Fatal("expected a prober")
	}
	if p.Host() != "esptemppres.local" {
		t.Errorf("Host = %q", p.Host())
	}
	if p.timeout != 3*time.Second {
		t.Errorf("timeout = %v, want default 3s", p.timeout)
	}

	cfg.Sensors.BaseURL = "::not a url"
	if p := New(cfg); p != nil {
		t.Errorf("expected nil prober for bad url, got %+v", p)
	}
}

func TestResultString(t *testing.T) {
	down := Result{Host: "esp.local", Sent: 3}
	if down.Reachable() {
		t.Error("no replies should not be reachable")
	}
	if got := down.String(); !strings.Contains(got, "unreachable") {
		t.Errorf("String() = %q", got)
	}

	up := Result{Host: "esp.local", Sent: 3, Received: 2, PacketLoss: 33.3, AvgRtt: 4200 * time.Microsecond}
	if got := up.String(); got != "host esp.local is reachable (avg rtt 4ms, 33% loss)" {
		t.Errorf("String() = %q", got)
	}
}

func TestRouteString(t *testing.T) {
	r := describe(net.ParseIP("192.168.1.50"), netlink.Route{
		LinkIndex: 1 << 30,
		Gw:        net.ParseIP("192.168.1.1"),
		Src:       net.ParseIP("192.168.1.10"),
	})
	want := "route to 192.168.1.50 via if1073741824 gw 192.168.1.1 src 192.168.1.10"
	if got := r.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestDiagnoseUnresolvableHost(t *testing.T) {
	p := &Prober{host: "invalid.invalid", count: 1, timeout: time.Second}

	got := p.Diagnose(context.Background())
	if !strings.HasPrefix(got, "probe failed: ") {
		t.Errorf("Diagnose() = %q, want the probe failed: prefix", got)
	}
	if !strings.Contains(got, "invalid.invalid") {
		t.Errorf("Diagnose() = %q, want the host named", got)
	}
}
