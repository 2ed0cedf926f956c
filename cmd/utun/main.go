// Command utun runs the point-to-point userspace tunnel engine: it opens a
// TUN device, constructs a UDP network endpoint in client or server role,
// and drives the engine loop until terminated. Argument shape, link setup
// (bringing the TUN up, assigning an address), and the separate
// TCP-reverse-tunnel utility are out of scope and are not reimplemented
// here.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mistnet/utun/internal/aead"
	"github.com/mistnet/utun/internal/config"
	"github.com/mistnet/utun/internal/engine"
	"github.com/mistnet/utun/internal/metrics"
	"github.com/mistnet/utun/internal/netendpoint"
	"github.com/mistnet/utun/internal/tundev"
	"github.com/mistnet/utun/internal/vpnlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		return 1
	}

	log := vpnlog.New(vpnlog.ParseLevel(cfg.LogLevel), os.Stderr)
	log.Infof("utun starting: role=%s tun=%s", cfg.Role, cfg.TunName)

	tun, err := tundev.Open(cfg.TunName)
	if err != nil {
		log.Errorf("open tun device: %v", err)
		return 1
	}
	defer tun.Close()

	endpoint, err := newEndpoint(cfg, log)
	if err != nil {
		log.Errorf("create network endpoint: %v", err)
		return 1
	}
	defer endpoint.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	tunLocalIP, err := netip.ParseAddr(cfg.TunLocalIP)
	if err != nil {
		log.Errorf("invalid tun_local_ip: %v", err)
		return 1
	}

	eng := engine.New(tun, endpoint, cfg.Role, tunLocalIP, cfg.SitePort, collector, log)

	if err := eng.Start(); err != nil {
		log.Errorf("engine start-up: %v", err)
		return 1
	}

	metricsSrv := newMetricsServer(cfg.MetricsAddr, reg)
	go func() {
		log.Infof("metrics server listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()

	// The loop has no cancellation or timeout: it runs until
	// the process is killed. A delivered signal interrupts the blocking
	// multiplexer wait, which is logged and swallowed by Run itself, not
	// by this caller.
	if err := eng.Run(nil); err != nil {
		log.Errorf("engine loop exited with error: %v", err)
		return 1
	}

	return 0
}

// newEndpoint constructs the C5 network endpoint for the configured role.
// A zero-length PSK means no encryption; any non-empty PSK is already
// validated to fit AES-256 by config.Validate.
func newEndpoint(cfg *config.Config, log *vpnlog.Logger) (*netendpoint.Endpoint, error) {
	var codec *aead.Codec
	if cfg.PSK != "" {
		key := aead.DeriveKey(cfg.PSK)
		codec = aead.NewCodec(key)
	}

	if cfg.Role == config.RoleServer {
		return netendpoint.NewServer(cfg.Port, codec, log)
	}

	remote, err := netip.ParseAddr(cfg.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("parse remote_addr: %w", err)
	}
	return netendpoint.NewClient(remote, cfg.Port, codec, log)
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
