// Command coap-server runs a CoAP endpoint over UDP, serving the sample
// resources registered by registerSampleResources.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coapstack/endpoint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	cfgFile         string
	addr            string
	ackTimeout      string
	maxRetransmit   int
	blockSZX        uint8
	debug           bool
	healthMonitor   bool
	metricsAddr     string
)

var rootCmd = &cobra.Command{
	Use:   "coap-server",
	Short: "coap-server runs a CoAP (RFC 7252) endpoint",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the CoAP endpoint and a sample /.well-known/core registry",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML/TOML config file")
	serveCmd.Flags().StringVar(&addr, "addr", "", "UDP listen address (default :5683)")
	serveCmd.Flags().StringVar(&ackTimeout, "ack-timeout", "", "ACK_TIMEOUT, e.g. 2s")
	serveCmd.Flags().IntVar(&maxRetransmit, "max-retransmit", 0, "MAX_RETRANSMIT")
	serveCmd.Flags().Uint8Var(&blockSZX, "block-size", 0, "default Block2 SZX (1-6; 0 keeps the configured value)")
	serveCmd.Flags().BoolVar(&debug, "debug", false, "enable debug tracing")
	serveCmd.Flags().BoolVar(&healthMonitor, "health-monitor", false, "answer RUOK/IMOK liveness pings")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "HTTP address to serve /metrics on (empty disables)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := coap.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	coap.Debug(cfg.Debug)
	coap.HealthMonitor(cfg.HealthMonitor)

	var metrics *coap.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = coap.NewMetrics(reg)
		go serveMetrics(cfg.MetricsAddr, reg)
	}

	tree := coap.NewResourceTree()
	registerSampleResources(tree)

	ep, err := coap.NewEndpoint(coap.EndpointConfig{
		Addr:             cfg.Addr,
		AckTimeout:       cfg.AckTimeout,
		AckRandomFactor:  cfg.AckRandomFactor,
		MaxRetransmit:    cfg.MaxRetransmit,
		ExchangeLifetime: cfg.ExchangeLifetime,
		BlockSZX:         cfg.BlockSZX,
		MaxPayload:       cfg.MaxPayload,
		Metrics:          metrics,
	}, tree)
	if err != nil {
		return fmt.Errorf("coap-server: %w", err)
	}

	coap.TraceInfo("[coap-server] listening on %v", ep.LocalAddr())

	serveDone := make(chan error, 1)
	go func() { serveDone <- ep.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		coap.TraceInfo("[coap-server] shutting down")
		ep.Shutdown()
		return nil
	case err := <-serveDone:
		return err
	}
}

func applyFlagOverrides(cfg *coap.Config) {
	if addr != "" {
		cfg.Addr = addr
	}
	if ackTimeout != "" {
		if d, err := time.ParseDuration(ackTimeout); err == nil {
			cfg.AckTimeout = d
		}
	}
	if maxRetransmit != 0 {
		cfg.MaxRetransmit = maxRetransmit
	}
	if blockSZX != 0 {
		cfg.BlockSZX = blockSZX
	}
	if debug {
		cfg.Debug = true
	}
	if healthMonitor {
		cfg.HealthMonitor = true
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	coap.TraceError("[coap-server] metrics server exited: %v", http.ListenAndServe(addr, mux))
}

// registerSampleResources seeds the well-known/core registry with an
// observable, GET-only "/time" resource useful for smoke-testing a fresh
// endpoint (it has no PUT/POST/DELETE handlers, so those get 4.05).
func registerSampleResources(tree *coap.ResourceTree) {
	res := coap.NewResource("time", true, true, false)
	res.SetResourceType("observable-clock")
	res.SetInterfaceType("core.s")
	res.AddContentType(coap.TextPlain)
	res.SetPayload(coap.TextPlain, []byte("0"))
	tree.Add("time", res)
}
