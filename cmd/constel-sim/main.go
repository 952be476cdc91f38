// Command constel-sim runs a simulated device agent: a WebSocket server
// speaking the controller's wire protocol, useful for dry runs and demos
// without real devices.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/orbital/constel/internal/protocol"
	"github.com/orbital/constel/internal/simagent"
)

func main() {
	var (
		listen   = flag.String("listen", "127.0.0.1:9401", "address to serve the session endpoint on")
		deviceID = flag.String("device-id", "", "device id to report (defaults to the controller's offer)")
		platform = flag.String("platform", "linux", "platform reported in telemetry")
		features = flag.String("features", "gui,cli", "comma-separated supported features")
		hostname = flag.String("hostname", "sim-device", "hostname reported in telemetry")
		latency  = flag.Duration("latency", 0, "artificial latency added to every task")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	agent := simagent.New(simagent.Options{
		DeviceID: *deviceID,
		SystemInfo: protocol.SystemInfo{
			Platform:          *platform,
			Hostname:          *hostname,
			SupportedFeatures: splitFeatures(*features),
			SchemaVersion:     "1",
		},
		TaskLatency: *latency,
		Logger:      logger,
	})

	logger.Info("simulated device agent listening", "addr", *listen, "features", *features)
	srv := &http.Server{
		Addr:              *listen,
		Handler:           agent.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, "constel-sim:", err)
		os.Exit(1)
	}
}

func splitFeatures(raw string) []string {
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
