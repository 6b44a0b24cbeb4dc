// Command relayboard runs the relay synchronization core as a standalone
// daemon: it maintains relay connectivity, drains the offline publish queue
// and serves as a smoke harness for the vote engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"relayboard/internal/metrics"
	"relayboard/internal/proto"
	"relayboard/internal/pubsub"
	"relayboard/internal/ratelimit"
	"relayboard/internal/relay"
	"relayboard/internal/tally"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("relayboard", flag.ContinueOnError)
	fs.SetOutput(stderr)
	relays := fs.String("relays", os.Getenv("RELAYBOARD_RELAYS"), "comma-separated relay urls")
	sk := fs.String("sk", os.Getenv("RELAYBOARD_SK"), "hex private key (generated when empty)")
	debug := fs.Bool("debug", false, "enable debug logging")
	metricsPath := fs.String("metrics", "", "write a metrics snapshot to this path on exit")
	statusEvery := fs.Duration("status-every", 30*time.Second, "status log interval")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	urls := splitURLs(*relays)
	if len(urls) == 0 {
		fmt.Fprintln(stderr, "missing --relays (or RELAYBOARD_RELAYS)")
		return 1
	}

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	key := *sk
	if key == "" {
		key = nostr.GeneratePrivateKey()
		log.Info("generated ephemeral identity")
	}
	signer, err := proto.NewKeySigner(key)
	if err != nil {
		fmt.Fprintf(stderr, "load identity: %v\n", err)
		return 1
	}

	m := metrics.New()
	cm := relay.New(relay.Options{Log: log, Metrics: m})
	cm.SetRelays(urls)
	broker := pubsub.New(cm, pubsub.Options{Log: log, Metrics: m})
	limiter := ratelimit.New(ratelimit.Options{Log: log, Metrics: m})
	engine := tally.New(broker, limiter, tally.Options{Log: log, Metrics: m})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go cm.Run(ctx)
	go limiter.Run(ctx)
	go engine.Run(ctx)

	fmt.Fprintf(stdout, "READY identity=%s relays=%d\n", signer.PublicKey(), len(urls))
	ticker := time.NewTicker(*statusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			broker.Close()
			engine.Clear()
			cm.Close()
			if err := m.WriteSnapshot(*metricsPath); err != nil {
				log.Warn("metrics snapshot failed", zap.Error(err))
			}
			fmt.Fprintln(stdout, "shutdown complete")
			return 0
		case <-ticker.C:
			logStatus(log, cm)
		}
	}
}

func logStatus(log *zap.Logger, cm *relay.ConnManager) {
	statuses := cm.Statuses()
	for _, st := range statuses {
		if st.Connected || st.LastError == "" {
			continue
		}
		log.Debug("relay degraded",
			zap.String("relay", st.URL),
			zap.String("last_error", st.LastError),
			zap.Int("attempts", st.ReconnectAttempts),
		)
	}
	log.Info("relay status",
		zap.Int("connected", cm.ConnectedCount()),
		zap.Int("configured", len(statuses)),
		zap.Int("queued", cm.QueueDepth()),
	)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func splitURLs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		url := strings.TrimSpace(part)
		if url == "" {
			continue
		}
		out = append(out, url)
	}
	return out
}
