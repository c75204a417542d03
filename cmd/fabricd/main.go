// fabricd runs a single-node fabric kernel: it loads configuration, opens
// the node, admits any agent manifests given on the command line, and
// serves until interrupted. With -demo it also runs a small two-agent
// exchange so a fresh checkout produces visible traffic.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openi-ai/fabric/pkg/config"
	"github.com/openi-ai/fabric/pkg/envelope"
	"github.com/openi-ai/fabric/pkg/fabric"
	"github.com/openi-ai/fabric/pkg/identity"
	"github.com/openi-ai/fabric/pkg/ledger"
	"github.com/openi-ai/fabric/pkg/observability"
)

func main() {
	configPath := flag.String("config", "", "YAML node profile overlaying the environment config")
	demo := flag.Bool("demo", false, "run a local two-agent demo exchange")
	otlp := flag.String("otlp", "", "OTLP gRPC endpoint for traces and metrics")
	flag.Parse()

	if err := run(*configPath, *otlp, *demo, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "fabricd:", err)
		os.Exit(1)
	}
}

func run(configPath, otlp string, demo bool, manifestPaths []string) error {
	cfg := config.Load()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(cfg, configPath); err != nil {
			return err
		}
	}
	setupLogging(cfg.LogLevel)
	log := slog.Default().With("node", cfg.NodeName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "fabricd",
		Environment:  "production",
		OTLPEndpoint: otlp,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      otlp != "",
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	node, err := fabric.Open(cfg)
	if err != nil {
		return err
	}
	defer node.Close()
	log.Info("fabric node up", "tenant", cfg.Tenant, "ledger", cfg.LedgerPath)

	for _, path := range manifestPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		handle, err := node.AdmitYAML(ctx, data, func(env *envelope.Envelope) {
			log.Info("envelope received", "id", env.ID, "src", env.Src, "dest", env.Dest)
		})
		if err != nil {
			return fmt.Errorf("admit %s: %w", path, err)
		}
		obs.AgentAdmitted(ctx, 1)
		log.Info("manifest admitted", "path", path, "agent", handle.Address.String())
	}

	g, ctx := errgroup.WithContext(ctx)
	if demo {
		g.Go(func() error { return runDemo(ctx, node, cfg.Tenant, cfg.NodeName, obs, log) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	log.Info("shutting down")
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

const demoProducerManifest = `
apiVersion: openi.ai/v1
kind: Agent
metadata:
  name: demo-producer
  tenant: %s
  node: %s
spec:
  runtime:
    kind: native
    version: 0.1.0
  outputs:
    - name: ticks
      topic: topic://demo/ticks
      type: application/json
  policies:
    - name: scope-match
      action: enforce
  permissions:
    - system: demo
      capability: publish
`

const demoConsumerManifest = `
apiVersion: openi.ai/v1
kind: Agent
metadata:
  name: demo-consumer
  tenant: %s
  node: %s
spec:
  runtime:
    kind: native
    version: 0.1.0
  inputs:
    - name: ticks
      topic: topic://demo/**
      type: application/json
  policies:
    - name: scope-match
      action: enforce
  permissions:
    - system: demo
      capability: consume
`

// runDemo admits a producer and a consumer and streams envelopes between
// them until the context ends.
func runDemo(ctx context.Context, node *fabric.Node, tenant, host string, obs *observability.Provider, log *slog.Logger) error {
	producer := identity.Address{Tenant: tenant, Node: host, Agent: "demo-producer"}
	consumer := identity.Address{Tenant: tenant, Node: host, Agent: "demo-consumer"}

	producerKey, err := node.RegisterAgent(ctx, producer)
	if err != nil {
		return err
	}
	if _, err := node.RegisterAgent(ctx, consumer); err != nil {
		return err
	}
	if err := node.Registry().GrantScopes(ctx, producer, "demo:publish"); err != nil {
		return err
	}
	if err := node.Registry().GrantScopes(ctx, consumer, "demo:consume"); err != nil {
		return err
	}

	if _, err := node.AdmitYAML(ctx,
		[]byte(fmt.Sprintf(demoProducerManifest, tenant, host)),
		func(*envelope.Envelope) {}); err != nil {
		return err
	}
	if _, err := node.AdmitYAML(ctx,
		[]byte(fmt.Sprintf(demoConsumerManifest, tenant, host)),
		func(env *envelope.Envelope) {
			log.Info("demo consumer got envelope", "id", env.ID, "trace", env.TraceID())
		}); err != nil {
		return err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		seq++
		env, err := node.NewEnvelope(producer.String(), "topic://demo/ticks",
			"application/json", envelope.Headers{
				envelope.HeaderTTL:    envelope.TTLHeader(30 * time.Second),
				envelope.HeaderScopes: "demo:publish",
			}, map[string]int{"seq": seq}, producerKey)
		if err != nil {
			return err
		}

		pctx, finish := obs.TrackPublish(ctx, env.ID, env.Src)
		report, err := node.Publish(pctx, env)
		finish(err, err == nil && report != nil && report.Denied > 0)
		if err != nil {
			log.Error("demo publish failed", "error", err)
			continue
		}
		log.Info("demo tick published", "seq", seq, "delivered", report.Delivered)

		if seq%10 == 0 {
			logAuditSummary(ctx, node, log)
		}
	}
}

func logAuditSummary(ctx context.Context, node *fabric.Node, log *slog.Logger) {
	cur, err := node.QueryAudit(ctx, ledger.Filter{})
	if err != nil {
		log.Error("audit query failed", "error", err)
		return
	}
	counts := map[ledger.RecordType]int{}
	for cur.Next() {
		counts[cur.Record().Type]++
	}
	if err := cur.Err(); err != nil {
		log.Error("audit cursor failed", "error", err)
		return
	}
	log.Info("audit summary",
		"admissions", counts[ledger.RecordAdmission],
		"deliveries", counts[ledger.RecordDelivery],
		"violations", counts[ledger.RecordViolation])
}
