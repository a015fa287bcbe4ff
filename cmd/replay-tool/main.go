package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"agenc.dev/replay/replay"
	"agenc.dev/replay/service"
	"agenc.dev/replay/service/store"
)

const toolVersion = "1.0.0"

var nowMs = func() int64 { return time.Now().UnixMilli() }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// .env is optional; flags and REPLAY_* env still win.
	_ = godotenv.Load()

	cfg := service.ApplyEnv(service.DefaultConfig())
	log := logrus.New()
	log.SetOutput(stderr)

	var (
		authClientID string
		sessionID    string
	)

	root := &cobra.Command{
		Use:           "replay-tool",
		Short:         "Deterministic on-chain event replay: backfill, compare, incident, status",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.StoreType, "store", cfg.StoreType, "store type: memory|bolt|sqlite")
	root.PersistentFlags().StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "data directory for durable stores")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&cfg.PolicyPath, "policy", cfg.PolicyPath, "path to replay policy YAML")
	root.PersistentFlags().StringVar(&authClientID, "auth-client-id", "", "authenticated client id")
	root.PersistentFlags().StringVar(&sessionID, "session-id", "", "session id for actor resolution")

	newRuntime := func(fetcher service.PageFetcher) (*service.Runtime, func(), error) {
		if err := service.ValidateConfig(cfg); err != nil {
			return nil, nil, err
		}
		level, err := logrus.ParseLevel(normalizeLevel(cfg.LogLevel))
		if err != nil {
			return nil, nil, err
		}
		log.SetLevel(level)
		policy, err := service.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load policy: %w", err)
		}
		st, err := openStore(cfg)
		if err != nil {
			return nil, nil, err
		}
		rt := &service.Runtime{
			Store:     st,
			StoreType: cfg.StoreType,
			Fetcher:   fetcher,
			Alerts: service.NewDispatcher(service.DispatcherConfig{
				Adapters: []service.AlertAdapter{service.LogAdapter{Log: log}},
				NowMs:    nowMs,
				Log:      log,
			}),
			Policy:        policy,
			Log:           log,
			NowMs:         nowMs,
			Version:       toolVersion,
			Actor:         service.ResolveActor(authClientID, sessionID),
			Authenticated: authClientID != "",
		}
		return rt, func() { _ = st.Close() }, nil
	}

	emit := func(v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		val, err := replay.CanonicalParse(string(raw))
		if err != nil {
			return err
		}
		_, err = stdout.Write(append(replay.CanonicalBytes(val), '\n'))
		return err
	}

	var backfillParams service.BackfillParams
	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Fetch, project and persist events up to a target slot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fetcher, err := service.NewFileFetcher(backfillParams.RPC)
			if err != nil {
				return err
			}
			rt, done, err := newRuntime(fetcher)
			if err != nil {
				return err
			}
			defer done()
			backfillParams.StoreType = cfg.StoreType
			return emit(rt.RunBackfill(cmd.Context(), backfillParams))
		},
	}
	backfill.Flags().StringVar(&backfillParams.RPC, "rpc", "", "raw event capture (JSONL) standing in for the RPC endpoint")
	backfill.Flags().Uint64Var(&backfillParams.ToSlot, "to-slot", 0, "target slot (inclusive)")
	backfill.Flags().IntVar(&backfillParams.PageSize, "page-size", cfg.PageSize, "events per fetch page")
	backfill.Flags().StringVar(&backfillParams.TraceID, "trace-id", "", "trace id recorded in projected output")
	backfill.Flags().Uint64Var(&backfillParams.Seed, "seed", 0, "projection seed")
	backfill.Flags().StringSliceVar(&backfillParams.RedactFields, "redact", nil, "payload fields to redact in output")
	_ = backfill.MarkFlagRequired("rpc")

	var compareParams service.CompareParams
	compare := &cobra.Command{
		Use:   "compare",
		Short: "Diff a local trajectory against the stored projection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, done, err := newRuntime(nil)
			if err != nil {
				return err
			}
			defer done()
			compareParams.StoreType = cfg.StoreType
			return emit(rt.RunCompare(cmd.Context(), compareParams))
		},
	}
	compare.Flags().StringVar(&compareParams.LocalTracePath, "trace", "", "local trajectory trace file")
	compare.Flags().BoolVar(&compareParams.StrictMode, "strict", false, "elevate warnings and fail on mismatch")
	compare.Flags().StringVar(&compareParams.TaskPDA, "task", "", "restrict to one task pda")
	compare.Flags().StringVar(&compareParams.DisputePDA, "dispute", "", "restrict to one dispute pda")
	compare.Flags().StringSliceVar(&compareParams.RedactFields, "redact", nil, "payload fields to redact before output")
	_ = compare.MarkFlagRequired("trace")

	var incidentParams service.IncidentParams
	incident := &cobra.Command{
		Use:   "incident",
		Short: "Reconstruct an incident case and emit its evidence pack",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, done, err := newRuntime(nil)
			if err != nil {
				return err
			}
			defer done()
			incidentParams.StoreType = cfg.StoreType
			return emit(rt.RunIncident(cmd.Context(), incidentParams))
		},
	}
	incident.Flags().StringVar(&incidentParams.TaskPDA, "task", "", "task pda")
	incident.Flags().StringVar(&incidentParams.DisputePDA, "dispute", "", "dispute pda")
	incident.Flags().Uint64Var(&incidentParams.FromSlot, "from-slot", 0, "window start slot")
	incident.Flags().Uint64Var(&incidentParams.ToSlot, "to-slot", 0, "window end slot")
	incident.Flags().BoolVar(&incidentParams.Sealed, "sealed", false, "seal the evidence pack (applies redaction)")
	incident.Flags().IntVar(&incidentParams.MaxPayloadBytes, "max-payload-bytes", 0, "truncate payloads beyond this size")
	incident.Flags().StringSliceVar(&incidentParams.RedactFields, "redact", nil, "payload fields to remove when sealing")
	incident.Flags().StringVar(&incidentParams.OutputDir, "out", "", "directory for manifest.json, incident-case.jsonl, events.jsonl")

	status := &cobra.Command{
		Use:   "status",
		Short: "Summarize the timeline store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, done, err := newRuntime(nil)
			if err != nil {
				return err
			}
			defer done()
			return emit(rt.RunStatus(cmd.Context(), service.StatusParams{StoreType: cfg.StoreType}))
		},
	}

	root.AddCommand(backfill, compare, incident, status)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintf(stderr, "replay-tool: %v\n", err)
		return 1
	}
	return 0
}

func openStore(cfg service.Config) (service.TimelineStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreType)) {
	case "memory":
		return service.NewMemoryStore(), nil
	case "bolt":
		return store.OpenBolt(cfg.DataDir)
	case "sqlite":
		return store.OpenSQLite(cfg.DataDir)
	}
	return nil, fmt.Errorf("unknown store_type %q", cfg.StoreType)
}

func normalizeLevel(level string) string {
	l := strings.ToLower(strings.TrimSpace(level))
	if l == "warn" {
		return "warning"
	}
	return l
}
