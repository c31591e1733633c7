package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/config"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/logging"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncclient"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type app struct {
	viper   *viper.Viper
	cfgFile string
}

func main() {
	application := &app{viper: config.NewClientViper()}
	if err := application.rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "fieldsync",
		Short:        "Offline-first FieldSync client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.ReadFile(a.viper, a.cfgFile)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Path to configuration file")
	flags.String("server", "", "Server base URL")
	flags.String("database", a.viper.GetString("client.database_path"), "Local database path")
	flags.String("token", "", "Bearer token")
	flags.String("log-level", a.viper.GetString("log.level"), "Log level (debug, info, warn, error)")
	a.bind(rootCmd, "client.server_url", "server")
	a.bind(rootCmd, "client.database_path", "database")
	a.bind(rootCmd, "client.token", "token")
	a.bind(rootCmd, "log.level", "log-level")

	rootCmd.AddCommand(
		a.enqueueCommand(),
		a.syncCommand(),
		a.runCommand(),
		a.pendingCommand(),
		a.rejectedCommand(),
		a.discardCommand(),
		a.requeueCommand(),
		a.showCommand(),
	)
	return rootCmd
}

func (a *app) bind(cmd *cobra.Command, key, flag string) {
	if err := a.viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// session is the state shared by every command that touches the local store.
type session struct {
	cfg    config.ClientConfig
	logger *zap.Logger
	store  *localstore.Store
}

func (a *app) open(ctx context.Context, requireServer bool) (*session, error) {
	cfg, err := config.LoadClient(a.viper, requireServer)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	store, err := localstore.Open(ctx, cfg.DatabasePath, localstore.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, store: store}, nil
}

func (s *session) Close() {
	_ = s.store.Close()
	_ = s.logger.Sync()
}

func (s *session) engine(online func() bool) (*syncclient.Engine, *syncclient.HTTPTransport, error) {
	transport, err := syncclient.NewHTTPTransport(
		s.cfg.ServerURL,
		&http.Client{Timeout: s.cfg.RequestTimeout},
		syncclient.StaticToken(s.cfg.Token),
	)
	if err != nil {
		return nil, nil, err
	}
	engine, err := syncclient.NewEngine(syncclient.EngineConfig{
		Store:        s.store,
		Transport:    transport,
		Online:       online,
		BatchSize:    s.cfg.BatchSize,
		PullPageSize: s.cfg.PullPageSize,
		Logger:       s.logger,
		OnAuthFailure: func(err error) {
			s.logger.Error("server refused credentials; obtain a new token", zap.Error(err))
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, transport, nil
}

func (a *app) enqueueCommand() *cobra.Command {
	var (
		table   string
		op      string
		payload string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record a local mutation for the next sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			body, err := withEntityID(op, payload)
			if err != nil {
				return err
			}
			record, err := s.store.Enqueue(cmd.Context(), localstore.MutationInput{
				Table:   table,
				Op:      op,
				Payload: body,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), recordView(record))
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "Target table (notes, interactions, intakes)")
	cmd.Flags().StringVar(&op, "op", string(protocol.OperationInsert), "Operation (insert, update, delete)")
	cmd.Flags().StringVar(&payload, "payload", "", "Entity payload as a JSON object")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

// withEntityID assigns a fresh entity id to inserts that lack one.
func withEntityID(op, payload string) (json.RawMessage, error) {
	if op != string(protocol.OperationInsert) {
		return json.RawMessage(payload), nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	if id, ok := fields["id"].(string); ok && id != "" {
		return json.RawMessage(payload), nil
	}
	fields["id"] = uuid.NewString()
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func (a *app) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			engine, _, err := s.engine(nil)
			if err != nil {
				return err
			}
			report, err := engine.Sync(cmd.Context())
			if writeErr := writeJSON(cmd.OutOrStdout(), reportView(report)); writeErr != nil {
				return writeErr
			}
			return err
		},
	}
}

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync in the background until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()

			var monitor *syncclient.ProbeMonitor
			engine, transport, err := s.engine(func() bool { return monitor.Online() })
			if err != nil {
				return err
			}
			monitor = syncclient.NewProbeMonitor(transport, s.cfg.ProbeInterval, s.cfg.RequestTimeout, s.logger)

			backoff := func() retry.Backoff {
				return syncclient.NewBackoff(s.cfg.RetryBase, s.cfg.RetryMax)
			}
			trigger, err := syncclient.NewTrigger(syncclient.TriggerConfig{
				Engine:   engine,
				Interval: s.cfg.SyncInterval,
				Monitor:  monitor,
				Events:   syncclient.NewEventListener(transport, backoff, 0, s.logger),
				Backoff:  backoff,
				Logger:   s.logger,
				OnCycle: func(report syncclient.CycleReport, err error) {
					if err != nil {
						return
					}
					s.logger.Info("sync cycle finished",
						zap.Int("accepted", report.Accepted),
						zap.Int("rejected", len(report.Rejected)),
						zap.Int("pulled", report.Pulled),
						zap.Int64("cursor", report.Cursor),
					)
				},
			})
			if err != nil {
				return err
			}

			s.logger.Info("background sync started", zap.String("server", s.cfg.ServerURL))
			err = trigger.Run(ctx)
			s.logger.Info("background sync stopped")
			return err
		},
	}
}

func (a *app) pendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List mutations awaiting upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.store.ListPending(cmd.Context(), 0)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), recordViews(records))
		},
	}
}

func (a *app) rejectedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rejected",
		Short: "List mutations the server rejected",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.store.ListRejected(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), recordViews(records))
		},
	}
}

func (a *app) discardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discard MUTATION_ID",
		Short: "Drop a rejected mutation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			return describeMissing(s.store.DiscardRejected(cmd.Context(), args[0]), args[0])
		},
	}
}

func (a *app) requeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue MUTATION_ID",
		Short: "Return a rejected mutation to the upload queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			return describeMissing(s.store.RequeueRejected(cmd.Context(), args[0]), args[0])
		},
	}
}

func describeMissing(err error, id string) error {
	if errors.Is(err, localstore.ErrNotFound) {
		return fmt.Errorf("no rejected mutation %q", id)
	}
	return err
}

func (a *app) showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show TABLE [ENTITY_ID]",
		Short: "Print cached server entities",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := protocol.ParseTable(args[0])
			if err != nil {
				return err
			}
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(args) == 2 {
				entity, err := s.store.GetEntity(cmd.Context(), table, args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entityView(entity))
			}
			entities, err := s.store.ListEntities(cmd.Context(), table)
			if err != nil {
				return err
			}
			views := make([]map[string]any, 0, len(entities))
			for _, entity := range entities {
				views = append(views, entityView(entity))
			}
			return writeJSON(cmd.OutOrStdout(), views)
		},
	}
}

func recordView(record localstore.Record) map[string]any {
	view := map[string]any{
		"id":              record.ID,
		"table":           record.Table,
		"op":              record.Op,
		"payload":         record.Payload,
		"clientTimestamp": record.ClientTimestamp,
		"deviceId":        record.DeviceID,
		"syncState":       record.SyncState,
	}
	if record.RejectReason != "" {
		view["rejectReason"] = record.RejectReason
	}
	if record.Attempts > 0 {
		view["attempts"] = record.Attempts
	}
	return view
}

func recordViews(records []localstore.Record) []map[string]any {
	views := make([]map[string]any, 0, len(records))
	for _, record := range records {
		views = append(views, recordView(record))
	}
	return views
}

func reportView(report syncclient.CycleReport) map[string]any {
	rejected := report.Rejected
	if rejected == nil {
		rejected = []string{}
	}
	return map[string]any{
		"rounds":   report.Rounds,
		"uploaded": report.Uploaded,
		"accepted": report.Accepted,
		"rejected": rejected,
		"pulled":   report.Pulled,
		"cursor":   report.Cursor,
	}
}

func entityView(entity localstore.Entity) map[string]any {
	return map[string]any{
		"table":   entity.Table,
		"id":      entity.ID,
		"version": entity.Version,
		"data":    entity.Data,
	}
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
