package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spiretel/mutt/pkg/admin"
	"github.com/spiretel/mutt/pkg/alerter"
	"github.com/spiretel/mutt/pkg/api"
	"github.com/spiretel/mutt/pkg/config"
	"github.com/spiretel/mutt/pkg/events"
	"github.com/spiretel/mutt/pkg/forwarder"
	"github.com/spiretel/mutt/pkg/ingestor"
	"github.com/spiretel/mutt/pkg/janitor"
	"github.com/spiretel/mutt/pkg/log"
	"github.com/spiretel/mutt/pkg/queue"
	"github.com/spiretel/mutt/pkg/remediator"
	"github.com/spiretel/mutt/pkg/secrets"
	"github.com/spiretel/mutt/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mutt",
	Short: "MUTT - event pipeline between monitoring feeds and Moogsoft",
	Long: `MUTT ingests syslog and SNMP events, classifies them against
operator-maintained rules, and delivers pages and tickets to the
Moogsoft webhook behind a shared rate limit and circuit breaker.

Each pipeline stage runs as its own subcommand (ingestor, alerter,
forwarder, remediator, admin). The remaining commands administer a
running deployment through the admin API.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"MUTT version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Service subcommands; admin client commands register themselves
	// from their own files.
	rootCmd.AddCommand(ingestorCmd)
	rootCmd.AddCommand(alerterCmd)
	rootCmd.AddCommand(forwarderCmd)
	rootCmd.AddCommand(remediatorCmd)
	rootCmd.AddCommand(adminCmd)
}

// Ingestor service
var ingestorCmd = &cobra.Command{
	Use:   "ingestor",
	Short: "Run the event ingest service",
	Long: `Run the HTTP ingest service.

The ingestor accepts events from the syslog and SNMP relays on
POST /api/v2/ingest, stamps each with a correlation id, and enqueues
it for classification. When the raw queue is at capacity it sheds
load with 503 + Retry-After instead of accepting work the pipeline
cannot absorb.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		listen, _ := cmd.Flags().GetString("listen")

		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		broker, err := connectBroker(cmd)
		if err != nil {
			return err
		}
		broker.Start()
		defer broker.Stop()

		q, err := connectQueue(ctx, cmd, broker)
		if err != nil {
			return err
		}
		defer q.Close()
		fmt.Println("✓ Queue substrate connected")

		cfgClient := config.NewClient(q)
		if err := cfgClient.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to watch config updates: %v", err)
		}
		defer cfgClient.Stop()

		keys := secrets.NewCached(broker, secrets.SecretIngestKeys, 0)
		if err := keys.Prime(ctx); err != nil {
			return fmt.Errorf("failed to load ingest API keys: %v", err)
		}
		keys.Start()
		defer keys.Stop()
		fmt.Println("✓ Ingest API keys loaded")

		svc, err := ingestor.New(ingestor.Config{
			Queue:  q,
			Config: cfgClient,
			Keys:   keys.Slot,
		})
		if err != nil {
			return fmt.Errorf("failed to create ingest service: %v", err)
		}

		srv := api.NewServer(listen, svc.Router())
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()
		fmt.Printf("✓ Ingestor listening on %s\n", listen)

		if err := awaitShutdown(errCh); err != nil {
			return err
		}

		stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := srv.Shutdown(stopCtx); err != nil {
			return fmt.Errorf("failed to drain http server: %v", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	addServiceFlags(ingestorCmd)
	ingestorCmd.Flags().String("listen", envOr("MUTT_LISTEN", ":8080"), "HTTP listen address")
}

// Alerter service
var alerterCmd = &cobra.Command{
	Use:   "alerter",
	Short: "Run the classification service",
	Long: `Run the classifier.

The alerter consumes the raw queue, matches each event against the
rule cache, writes the event audit row, and forwards paging and
ticketing alerts to the delivery queue. A janitor runs alongside the
consumer to sweep work stranded by crashed peers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		workerID := workerIdentity(cmd, "alerter")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		opsListen, _ := cmd.Flags().GetString("ops-listen")

		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		broker, err := connectBroker(cmd)
		if err != nil {
			return err
		}
		broker.Start()
		defer broker.Stop()

		q, err := connectQueue(ctx, cmd, broker)
		if err != nil {
			return err
		}
		defer q.Close()
		fmt.Println("✓ Queue substrate connected")

		db, err := openStore(ctx, cmd, broker)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Println("✓ Database connected")

		notifications := events.NewBroker()
		notifications.Start()
		defer notifications.Stop()

		cfgClient := config.NewClient(q, config.WithBroker(notifications))
		if err := cfgClient.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to watch config updates: %v", err)
		}
		defer cfgClient.Stop()

		svc, err := alerter.New(alerter.Config{
			Queue:       q,
			Store:       db,
			Config:      cfgClient,
			Broker:      notifications,
			WorkerID:    workerID,
			Concurrency: concurrency,
		})
		if err != nil {
			return fmt.Errorf("failed to create alerter: %v", err)
		}

		jan, err := janitor.New(q, janitor.Config{WorkerID: workerID})
		if err != nil {
			return fmt.Errorf("failed to create janitor: %v", err)
		}

		ops := api.NewServer(opsListen, svc.Ops())
		errCh := make(chan error, 1)
		go func() {
			errCh <- ops.Start()
		}()

		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start alerter: %v", err)
		}
		fmt.Printf("✓ Alerter consuming as worker %s\n", workerID)
		jan.Start()
		fmt.Println("✓ Janitor sweeping stranded work")

		if err := awaitShutdown(errCh); err != nil {
			return err
		}

		stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		drainErr := svc.Stop(stopCtx)
		jan.Stop()
		_ = ops.Shutdown(stopCtx)
		if drainErr != nil {
			return fmt.Errorf("failed to drain alerter: %v", drainErr)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	addServiceFlags(alerterCmd)
	addDatabaseFlag(alerterCmd)
	addWorkerFlags(alerterCmd)
	alerterCmd.Flags().String("ops-listen", ":9090", "Health and metrics listen address")
}

// Forwarder service
var forwarderCmd = &cobra.Command{
	Use:   "forwarder",
	Short: "Run the alert delivery service",
	Long: `Run the deliverer.

The forwarder consumes the alert queue and posts each alert to the
Moog webhook behind the shared circuit breaker and the shared rate
limit. Client rejections are buried in the webhook DLQ; transient
failures retry with capped backoff. A janitor runs alongside the
consumer to sweep work stranded by crashed peers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		webhookURL, _ := cmd.Flags().GetString("webhook-url")
		if webhookURL == "" {
			return fmt.Errorf("--webhook-url is required")
		}
		workerID := workerIdentity(cmd, "forwarder")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		maxInFlight, _ := cmd.Flags().GetInt("max-in-flight")
		opsListen, _ := cmd.Flags().GetString("ops-listen")

		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		broker, err := connectBroker(cmd)
		if err != nil {
			return err
		}
		broker.Start()
		defer broker.Stop()

		q, err := connectQueue(ctx, cmd, broker)
		if err != nil {
			return err
		}
		defer q.Close()
		fmt.Println("✓ Queue substrate connected")

		cfgClient := config.NewClient(q)
		if err := cfgClient.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to watch config updates: %v", err)
		}
		defer cfgClient.Stop()

		token := secrets.NewCached(broker, secrets.SecretMoogWebhook, 0)
		if err := token.Prime(ctx); err != nil {
			return fmt.Errorf("failed to load webhook token: %v", err)
		}
		token.Start()
		defer token.Stop()

		svc, err := forwarder.New(forwarder.Config{
			Queue:       q,
			Config:      cfgClient,
			WebhookURL:  webhookURL,
			Token:       token,
			WorkerID:    workerID,
			Concurrency: concurrency,
			MaxInFlight: maxInFlight,
		})
		if err != nil {
			return fmt.Errorf("failed to create forwarder: %v", err)
		}

		jan, err := janitor.New(q, janitor.Config{WorkerID: workerID})
		if err != nil {
			return fmt.Errorf("failed to create janitor: %v", err)
		}

		ops := api.NewServer(opsListen, svc.Ops())
		errCh := make(chan error, 1)
		go func() {
			errCh <- ops.Start()
		}()

		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start forwarder: %v", err)
		}
		fmt.Printf("✓ Forwarder delivering to %s as worker %s\n", webhookURL, workerID)
		jan.Start()
		fmt.Println("✓ Janitor sweeping stranded work")

		if err := awaitShutdown(errCh); err != nil {
			return err
		}

		stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		drainErr := svc.Stop(stopCtx)
		jan.Stop()
		_ = ops.Shutdown(stopCtx)
		if drainErr != nil {
			return fmt.Errorf("failed to drain forwarder: %v", drainErr)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	addServiceFlags(forwarderCmd)
	addWorkerFlags(forwarderCmd)
	forwarderCmd.Flags().String("webhook-url", os.Getenv("MUTT_WEBHOOK_URL"), "Moog webhook endpoint (required)")
	forwarderCmd.Flags().Int("max-in-flight", 0, "Cap on concurrent webhook calls (default: concurrency)")
	forwarderCmd.Flags().String("ops-listen", ":9091", "Health and metrics listen address")
}

// Remediator service
var remediatorCmd = &cobra.Command{
	Use:   "remediator",
	Short: "Run the dead-letter replay service",
	Long: `Run the remediator.

The remediator scans the dead-letter queues and replays entries back
into the pipeline with capped exponential spacing between attempts.
Entries that keep failing are promoted to the terminal quarantine.
Webhook dead letters are only replayed while the webhook answers its
health probe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		webhookURL, _ := cmd.Flags().GetString("webhook-url")
		if webhookURL == "" {
			return fmt.Errorf("--webhook-url is required")
		}
		opsListen, _ := cmd.Flags().GetString("ops-listen")

		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		broker, err := connectBroker(cmd)
		if err != nil {
			return err
		}
		broker.Start()
		defer broker.Stop()

		q, err := connectQueue(ctx, cmd, broker)
		if err != nil {
			return err
		}
		defer q.Close()
		fmt.Println("✓ Queue substrate connected")

		cfgClient := config.NewClient(q)
		if err := cfgClient.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to watch config updates: %v", err)
		}
		defer cfgClient.Stop()

		svc, err := remediator.New(remediator.Config{
			Queue:      q,
			Config:     cfgClient,
			WebhookURL: webhookURL,
		})
		if err != nil {
			return fmt.Errorf("failed to create remediator: %v", err)
		}

		ops := api.NewServer(opsListen, svc.Ops())
		errCh := make(chan error, 1)
		go func() {
			errCh <- ops.Start()
		}()

		svc.Start()
		fmt.Println("✓ Remediator scanning dead letters")

		if err := awaitShutdown(errCh); err != nil {
			return err
		}

		stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		svc.Stop()
		_ = ops.Shutdown(stopCtx)
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	addServiceFlags(remediatorCmd)
	remediatorCmd.Flags().String("webhook-url", os.Getenv("MUTT_WEBHOOK_URL"), "Moog webhook endpoint, probed before replay (required)")
	remediatorCmd.Flags().String("ops-listen", ":9092", "Health and metrics listen address")
}

// Admin service
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Run the admin API service",
	Long: `Run the admin API.

The admin service is the configuration surface: rule CRUD, dev-host
and team management, dynamic config, audit queries, SLO reporting,
and queue operations. Every mutation writes its audit row in the
same transaction and publishes a change notification so pipeline
caches converge without restarts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		listen, _ := cmd.Flags().GetString("listen")

		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		broker, err := connectBroker(cmd)
		if err != nil {
			return err
		}
		broker.Start()
		defer broker.Stop()

		q, err := connectQueue(ctx, cmd, broker)
		if err != nil {
			return err
		}
		defer q.Close()
		fmt.Println("✓ Queue substrate connected")

		db, err := openStore(ctx, cmd, broker)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Println("✓ Database connected")

		cfgClient := config.NewClient(q)
		if err := cfgClient.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to watch config updates: %v", err)
		}
		defer cfgClient.Stop()

		keys := secrets.NewCached(broker, secrets.SecretAdminKeys, 0)
		if err := keys.Prime(ctx); err != nil {
			return fmt.Errorf("failed to load admin API keys: %v", err)
		}
		keys.Start()
		defer keys.Stop()
		fmt.Println("✓ Admin API keys loaded")

		svc, err := admin.New(admin.Config{
			Store:  db,
			Queue:  q,
			Config: cfgClient,
			Keys:   keys.Slot,
		})
		if err != nil {
			return fmt.Errorf("failed to create admin service: %v", err)
		}
		svc.Start()

		srv := api.NewServer(listen, svc.Router())
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()
		fmt.Printf("✓ Admin API listening on %s\n", listen)

		if err := awaitShutdown(errCh); err != nil {
			return err
		}

		stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		drainErr := srv.Shutdown(stopCtx)
		svc.Stop()
		if drainErr != nil {
			return fmt.Errorf("failed to drain http server: %v", drainErr)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	addServiceFlags(adminCmd)
	addDatabaseFlag(adminCmd)
	adminCmd.Flags().String("listen", envOr("MUTT_LISTEN", ":8081"), "HTTP listen address")
}

// addServiceFlags registers the flags every service subcommand takes
func addServiceFlags(cmd *cobra.Command) {
	cmd.Flags().String("redis-addr", envOr("MUTT_REDIS_ADDR", "localhost:6379"), "Queue substrate address")
	cmd.Flags().String("secrets-addr", os.Getenv("MUTT_SECRETS_ADDR"), "Secrets broker URL (empty: credentials from environment)")
	cmd.Flags().String("log-level", envOr("MUTT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("json-logs", false, "Emit JSON logs instead of console output")
}

func addDatabaseFlag(cmd *cobra.Command) {
	cmd.Flags().String("database-url", os.Getenv("MUTT_DATABASE_URL"), "PostgreSQL DSN, used when the broker carries no database credential")
}

func addWorkerFlags(cmd *cobra.Command) {
	cmd.Flags().String("worker-id", "", "Stable worker identity (default: <service>-<hostname>-<pid>)")
	cmd.Flags().Int("concurrency", 4, "Concurrent pipeline workers")
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonLogs})
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// workerIdentity returns the --worker-id flag, or a host-and-pid
// derived identity unique to this process. The janitor shares the
// consumer's identity so it never sweeps its own staging list.
func workerIdentity(cmd *cobra.Command, service string) string {
	workerID, _ := cmd.Flags().GetString("worker-id")
	if workerID != "" {
		return workerID
	}
	host, err := os.Hostname()
	if err != nil {
		host = "local"
	}
	return fmt.Sprintf("%s-%s-%d", service, host, os.Getpid())
}

// connectBroker builds the secrets broker: the real client when
// --secrets-addr is set, otherwise static values from the environment.
func connectBroker(cmd *cobra.Command) (*secrets.Broker, error) {
	addr, _ := cmd.Flags().GetString("secrets-addr")
	if addr == "" {
		return secrets.StaticFromEnv(), nil
	}
	broker, err := secrets.New(&secrets.Config{
		Addr:     addr,
		RoleID:   os.Getenv("MUTT_SECRETS_ROLE_ID"),
		SecretID: os.Getenv("MUTT_SECRETS_SECRET_ID"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to secrets broker: %v", err)
	}
	return broker, nil
}

func connectQueue(ctx context.Context, cmd *cobra.Command, broker *secrets.Broker) (*queue.Client, error) {
	addr, _ := cmd.Flags().GetString("redis-addr")
	slot, err := broker.Fetch(ctx, secrets.SecretQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch queue credentials: %v", err)
	}
	q, err := queue.New(&queue.Config{
		Addr:         addr,
		Password:     slot.Current,
		NextPassword: slot.Next,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to queue substrate: %v", err)
	}
	return q, nil
}

// openStore connects to PostgreSQL. The broker's credential wins over
// --database-url so rotations do not depend on flag changes.
func openStore(ctx context.Context, cmd *cobra.Command, broker *secrets.Broker) (*store.Postgres, error) {
	flagDSN, _ := cmd.Flags().GetString("database-url")
	slot, err := broker.Fetch(ctx, secrets.SecretDatabase)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch database credentials: %v", err)
	}
	dsn := slot.Current
	if dsn == "" {
		dsn = flagDSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("no database credentials: set --database-url or MUTT_DATABASE_DSN")
	}
	db, err := store.New(&store.Config{DSN: dsn, NextDSN: slot.Next})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}
	return db, nil
}

// awaitShutdown blocks until an interrupt arrives or a server fails
func awaitShutdown(errCh <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
		return nil
	case err := <-errCh:
		return err
	}
}
