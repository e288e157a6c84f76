package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CarePipe/internal/api"
	"github.com/BTreeMap/CarePipe/internal/contact"
	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/lockfile"
	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/prefill"
	"github.com/BTreeMap/CarePipe/internal/scheduler"
	"github.com/BTreeMap/CarePipe/internal/script"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CarePipe state data
	DefaultStateDir = "/var/lib/carepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "carepipe.db"
	// DefaultNotifyInterval is how often the team notification queue is drained
	DefaultNotifyInterval = 5 * time.Second
	// DefaultSessionIdleTTL is how long an untouched session stays in memory
	DefaultSessionIdleTTL = 30 * time.Minute
	// maintenance job schedules
	evictSchedule        = "@every 5m"
	releaseClaimSchedule = "@every 10m"
	queueGaugeSchedule   = "@every 1m"
	pruneTurnsSchedule   = "@hourly"
	// turnRetention is how long a client turn id is remembered
	turnRetention = 24 * time.Hour
)

func main() {
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CarePipe")
	if err := run(ctx, flags); err != nil {
		slog.Error("CarePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CarePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir               string
	DatabaseURL            string
	OpenAIKey              string
	OpenAIModel            string
	APIAddr                string
	AllowedOrigins         string
	ChatMode               string
	ChatTemperature        float64
	ChatFallbackThreshold  int
	RegistrationBaseURL    string
	RepresentativeWhatsApp string
	TwilioAccountSID       string
	TwilioAuthToken        string
	TwilioFromNumber       string
	SessionIdleTTL         time.Duration
	NotifyMaxAttempts      int
	LogLevel               string
}

// Flags holds resolved command line values
type Flags struct {
	stateDir               string
	dbDSN                  string
	openaiKey              string
	openaiModel            string
	apiAddr                string
	allowedOrigins         string
	chatMode               string
	chatTemperature        float64
	chatFallbackThreshold  int
	registrationBaseURL    string
	representativeWhatsApp string
	twilioAccountSID       string
	twilioAuthToken        string
	twilioFromNumber       string
	sessionIdleTTL         time.Duration
	notifyMaxAttempts      int
	logLevel               string
}

// initializeLogger sets up structured logging at the requested level
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	slog.Debug("logger initialized", "level", lvl)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	defaults := models.DefaultChatConfig()
	config := Config{
		StateDir:               os.Getenv("CAREPIPE_STATE_DIR"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		OpenAIKey:              os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:            os.Getenv("OPENAI_MODEL"),
		APIAddr:                os.Getenv("API_ADDR"),
		AllowedOrigins:         os.Getenv("CAREPIPE_ALLOWED_ORIGINS"),
		ChatMode:               os.Getenv("CHAT_MODE"),
		ChatTemperature:        util.ParseFloatEnv("CHAT_TEMPERATURE", defaults.Temperature),
		ChatFallbackThreshold:  util.ParseIntEnv("CHAT_FALLBACK_THRESHOLD", defaults.FallbackThreshold),
		RegistrationBaseURL:    os.Getenv("REGISTRATION_BASE_URL"),
		RepresentativeWhatsApp: os.Getenv("REPRESENTATIVE_WHATSAPP"),
		TwilioAccountSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:        os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:       os.Getenv("TWILIO_FROM_NUMBER"),
		SessionIdleTTL:         util.ParseDurationEnv("SESSION_IDLE_TTL", DefaultSessionIdleTTL),
		NotifyMaxAttempts:      util.ParseIntEnv("NOTIFY_MAX_ATTEMPTS", store.DefaultSenderMaxAttempts),
		LogLevel:               os.Getenv("LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CAREPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.ChatMode == "" {
		config.ChatMode = string(defaults.Mode)
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	slog.Debug("environment variables loaded",
		"CAREPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"CHAT_MODE", config.ChatMode,
		"REPRESENTATIVE_WHATSAPP_SET", config.RepresentativeWhatsApp != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "")
	return config
}

// parseCommandLineFlags parses args with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("carepipe", flag.ContinueOnError)
	var f Flags
	fs.StringVar(&f.stateDir, "state-dir", config.StateDir, "state directory for CarePipe data (overrides $CAREPIPE_STATE_DIR)")
	fs.StringVar(&f.dbDSN, "db-dsn", config.DatabaseURL, "database DSN, a SQLite path or Postgres URL (overrides $DATABASE_URL)")
	fs.StringVar(&f.openaiKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.openaiModel, "openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&f.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.allowedOrigins, "allowed-origins", config.AllowedOrigins, "comma-separated WebSocket origin patterns (overrides $CAREPIPE_ALLOWED_ORIGINS)")
	fs.StringVar(&f.chatMode, "chat-mode", config.ChatMode, "initial chat mode: ai, scripted or hybrid (overrides $CHAT_MODE)")
	fs.Float64Var(&f.chatTemperature, "chat-temperature", config.ChatTemperature, "AI sampling temperature (overrides $CHAT_TEMPERATURE)")
	fs.IntVar(&f.chatFallbackThreshold, "chat-fallback-threshold", config.ChatFallbackThreshold, "AI failures before hybrid mode falls back (overrides $CHAT_FALLBACK_THRESHOLD)")
	fs.StringVar(&f.registrationBaseURL, "registration-base-url", config.RegistrationBaseURL, "origin of the registration pages (overrides $REGISTRATION_BASE_URL)")
	fs.StringVar(&f.representativeWhatsApp, "representative-whatsapp", config.RepresentativeWhatsApp, "representative WhatsApp number (overrides $REPRESENTATIVE_WHATSAPP)")
	fs.StringVar(&f.twilioAccountSID, "twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)")
	fs.StringVar(&f.twilioAuthToken, "twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)")
	fs.StringVar(&f.twilioFromNumber, "twilio-from-number", config.TwilioFromNumber, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)")
	fs.DurationVar(&f.sessionIdleTTL, "session-idle-ttl", config.SessionIdleTTL, "how long an idle session stays in memory (overrides $SESSION_IDLE_TTL)")
	fs.IntVar(&f.notifyMaxAttempts, "notify-max-attempts", config.NotifyMaxAttempts, "delivery attempts before a team notification is dropped (overrides $NOTIFY_MAX_ATTEMPTS)")
	fs.StringVar(&f.logLevel, "log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// A moved state dir carries the default SQLite file with it.
	if f.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && f.stateDir != config.StateDir {
		f.dbDSN = filepath.Join(f.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", f.stateDir)
	}
	return f, nil
}

// ensureDirectoriesExist creates the directory of a file-based DSN
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(flags.dbDSN) == "postgres" {
		return nil
	}
	dir := filepath.Dir(flags.dbDSN)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return append(storeOpts, store.WithPostgresDSN(flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", flags.dbDSN)
	return append(storeOpts, store.WithSQLiteDSN(flags.dbDSN))
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.openaiKey))
	}
	if flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(flags.openaiModel))
	}
	return genaiOpts
}

// buildNotifierOptions constructs Twilio notifier options
func buildNotifierOptions(flags Flags) []contact.Option {
	var opts []contact.Option
	if flags.twilioAccountSID != "" {
		opts = append(opts, contact.WithAccountSID(flags.twilioAccountSID))
	}
	if flags.twilioAuthToken != "" {
		opts = append(opts, contact.WithAuthToken(flags.twilioAuthToken))
	}
	if flags.twilioFromNumber != "" {
		opts = append(opts, contact.WithFrom(flags.twilioFromNumber))
	}
	if flags.representativeWhatsApp != "" {
		opts = append(opts, contact.WithTo(flags.representativeWhatsApp))
	}
	return opts
}

// buildChatConfig turns the chat flags into a validated configuration
func buildChatConfig(flags Flags) (models.ChatConfig, error) {
	cfg := models.ChatConfig{
		Mode:              models.ChatMode(strings.ToLower(strings.TrimSpace(flags.chatMode))),
		Temperature:       flags.chatTemperature,
		FallbackThreshold: flags.chatFallbackThreshold,
	}
	if err := cfg.Validate(); err != nil {
		return models.ChatConfig{}, fmt.Errorf("chat configuration: %w", err)
	}
	return cfg, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.apiAddr))
	}
	if flags.allowedOrigins != "" {
		var origins []string
		for _, o := range strings.Split(flags.allowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		apiOpts = append(apiOpts, api.WithAllowedOrigins(origins))
	}
	return apiOpts
}

// run wires every module and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, flags Flags) error {
	chatCfg, err := buildChatConfig(flags)
	if err != nil {
		return err
	}
	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}

	lock, err := lockfile.AcquireLock(flags.stateDir, flags.apiAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	m := metrics.New()
	table := script.Default()
	bridge := prefill.NewBridge(st, table, prefill.WithBaseURL(flags.registrationBaseURL))
	dispatcher := contact.NewDispatcher()
	channel := contact.NewChannel(flags.representativeWhatsApp, st, dispatcher)

	deps := flow.Dependencies{
		Questions: table,
		State:     flow.NewStoreBasedStateManager(st),
		Responses: st,
		Prefill:   bridge,
		Contact:   channel,
		Metrics:   m,
	}
	var aiStatus api.AIStatus
	if client, err := genai.NewClient(buildGenAIOptions(flags)...); err != nil {
		if errors.Is(err, genai.ErrAPIKeyMissing) {
			slog.Warn("No OpenAI API key configured, AI replies disabled")
		} else {
			return fmt.Errorf("create genai client: %w", err)
		}
	} else {
		deps.Completer = client
		aiStatus = client
	}

	engine, err := flow.NewEngine(ctx, deps, flow.WithChatConfig(chatCfg))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	var notifier contact.Notifier
	if tn, err := contact.NewTwilioNotifier(buildNotifierOptions(flags)...); err != nil {
		slog.Warn("Twilio not configured, representative notifications are logged only", "reason", err)
		notifier = &contact.MockNotifier{}
	} else {
		notifier = tn
	}
	sender := store.NewNotificationSender(st, contact.Deliver(notifier),
		store.WithSenderInterval(DefaultNotifyInterval),
		store.WithMaxAttempts(flags.notifyMaxAttempts),
		store.WithDeliveryObserver(func(n store.Notification, outcome store.DeliveryOutcome, err error) {
			m.RecordNotification(string(outcome))
		}),
	)
	if _, err := sender.ReleaseStale(); err != nil {
		slog.Error("failed to release stale notification claims", "error", err)
	}

	apiOpts := append(buildAPIOptions(flags),
		api.WithTurnLedger(st),
		api.WithPrefillReader(bridge),
		api.WithDispatcher(dispatcher),
		api.WithMetrics(m),
		api.WithNotificationCounter(st),
	)
	if aiStatus != nil {
		apiOpts = append(apiOpts, api.WithAIStatus(aiStatus))
	}
	server := api.NewServer(engine, apiOpts...)

	sched, err := buildMaintenance(engine, sender, st, m, flags.sessionIdleTTL)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return sender.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	return g.Wait()
}

// buildMaintenance schedules idle-session eviction, stale claim release, the
// notification queue gauge and turn ledger pruning.
func buildMaintenance(engine *flow.Engine, sender *store.NotificationSender, st store.Store, m *metrics.Metrics, idle time.Duration) (*scheduler.Scheduler, error) {
	if idle <= 0 {
		idle = DefaultSessionIdleTTL
	}
	sched := scheduler.NewScheduler()
	jobs := []struct {
		name, spec string
		task       func()
	}{
		{"evict-idle-sessions", evictSchedule, func() {
			if n := engine.EvictIdle(idle); n > 0 {
				slog.Debug("evicted idle sessions", "count", n)
			}
		}},
		{"release-stale-claims", releaseClaimSchedule, func() {
			if _, err := sender.ReleaseStale(); err != nil {
				slog.Error("failed to release stale notification claims", "error", err)
			}
		}},
		{"notification-queue-gauge", queueGaugeSchedule, func() {
			counts, err := st.CountNotifications()
			if err != nil {
				slog.Error("failed to count notifications", "error", err)
				return
			}
			byStatus := make(map[string]int, len(counts))
			for status, n := range counts {
				byStatus[string(status)] = n
			}
			m.SetNotificationQueue(byStatus)
		}},
		{"prune-turn-ledger", pruneTurnsSchedule, func() {
			if _, err := st.PruneTurns(time.Now().Add(-turnRetention)); err != nil {
				slog.Error("failed to prune turn ledger", "error", err)
			}
		}},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.name, j.spec, j.task); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
