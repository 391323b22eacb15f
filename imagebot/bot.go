package imagebot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// ImageBot ties together the discord session, the imagine pipeline,
// the audit database and the status API.
type ImageBot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	// prevents concurrent runs
	runMu     sync.Mutex
	startedAt time.Time

	dbMu sync.RWMutex
	db   DBI

	backend    *ImageBackend
	generator  *RetryController
	imaginer   *Imaginer
	dispatcher *Dispatcher
	discord    *Discord
	api        *API
	metrics    *botMetrics

	// handlerWG tracks discord event handlers, so shutdown can wait on them
	handlerWG sync.WaitGroup
}

// New builds an ImageBot from config. Nothing is opened or connected
// until Run is called.
func New(config *Config) (*ImageBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	if config.Image == nil || config.Discord == nil || config.API == nil {
		errs = append(
			errs,
			fmt.Errorf("%w: image, discord and api sections are required", ErrConfiguration),
		)
		return nil, errors.Join(errs...)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &ImageBot{
		config:  config,
		metrics: newBotMetrics(),
	}

	b.logHandler = newTintHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newTintHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	imageHandler := newTintHandler(config.Image.LogLevel)
	b.backend = NewImageBackend(
		config.Image,
		config.HTTPClient,
		newComponentLogger(imageHandler, "image_backend"),
	)
	b.backend.metrics = b.metrics

	b.generator = NewRetryController(
		b.backend,
		b.backend.Decoder(),
		config.Image,
		newComponentLogger(imageHandler, "retry"),
	)
	b.generator.metrics = b.metrics

	config.Discord.httpClient = config.HTTPClient
	disc := newDiscord(
		config.Discord,
		newComponentLogger(newTintHandler(config.Discord.LogLevel), "discord"),
	)
	disc.metrics = b.metrics
	disc.runHandler = b.trackHandler
	b.discord = disc

	b.imaginer = NewImaginer(
		disc,
		b.generator,
		config.Image,
		newComponentLogger(imageHandler, "imagine"),
	)
	b.imaginer.metrics = b.metrics

	b.dispatcher = NewDispatcher(disc, b.imaginer, b.logger.With(loggerNameKey, "dispatch"))
	b.dispatcher.metrics = b.metrics
	b.dispatcher.botUserID = disc.BotUserID
	disc.dispatcher = b.dispatcher

	if config.API.Enabled {
		b.api = newAPI(
			b,
			config.API,
			newComponentLogger(newTintHandler(config.API.LogLevel), "api"),
		)
	}

	return b, errors.Join(errs...)
}

// newTintHandler returns a tint handler writing to defaultLogWriter. A
// nil level uses tint's default (info).
func newTintHandler(level *slog.LevelVar) slog.Handler {
	opts := &tint.Options{AddSource: true}
	if level != nil {
		opts.Level = level
	}
	return tint.NewHandler(defaultLogWriter, opts)
}

// NewImageGenerator builds the backend client and retry controller
// for config, without discord or a database. The `generate` command
// uses it to run the pipeline from a terminal.
func NewImageGenerator(
	config *ImageConfig,
	client *http.Client,
	logger *slog.Logger,
) (*RetryController, error) {
	if err := ValidateImageConfig(config); err != nil {
		return nil, err
	}
	if !config.Configured() {
		return nil, fmt.Errorf("%w: image token not set", ErrConfiguration)
	}
	backend := NewImageBackend(config, client, logger)
	return NewRetryController(backend, backend.Decoder(), config, logger), nil
}

// ValidateConfig validates the bot's Config
func (b *ImageBot) ValidateConfig() error {
	if err := structValidator.Struct(b.config); err != nil {
		return err
	}
	if b.config.ShutdownTimeout > 0 {
		backoff := b.config.Image.WorstCaseBackoff()
		if backoff >= b.config.ShutdownTimeout {
			return fmt.Errorf(
				"image backoff can wait up to %s, which exceeds shutdown_timeout (%s)",
				backoff,
				b.config.ShutdownTimeout,
			)
		}
	}
	return nil
}

// DB returns the audit database, or nil before Run has opened it
func (b *ImageBot) DB() DBI {
	b.dbMu.RLock()
	defer b.dbMu.RUnlock()
	return b.db
}

func (b *ImageBot) setDB(db DBI) {
	b.dbMu.Lock()
	defer b.dbMu.Unlock()
	b.db = db
	b.imaginer.db = db
}

// trackHandler runs fn in a new goroutine, counted in handlerWG
func (b *ImageBot) trackHandler(fn func()) {
	b.handlerWG.Add(1)
	go func() {
		defer b.handlerWG.Done()
		fn()
	}()
}

// Run opens the database, connects to discord, registers slash commands
// and serves the status API, until ctx is canceled. Generations that
// are still running at that point get up to ShutdownTimeout to finish.
func (b *ImageBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	if !b.config.Image.Configured() {
		logger.WarnContext(
			ctx,
			"no image token configured, /imagine will reply with a configuration error",
		)
	}

	startupTimeout := b.config.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = DefaultStartupTimeout
	}
	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	defer startCancel()

	if err := b.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "error initializing database", tint.Err(err))
		return err
	}

	// handlers get a context that isn't canceled with ctx, so a
	// generation in its backoff sequence can still finish during shutdown
	handlerCtx, handlerCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer handlerCancel()

	if err := b.initDiscordSession(startCtx, handlerCtx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		b.closeDB()
		return err
	}
	startCancel()
	logger.InfoContext(ctx, "init complete", "startup", time.Since(b.startedAt))

	g, gctx := errgroup.WithContext(ctx)
	if b.api != nil {
		g.Go(
			func() error {
				return b.api.Serve(gctx)
			},
		)
	}
	g.Go(
		func() error {
			<-gctx.Done()
			return b.shutdown(ctx, handlerCancel)
		},
	)
	return g.Wait()
}

func (b *ImageBot) initDB(ctx context.Context) error {
	logger := contextLoggerOr(ctx, b.logger)

	gormLogger := newGORMLogger(
		newTintHandler(b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	if b.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return fmt.Errorf("error configuring sqlite: %w", err)
		}
	}

	logger.DebugContext(ctx, "migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.DebugContext(ctx, "finished migrating database")

	b.setDB(NewDatabase(db, logger, b.config.DatabaseType == dbTypePostgres))
	return nil
}

// initDiscordSession opens the gateway session and registers commands.
// Event handlers receive handlerCtx.
func (b *ImageBot) initDiscordSession(startCtx, handlerCtx context.Context) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	b.discord.addHandlers(handlerCtx)
	if err := b.discord.session.Open(); err != nil {
		b.discord.removeHandlers()
		return fmt.Errorf("error opening discord session: %w", err)
	}

	commands, err := b.discord.registerCommands(startCtx)
	if err != nil {
		b.discord.removeHandlers()
		if closeErr := b.discord.session.Close(); closeErr != nil {
			b.logger.Error("error closing discord session", tint.Err(closeErr))
		}
		return err
	}
	for _, cmd := range commands {
		b.logger.Info("registered command", "name", cmd.Name, "id", cmd.ID)
	}
	return nil
}

// shutdown stops accepting new events, waits up to ShutdownTimeout for
// running handlers and generations, then closes the discord session
// and the database.
func (b *ImageBot) shutdown(ctx context.Context, cancelHandlers context.CancelFunc) error {
	logger := contextLoggerOr(ctx, b.logger)
	logger.WarnContext(
		ctx,
		"shutting down",
		"generations_in_progress", b.imaginer.InProgress(),
	)

	b.discord.removeHandlers()

	timeout := b.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	done := make(chan struct{})
	go func() {
		b.handlerWG.Wait()
		b.dispatcher.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoContext(ctx, "handlers finished")
	case <-time.After(timeout):
		logger.WarnContext(
			ctx,
			"timed out waiting for handlers, canceling",
			"generations_in_progress", b.imaginer.InProgress(),
		)
	}
	cancelHandlers()

	var errs []error
	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}
	b.closeDB()

	logger.InfoContext(ctx, "shutdown complete", "uptime", time.Since(b.startedAt))
	return errors.Join(errs...)
}

func (b *ImageBot) closeDB() {
	db := b.DB()
	if db == nil {
		return
	}
	sqlDB, err := db.DB().DB()
	if err != nil {
		b.logger.Error("error getting database connection", tint.Err(err))
		return
	}
	if err = sqlDB.Close(); err != nil {
		b.logger.Error("error closing database", tint.Err(err))
	}
}
