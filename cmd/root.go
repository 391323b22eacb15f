package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/saryassepto/towns-image-generator-bot/imagebot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = imagebot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"image.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "imagebot [flags]",
	Short: "Discord bot that turns prompts into images",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// unmarshalConfig decodes viper's settings into c. Fields are zeroed
// first, so a configured list replaces the default list rather than
// overwriting its leading entries.
func unmarshalConfig(c *imagebot.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
		zeroFields,
	)
}

func zeroFields(dc *mapstructure.DecoderConfig) {
	dc.ZeroFields = true
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes strings like "INFO" into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", imagebot.DefaultDatabase)
	viper.SetDefault("database_type", imagebot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", imagebot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", imagebot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", imagebot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", imagebot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", imagebot.DefaultShutdownTimeout)

	// Image backend
	viper.SetDefault("image.token", "")
	viper.SetDefault("image.provider", string(imagebot.DefaultImageProvider))
	viper.SetDefault("image.endpoint", "")
	viper.SetDefault("image.model", "")
	viper.SetDefault("image.max_attempts", imagebot.DefaultImageMaxAttempts)
	viper.SetDefault("image.base_delay", imagebot.DefaultImageBaseDelay)
	viper.SetDefault("image.request_timeout", imagebot.DefaultImageRequestTimeout)
	viper.SetDefault("image.log_level", imagebot.DefaultImageLogLevel.String())

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", imagebot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		imagebot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(imagebot.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.startup_message", imagebot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", imagebot.DefaultDiscordCustomStatus)

	// Status API
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.listen", imagebot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", imagebot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", imagebot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", imagebot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", imagebot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", imagebot.DefaultIdleTimeout)

	// Status API: CORS
	viper.SetDefault("api.cors.allow_headers", imagebot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", imagebot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", imagebot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", imagebot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", imagebot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(imagebot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = imagebot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from (default .env)",
	)
}
