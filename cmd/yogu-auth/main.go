package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Loongphy/yogu-chat-app/internal/authflow"
	"github.com/Loongphy/yogu-chat-app/internal/browser"
	"github.com/Loongphy/yogu-chat-app/internal/journal"
	"github.com/Loongphy/yogu-chat-app/pkg/tokeninspect"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var openBrowser authflow.BrowserOpener = browser.Open

var buildLogger = func() (*zap.Logger, error) {
	return zap.NewProduction()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "yogu-auth",
		Short:        "Sign the Yogu desktop app in through the system browser",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("journal_url", "", "Session history database (sqlite:// or postgres://); when empty, login keeps history in memory only and history has nothing to read")

	loginCmd := &cobra.Command{
		Use:     "login",
		Short:   "Open the consent page and print the signed-in user_id and access_token as JSON",
		PreRunE: prepareLoginConfig,
		RunE:    runLogin,
	}
	loginCmd.Flags().String("consent_url", authflow.DefaultConsentURL, "Consent page the browser is sent to")
	loginCmd.Flags().String("bind_address", "127.0.0.1", "Loopback address for the callback listener")
	loginCmd.Flags().Duration("preempt_grace", authflow.DefaultPreemptGrace, "Wait for a previous listener to release its port")
	loginCmd.Flags().Duration("timeout", 0, "Give up waiting for the browser after this long; 0 waits indefinitely")
	loginCmd.Flags().Duration("shutdown_timeout", 5*time.Second, "Time allowed for the callback response to flush")
	loginCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Origins allowed to deliver the callback with fetch()")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent sign-in sessions as JSON lines",
		RunE:  runHistory,
	}
	historyCmd.Flags().Int("history_limit", 20, "Maximum number of sessions to print")

	_ = viper.BindPFlag("journal_url", rootCmd.PersistentFlags().Lookup("journal_url"))
	_ = viper.BindPFlag("consent_url", loginCmd.Flags().Lookup("consent_url"))
	_ = viper.BindPFlag("bind_address", loginCmd.Flags().Lookup("bind_address"))
	_ = viper.BindPFlag("preempt_grace", loginCmd.Flags().Lookup("preempt_grace"))
	_ = viper.BindPFlag("timeout", loginCmd.Flags().Lookup("timeout"))
	_ = viper.BindPFlag("shutdown_timeout", loginCmd.Flags().Lookup("shutdown_timeout"))
	_ = viper.BindPFlag("cors_allowed_origins", loginCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("history_limit", historyCmd.Flags().Lookup("history_limit"))

	viper.SetEnvPrefix("YOGU")
	viper.AutomaticEnv()

	rootCmd.AddCommand(loginCmd, historyCmd)
	return rootCmd
}

const (
	configCodeInvalidConsentURL      = "config.invalid_consent_url"
	configCodeInvalidBindAddress     = "config.invalid_bind_address"
	configCodeInvalidTimeout         = "config.invalid_timeout"
	configCodeInvalidShutdownTimeout = "config.invalid_shutdown_timeout"
	configCodeUninitializedLoginConf = "config.uninitialized_login_config"
	configCodeMissingJournalURL      = "config.missing_journal_url"
)

type contextKey string

const loginConfigContextKey contextKey = "loginConfig"

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func prepareLoginConfig(command *cobra.Command, arguments []string) error {
	loginConfig, loadErr := LoadLoginConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, loginConfigContextKey, loginConfig))
	return nil
}

// LoadLoginConfig reads and validates the sign-in settings from viper.
func LoadLoginConfig() (authflow.Config, error) {
	loginConfig := authflow.DefaultConfig()

	if consentURL := viper.GetString("consent_url"); consentURL != "" {
		if _, err := authflow.ParseConsentURL(consentURL); err != nil {
			return authflow.Config{}, configError(configCodeInvalidConsentURL, "consent_url must be an absolute https URL")
		}
		loginConfig.ConsentURL = consentURL
	}

	if bindAddress := viper.GetString("bind_address"); bindAddress != "" {
		bindIP := net.ParseIP(bindAddress)
		if bindIP == nil || !bindIP.IsLoopback() {
			return authflow.Config{}, configError(configCodeInvalidBindAddress, "bind_address must be a loopback IP address")
		}
		loginConfig.BindAddress = bindAddress
	}

	if preemptGrace := viper.GetDuration("preempt_grace"); preemptGrace > 0 {
		loginConfig.PreemptGrace = preemptGrace
	}

	timeout := viper.GetDuration("timeout")
	if timeout < 0 {
		return authflow.Config{}, configError(configCodeInvalidTimeout, "timeout must not be negative")
	}
	loginConfig.Timeout = timeout

	if viper.IsSet("shutdown_timeout") {
		shutdownTimeout := viper.GetDuration("shutdown_timeout")
		if shutdownTimeout <= 0 {
			return authflow.Config{}, configError(configCodeInvalidShutdownTimeout, "shutdown_timeout must be greater than zero")
		}
		loginConfig.ShutdownTimeout = shutdownTimeout
	}

	loginConfig.AllowedOrigins = viper.GetStringSlice("cors_allowed_origins")
	return loginConfig, nil
}

func runLogin(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(loginConfigContextKey)
	}
	loginConfig, ok := contextValue.(authflow.Config)
	if !ok {
		return configError(configCodeUninitializedLoginConf, "login configuration not prepared; PreRunE must execute before RunE")
	}

	gin.SetMode(gin.ReleaseMode)

	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	history, driver, journalErr := journal.Open(commandContext, viper.GetString("journal_url"))
	if journalErr != nil {
		return journalErr
	}
	logger.Debug("session journal ready", zap.String("driver", driver))

	metricsRecorder := authflow.NewCounterMetrics()
	authenticator, newErr := authflow.New(loginConfig, openBrowser,
		authflow.WithLogger(logger),
		authflow.WithMetrics(metricsRecorder),
		authflow.WithJournal(history),
		authflow.WithConsentURLHandler(func(consentURL string) {
			_, _ = fmt.Fprintln(command.ErrOrStderr(), consentURL)
		}),
	)
	if newErr != nil {
		return newErr
	}

	signalContext, stopSignals := signal.NotifyContext(commandContext, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	result, runErr := authenticator.Run(signalContext)
	logger.Debug("sign-in counters", zap.Any("counts", metricsRecorder.Snapshot()))
	if runErr != nil {
		return runErr
	}

	reportTokenShape(logger, result)
	return json.NewEncoder(command.OutOrStdout()).Encode(result)
}

func reportTokenShape(logger *zap.Logger, result authflow.Result) {
	summary, inspectErr := tokeninspect.Inspect(result.AccessToken)
	if inspectErr != nil {
		logger.Debug("access token is opaque", zap.Error(inspectErr))
		return
	}
	clock := tokeninspect.SystemClock()
	if summary.Expired(clock) {
		logger.Warn("access token already expired",
			zap.String("code", "login.token_expired"),
			zap.Time("expires_at", summary.ExpiresAt))
	}
	if identity := summary.Identity(); identity != "" && identity != result.UserID {
		logger.Warn("access token issued for a different user",
			zap.String("code", "login.identity_mismatch"),
			zap.String("user_id", result.UserID),
			zap.String("token_identity", identity))
	}
	if remaining := summary.ExpiresIn(clock); remaining > 0 {
		logger.Info("access token received", zap.Duration("expires_in", remaining))
	}
}

func runHistory(command *cobra.Command, arguments []string) error {
	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	journalURL := viper.GetString("journal_url")
	if journalURL == "" {
		return configError(configCodeMissingJournalURL, "history requires journal_url to name a sqlite:// or postgres:// database")
	}
	history, _, journalErr := journal.Open(ctx, journalURL)
	if journalErr != nil {
		return journalErr
	}
	records, recentErr := history.Recent(ctx, viper.GetInt("history_limit"))
	if recentErr != nil {
		return recentErr
	}
	encoder := json.NewEncoder(command.OutOrStdout())
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return err
		}
	}
	return nil
}
