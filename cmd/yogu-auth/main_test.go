package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Loongphy/yogu-chat-app/internal/authflow"
	"github.com/Loongphy/yogu-chat-app/internal/journal"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func withOpenBrowserStub(t *testing.T, stub authflow.BrowserOpener) {
	t.Helper()
	original := openBrowser
	openBrowser = stub
	t.Cleanup(func() { openBrowser = original })
}

func withTestLogger(t *testing.T) {
	t.Helper()
	original := buildLogger
	buildLogger = func() (*zap.Logger, error) { return zaptest.NewLogger(t), nil }
	t.Cleanup(func() { buildLogger = original })
}

// redirectingBrowser answers the consent URL by calling the loopback listener with rawQuery.
func redirectingBrowser(t *testing.T, rawQuery string) authflow.BrowserOpener {
	return func(target string) error {
		parsed, err := url.Parse(target)
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(parsed.Query().Get(authflow.PortQueryParam))
		if err != nil {
			return err
		}
		go func() {
			client := &http.Client{Timeout: 5 * time.Second}
			response, requestErr := client.Get(fmt.Sprintf("http://127.0.0.1:%d/?%s", port, rawQuery))
			if requestErr != nil {
				t.Errorf("callback request failed: %v", requestErr)
				return
			}
			_, _ = io.Copy(io.Discard, response.Body)
			_ = response.Body.Close()
		}()
		return nil
	}
}

func executeRoot(arguments ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	rootCmd := newRootCommand()
	rootCmd.SetArgs(arguments)
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRunLoginMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runLogin(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_login_config: login configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadLoginConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	loginConfig, err := LoadLoginConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defaults := authflow.DefaultConfig()
	if loginConfig.ConsentURL != defaults.ConsentURL || loginConfig.BindAddress != defaults.BindAddress {
		t.Fatalf("unexpected endpoint settings %+v", loginConfig)
	}
	if loginConfig.PreemptGrace != defaults.PreemptGrace || loginConfig.ShutdownTimeout != defaults.ShutdownTimeout {
		t.Fatalf("unexpected durations %+v", loginConfig)
	}
	if loginConfig.Timeout != 0 || len(loginConfig.AllowedOrigins) != 0 {
		t.Fatalf("expected unbounded wait without origins, got %+v", loginConfig)
	}
}

func TestLoadLoginConfigRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name            string
		key             string
		value           any
		expectedMessage string
	}{
		{
			name:            "plain http consent page",
			key:             "consent_url",
			value:           "http://yogu.pro/auth/login/native_app",
			expectedMessage: "config.invalid_consent_url: consent_url must be an absolute https URL",
		},
		{
			name:            "routable bind address",
			key:             "bind_address",
			value:           "10.0.0.1",
			expectedMessage: "config.invalid_bind_address: bind_address must be a loopback IP address",
		},
		{
			name:            "negative timeout",
			key:             "timeout",
			value:           -time.Second,
			expectedMessage: "config.invalid_timeout: timeout must not be negative",
		},
		{
			name:            "zero shutdown timeout",
			key:             "shutdown_timeout",
			value:           0,
			expectedMessage: "config.invalid_shutdown_timeout: shutdown_timeout must be greater than zero",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			viper.Set(testCase.key, testCase.value)
			_, err := LoadLoginConfig()
			if err == nil {
				t.Fatalf("expected configuration error")
			}
			if err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %q", testCase.expectedMessage, err.Error())
			}
		})
	}
}

func TestLoginPrintsTokensAndHistoryRecordsSession(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	withTestLogger(t)
	withOpenBrowserStub(t, redirectingBrowser(t, "user_id=u%2042&access_token=opaque+token%3D"))

	journalURL := "sqlite://" + filepath.ToSlash(filepath.Join(t.TempDir(), "history.db"))
	stdout, stderr, err := executeRoot("login", "--journal_url", journalURL, "--timeout", "10s")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	var result authflow.Result
	if decodeErr := json.Unmarshal([]byte(stdout), &result); decodeErr != nil {
		t.Fatalf("decode %q: %v", stdout, decodeErr)
	}
	if result != (authflow.Result{UserID: "u%2042", AccessToken: "opaque+token%3D"}) {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.HasPrefix(stderr, authflow.DefaultConsentURL+"?"+authflow.PortQueryParam+"=") {
		t.Fatalf("expected consent URL on stderr, got %q", stderr)
	}

	viper.Reset()
	historyOut, _, historyErr := executeRoot("history", "--journal_url", journalURL)
	if historyErr != nil {
		t.Fatalf("history: %v", historyErr)
	}
	lines := strings.Split(strings.TrimSpace(historyOut), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one session, got %q", historyOut)
	}
	var record journal.SessionRecord
	if decodeErr := json.Unmarshal([]byte(lines[0]), &record); decodeErr != nil {
		t.Fatalf("decode record: %v", decodeErr)
	}
	if record.Outcome != journal.OutcomeCompleted || record.SessionID == "" || record.Port == 0 {
		t.Fatalf("unexpected record %+v", record)
	}
	if strings.Contains(historyOut, "opaque+token") {
		t.Fatalf("history must not contain tokens: %q", historyOut)
	}
}

func TestLoginReportsBrowserLaunchFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	withTestLogger(t)
	withOpenBrowserStub(t, func(string) error { return errors.New("no display") })

	stdout, _, err := executeRoot("login")
	if !errors.Is(err, authflow.ErrBrowserLaunch) {
		t.Fatalf("expected ErrBrowserLaunch, got %v", err)
	}
	if stdout != "" {
		t.Fatalf("failed login must not print tokens, got %q", stdout)
	}
}

func TestLoginTimesOutWithoutCallback(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	withTestLogger(t)
	withOpenBrowserStub(t, func(string) error { return nil })

	_, _, err := executeRoot("login", "--timeout", "200ms")
	if !errors.Is(err, authflow.ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

func TestLoginRejectsInvalidFlagBeforeListening(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	withOpenBrowserStub(t, func(string) error {
		t.Errorf("browser must not open with invalid configuration")
		return nil
	})

	_, _, err := executeRoot("login", "--bind_address", "0.0.0.0")
	if err == nil || !strings.HasPrefix(err.Error(), "config.invalid_bind_address") {
		t.Fatalf("expected invalid bind address error, got %v", err)
	}
}

func TestHistoryRequiresJournalURL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	stdout, _, err := executeRoot("history")
	if err == nil {
		t.Fatalf("expected configuration error without journal_url")
	}
	expectedMessage := "config.missing_journal_url: history requires journal_url to name a sqlite:// or postgres:// database"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
	if stdout != "" {
		t.Fatalf("expected no output, got %q", stdout)
	}
}

func TestLoginStdoutCarriesOnlyResultOutsideTestMode(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	withTestLogger(t)
	withOpenBrowserStub(t, redirectingBrowser(t, "user_id=u1&access_token=t1"))

	previousMode := gin.Mode()
	gin.SetMode(gin.DebugMode)
	t.Cleanup(func() { gin.SetMode(previousMode) })

	reader, writer, pipeErr := os.Pipe()
	if pipeErr != nil {
		t.Fatalf("pipe: %v", pipeErr)
	}
	originalStdout := os.Stdout
	os.Stdout = writer
	processOutput := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(reader)
		processOutput <- string(data)
	}()

	stdout, _, err := executeRoot("login", "--timeout", "10s")

	os.Stdout = originalStdout
	_ = writer.Close()
	leaked := <-processOutput
	_ = reader.Close()

	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if leaked != "" {
		t.Fatalf("expected nothing written to process stdout, got %q", leaked)
	}
	if stdout != "{\"user_id\":\"u1\",\"access_token\":\"t1\"}\n" {
		t.Fatalf("expected exactly one JSON line, got %q", stdout)
	}
	if gin.Mode() != gin.ReleaseMode {
		t.Fatalf("expected login to switch gin to release mode, got %q", gin.Mode())
	}
}

func TestRootHelpListsSubcommands(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	stdout, _, err := executeRoot("--help")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, name := range []string{"login", "history"} {
		if !strings.Contains(stdout, name) {
			t.Fatalf("expected %q in help output:\n%s", name, stdout)
		}
	}
}
