package browser

import (
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
)

var (
	// ErrUnsupportedURL indicates the target is not an absolute http(s) URL.
	ErrUnsupportedURL = errors.New("browser.unsupported_url")
	// ErrLaunch indicates the OS helper that opens URLs could not be started.
	ErrLaunch = errors.New("browser.launch")
)

var startCommand = func(command *exec.Cmd) error {
	if err := command.Start(); err != nil {
		return err
	}
	go func() { _ = command.Wait() }()
	return nil
}

// Command returns the program and arguments that open target in the default browser on goos.
func Command(goos string, target string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{target}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}
	default:
		return "xdg-open", []string{target}
	}
}

// Open launches the system default browser at target without waiting for it to exit.
func Open(target string) error {
	parsed, parseErr := url.Parse(target)
	if parseErr != nil || parsed.Host == "" {
		return fmt.Errorf("%w: %q", ErrUnsupportedURL, target)
	}
	if scheme := strings.ToLower(parsed.Scheme); scheme != "https" && scheme != "http" {
		return fmt.Errorf("%w: %q", ErrUnsupportedURL, target)
	}
	name, arguments := Command(runtime.GOOS, target)
	if err := startCommand(exec.Command(name, arguments...)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLaunch, name, err)
	}
	return nil
}
