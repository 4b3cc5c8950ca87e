package browser

import (
	"errors"
	"os/exec"
	"testing"
)

func TestCommandPerPlatform(t *testing.T) {
	t.Parallel()

	target := "https://yogu.pro/auth/login/native_app?native_app_port=5000"
	testCases := []struct {
		goos         string
		expectedName string
		expectedArgs []string
	}{
		{goos: "darwin", expectedName: "open", expectedArgs: []string{target}},
		{goos: "windows", expectedName: "rundll32", expectedArgs: []string{"url.dll,FileProtocolHandler", target}},
		{goos: "linux", expectedName: "xdg-open", expectedArgs: []string{target}},
		{goos: "freebsd", expectedName: "xdg-open", expectedArgs: []string{target}},
	}
	for _, testCase := range testCases {
		name, arguments := Command(testCase.goos, target)
		if name != testCase.expectedName {
			t.Fatalf("%s: expected %q, got %q", testCase.goos, testCase.expectedName, name)
		}
		if len(arguments) != len(testCase.expectedArgs) {
			t.Fatalf("%s: unexpected arguments %v", testCase.goos, arguments)
		}
		for index := range arguments {
			if arguments[index] != testCase.expectedArgs[index] {
				t.Fatalf("%s: unexpected arguments %v", testCase.goos, arguments)
			}
		}
	}
}

func TestOpenRejectsNonHTTPTargets(t *testing.T) {
	for _, target := range []string{"", "file:///etc/passwd", "javascript:alert(1)", "/relative"} {
		if err := Open(target); !errors.Is(err, ErrUnsupportedURL) {
			t.Fatalf("%q: expected ErrUnsupportedURL, got %v", target, err)
		}
	}
}

func TestOpenStartsCommand(t *testing.T) {
	previous := startCommand
	defer func() { startCommand = previous }()

	var started *exec.Cmd
	startCommand = func(command *exec.Cmd) error {
		started = command
		return nil
	}
	if err := Open("https://yogu.pro/auth"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if started == nil || started.Args[len(started.Args)-1] != "https://yogu.pro/auth" {
		t.Fatalf("expected command targeting the URL, got %+v", started)
	}

	startCommand = func(command *exec.Cmd) error { return errors.New("no display") }
	if err := Open("https://yogu.pro/auth"); !errors.Is(err, ErrLaunch) {
		t.Fatalf("expected ErrLaunch, got %v", err)
	}
}
