package browser

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
)

func TestArgs(t *testing.T) {
	l := NewLauncher(Config{
		CDPAddress: "127.0.0.1",
		CDPPort:    9333,
		ProfileDir: "/tmp/profile",
		StartURLs:  []string{"https://list.test/items?page=1"},
		Headless:   true,
	})
	args := strings.Join(l.args(), " ")
	for _, want := range []string{
		"--remote-debugging-port=9333",
		"--user-data-dir=/tmp/profile",
		"--headless=new",
		"--window-size=1920,1080",
		"--disable-renderer-backgrounding",
	} {
		if !strings.Contains(args, want) {
			t.Fatalf("args = %q; missing %q", args, want)
		}
	}
	if !strings.HasSuffix(args, "https://list.test/items?page=1") {
		t.Fatalf("args = %q; start url should come last", args)
	}
}

func TestLaunchSkipsWhenCDPListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	l := NewLauncher(Config{CDPAddress: "127.0.0.1", CDPPort: port, ProfileDir: t.TempDir()})
	if err := l.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if l.Running() {
		t.Fatal("Running() = true; want no process spawned")
	}
	l.Stop()
}
