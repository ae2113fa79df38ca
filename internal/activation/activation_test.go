package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
)

func TestListeners_NoEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}
	if len(listeners) != 0 {
		t.Errorf("expected no listeners when no env vars set, got %v", listeners)
	}
}

func TestListeners_WrongPID(t *testing.T) {
	// Activation for a different process
	t.Setenv("LISTEN_PID", "99999999")
	t.Setenv("LISTEN_FDS", "1")

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}
	if len(listeners) != 0 {
		t.Errorf("expected no listeners when PID doesn't match, got %v", listeners)
	}
}

func TestListeners_InvalidPID(t *testing.T) {
	t.Setenv("LISTEN_PID", "not-a-number")
	t.Setenv("LISTEN_FDS", "1")

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}
	if len(listeners) != 0 {
		t.Errorf("expected no listeners for invalid LISTEN_PID, got %v", listeners)
	}
}

func TestListeners_ZeroFDs(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "0")

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}
	if len(listeners) != 0 {
		t.Errorf("expected no listeners when LISTEN_FDS=0, got %v", listeners)
	}
}

func TestListen_FallsBackToTCP(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	ln, activated, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() unexpected error: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()

	if activated {
		t.Error("expected a plain listener without socket activation")
	}
	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Errorf("expected TCP listener, got %T", ln.Addr())
	}
}

func TestListen_InvalidAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	if _, _, err := Listen("127.0.0.1:not-a-port"); err == nil {
		t.Fatal("expected error for invalid listen address")
	}
}

func TestNotifyReady_WithoutSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	sent, err := NotifyReady()
	if err != nil {
		t.Fatalf("NotifyReady() unexpected error: %v", err)
	}
	if sent {
		t.Error("expected no notification outside systemd")
	}
}

// Example demonstrates how socket activation detection works
func ExampleListeners() {
	listeners, err := Listeners()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if len(listeners) == 0 {
		fmt.Println("No socket activation detected")
	} else {
		fmt.Printf("Received %d systemd socket(s)\n", len(listeners))
	}
}
