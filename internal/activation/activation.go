package activation

import (
	"fmt"
	"net"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Listeners returns the systemd-activated listeners.
// Returns nil if no socket activation is detected or if the activation is not
// for this process. The LISTEN_* variables are unset so child processes (git)
// don't inherit them.
func Listeners() ([]net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("failed to use activated sockets: %w", err)
	}

	var out []net.Listener
	for _, l := range listeners {
		// Non-stream sockets come back as nil.
		if l != nil {
			out = append(out, l)
		}
	}
	return out, nil
}

// Listen returns the first socket-activated listener, or a new TCP listener
// on addr when the process was not socket activated. activated reports which
// one was used.
func Listen(addr string) (ln net.Listener, activated bool, err error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, false, err
	}
	if len(listeners) > 0 {
		for _, extra := range listeners[1:] {
			_ = extra.Close()
		}
		return listeners[0], true, nil
	}

	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

// NotifyReady tells systemd the service finished starting up. It is a no-op
// outside a Type=notify unit.
func NotifyReady() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// NotifyStopping tells systemd the service is shutting down.
func NotifyStopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}
