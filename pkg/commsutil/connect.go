// Package commsutil provides COMMS connection helpers and utilities.
package commsutil

import (
	"fmt"
	"time"

	comms "github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const logPrefix = "commsutil:connect"

// Connect creates a COMMS connection to the given URL. Extra options are
// applied after the defaults, so callers may override the handlers.
func Connect(url, name string, opts ...comms.Option) (*comms.Conn, error) {
	zap.S().Infof("%s - Connecting to COMMS at %s as %s", logPrefix, url, name)

	options := []comms.Option{
		comms.Name(name),
		comms.Timeout(10 * time.Second),
		comms.ReconnectWait(2 * time.Second),
		comms.MaxReconnects(-1),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			zap.S().Warnf("%s - COMMS disconnected (%s): %v", logPrefix, name, err)
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			zap.S().Infof("%s - COMMS reconnected to %s (%s)", logPrefix, nc.ConnectedUrl(), name)
		}),
		comms.ClosedHandler(func(_ *comms.Conn) {
			zap.S().Infof("%s - COMMS connection closed (%s)", logPrefix, name)
		}),
	}
	options = append(options, opts...)

	nc, err := comms.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	zap.S().Infof("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl())
	return nc, nil
}
