package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/reservewatch/reservewatch/pkg/types"
)

// Failure kinds the rest of the system is allowed to see. Lower-level
// transport errors are translated into these before crossing upward.
var (
	// ErrTimeout indicates the device did not answer within the deadline.
	ErrTimeout = errors.New("device timeout")
	// ErrUnreachable indicates the device could not be reached at all.
	ErrUnreachable = errors.New("device unreachable")
	// ErrAuth indicates the gateway rejected our credentials.
	ErrAuth = errors.New("device authentication failed")
	// ErrRejected indicates the device refused a setpoint command.
	ErrRejected = errors.New("device rejected command")
)

// Client is the capability interface for the home energy storage device.
// The vendor wire protocol behind it is an external concern; callers only
// ever see structured readings, setpoint acks, and the errors above.
type Client interface {
	// Read returns a current snapshot of power flow and battery state.
	Read(ctx context.Context) (types.Reading, error)

	// SetReserve sets the backup reserve percent (0-100).
	SetReserve(ctx context.Context, percent float64) error

	// ConnectionState reports link health derived from recent calls. It
	// never performs I/O.
	ConnectionState() types.ConnectionState
}

// Configured sets up the device client based on flags.
func Configured() Client {
	provider := lflag.String("device-provider", "powerwall", "Device provider to use (available: powerwall, mock)")
	mode := lflag.String("powerwall-mode", "local", "Gateway connection mode (local or cloud)")
	host := lflag.String("powerwall-host", "", "Powerwall gateway address (e.g. 192.168.91.1)")
	email := lflag.String("powerwall-email", "", "Customer email for gateway login")
	password := lflag.String("powerwall-password", "", "Customer password for gateway login")
	accessToken := lflag.String("tesla-access-token", "", "Owners API bearer token for cloud mode")
	siteID := lflag.String("tesla-site-id", "", "Energy site ID for cloud mode")
	timeout := lflag.Duration("device-timeout", 10*time.Second, "Per-request device timeout")

	var c struct{ Client }

	lflag.Do(func() {
		switch *provider {
		case "powerwall":
			switch *mode {
			case "local":
				if *host == "" {
					panic("powerwall-host is required with powerwall-mode=local")
				}
				if *password == "" {
					panic("powerwall-password is required with powerwall-mode=local")
				}
				c.Client = newPowerwall(*host, *email, *password, *timeout)
			case "cloud":
				if *accessToken == "" {
					panic("tesla-access-token is required with powerwall-mode=cloud")
				}
				if *siteID == "" {
					panic("tesla-site-id is required with powerwall-mode=cloud")
				}
				c.Client = newTeslaCloud(*accessToken, *siteID, *timeout)
			default:
				panic(fmt.Sprintf("unknown powerwall mode: %s", *mode))
			}
		case "mock":
			c.Client = NewMock()
		default:
			panic(fmt.Sprintf("unknown device provider: %s", *provider))
		}
	})

	return &c
}
