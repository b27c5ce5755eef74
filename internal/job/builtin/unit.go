package builtin

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/dbus"

	"jobrunner/internal/job"
)

// UnitConfig runs a systemd job (start, stop, restart, reload, try-restart)
// against one unit over the system D-Bus.
type UnitConfig struct {
	Unit   string
	Action string
	// Mode is the systemd job mode; default "replace".
	Mode string
}

var unitActions = map[string]bool{"start": true, "stop": true, "restart": true, "reload": true, "try-restart": true}

func (c UnitConfig) Validate() error {
	if strings.TrimSpace(c.Unit) == "" {
		return errors.New("unit: unit is required")
	}
	if !unitActions[strings.ToLower(strings.TrimSpace(c.Action))] {
		return errors.Newf("unit: unknown action %q (want start|stop|restart|reload|try-restart)", c.Action)
	}
	return nil
}

// unitName appends ".service" when the name has no unit suffix.
func unitName(name string) string {
	name = strings.TrimSpace(name)
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

type unitConn interface {
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ReloadUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	TryRestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

// Unit connects per execution; a scheduler that fires hourly has no use
// for a long-lived bus connection.
type Unit struct {
	name string
	prio job.Priority
	cfg  UnitConfig

	dial func(ctx context.Context) (unitConn, error)
}

func NewUnit(name string, prio job.Priority, cfg UnitConfig) (*Unit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Unit = unitName(cfg.Unit)
	cfg.Action = strings.ToLower(strings.TrimSpace(cfg.Action))
	if strings.TrimSpace(cfg.Mode) == "" {
		cfg.Mode = "replace"
	}
	return &Unit{
		name: name,
		prio: prio,
		cfg:  cfg,
		dial: func(ctx context.Context) (unitConn, error) {
			return dbus.NewSystemConnectionContext(ctx)
		},
	}, nil
}

func (u *Unit) Name() string           { return u.name }
func (u *Unit) Priority() job.Priority { return u.prio }

func (u *Unit) Execute(ctx context.Context) error {
	conn, err := u.dial(ctx)
	if err != nil {
		return errors.Wrap(err, "connect to systemd")
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, u.cfg.Unit)
	if err != nil {
		return errors.Wrapf(err, "inspect %s", u.cfg.Unit)
	}
	if ls, _ := props["LoadState"].(string); ls == "not-found" {
		return job.NoRetry(errors.Newf("unit %s not found", u.cfg.Unit))
	}

	var call func(context.Context, string, string, chan<- string) (int, error)
	switch u.cfg.Action {
	case "start":
		call = conn.StartUnitContext
	case "stop":
		call = conn.StopUnitContext
	case "restart":
		call = conn.RestartUnitContext
	case "reload":
		call = conn.ReloadUnitContext
	default:
		call = conn.TryRestartUnitContext
	}

	done := make(chan string, 1)
	if _, err := call(ctx, u.cfg.Unit, u.cfg.Mode, done); err != nil {
		return errors.Wrapf(err, "%s %s", u.cfg.Action, u.cfg.Unit)
	}
	select {
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "%s %s", u.cfg.Action, u.cfg.Unit)
	case result := <-done:
		if result != "done" {
			return errors.Newf("%s %s: job %s", u.cfg.Action, u.cfg.Unit, result)
		}
	}
	return nil
}
