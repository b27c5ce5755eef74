package builtin

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"

	"jobrunner/internal/job"
)

// CommandConfig runs Argv[0] with Argv[1:] (no shell).
type CommandConfig struct {
	Argv []string
	Dir  string
	Env  []string
}

func (c CommandConfig) Validate() error {
	if len(c.Argv) == 0 || strings.TrimSpace(c.Argv[0]) == "" {
		return errors.New("command: argv is required")
	}
	return nil
}

// outputTail bounds how much combined output is kept in an error.
const outputTail = 512

// Command executes an external program.
type Command struct {
	name string
	prio job.Priority
	cfg  CommandConfig
}

func NewCommand(name string, prio job.Priority, cfg CommandConfig) (*Command, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Command{name: name, prio: prio, cfg: cfg}, nil
}

func (c *Command) Name() string           { return c.name }
func (c *Command) Priority() job.Priority { return c.prio }

func (c *Command) Execute(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.cfg.Argv[0], c.cfg.Argv[1:]...)
	cmd.Dir = c.cfg.Dir
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return job.NoRetry(errors.Wrapf(err, "run %s", c.cfg.Argv[0]))
		}
		tail := strings.TrimSpace(out.String())
		if len(tail) > outputTail {
			tail = "..." + tail[len(tail)-outputTail:]
		}
		if tail != "" {
			return errors.Wrapf(err, "run %s: %s", c.cfg.Argv[0], tail)
		}
		return errors.Wrapf(err, "run %s", c.cfg.Argv[0])
	}
	return nil
}
