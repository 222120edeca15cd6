// Package actuator drives the motor. The session treats the gateway as an
// opaque side effect: it asks for a level and only logs the outcome.
package actuator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cyberinferno/motorlink/logger"
)

// Gateway sets the actuator output level. Level 0 is off; the handshake
// advertises 0..100 but gateways receive whatever the server sent.
type Gateway interface {
	// SetLevel sets the actuator output.
	//
	// Parameters:
	//   - ctx: Bounds how long the call may take
	//   - level: The requested output level
	//
	// Returns:
	//   - An error if the actuator reported a failure
	SetLevel(ctx context.Context, level int) error
}

// ExecGateway runs an external program with the level appended as the last
// argument, e.g. "python motor_control.py 40".
type ExecGateway struct {
	command string
	args    []string
	log     logger.Logger
}

// NewExecGateway creates a gateway running command with args.
//
// Parameters:
//   - command: Program to execute, looked up in PATH
//   - args: Arguments placed before the level
//   - log: Logger for the program's output
//
// Returns:
//   - A new *ExecGateway
func NewExecGateway(command string, args []string, log logger.Logger) *ExecGateway {
	return &ExecGateway{
		command: command,
		args:    append([]string(nil), args...),
		log:     log.With(logger.F("component", "actuator")),
	}
}

// SetLevel implements Gateway. A non-zero exit status is returned as an error
// carrying the program's combined output.
func (g *ExecGateway) SetLevel(ctx context.Context, level int) error {
	args := append(append([]string(nil), g.args...), strconv.Itoa(level))
	cmd := exec.CommandContext(ctx, g.command, args...)
	// children of the driver may keep the output pipe open after a kill
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := strings.TrimSpace(out.String())
	if err != nil {
		return fmt.Errorf("actuator %s level %d: %w: %s", g.command, level, err, output)
	}

	g.log.Debug("actuator level set", logger.F("level", level), logger.F("output", output))
	return nil
}

// DryRunGateway only logs requested levels. Useful on machines without the
// motor driver attached.
type DryRunGateway struct {
	log logger.Logger
}

// NewDryRunGateway creates a gateway that logs instead of driving hardware.
func NewDryRunGateway(log logger.Logger) *DryRunGateway {
	return &DryRunGateway{log: log.With(logger.F("component", "actuator"))}
}

// SetLevel implements Gateway.
func (g *DryRunGateway) SetLevel(_ context.Context, level int) error {
	g.log.Info("dry run: actuator level", logger.F("level", level))
	return nil
}
