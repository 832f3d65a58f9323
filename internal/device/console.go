package device

import (
	"bufio"
	"context"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// ConsoleHooks connect operator commands to the rest of the process.
type ConsoleHooks struct {
	// Shutdown is called after "exit" queued the power-off.
	Shutdown func()
	// ResetSession rotates the gateway session. Optional.
	ResetSession func(ctx context.Context) error
}

type consoleCommand struct {
	help string
	run  func(ctx context.Context)
}

// Console dispatches line-delimited operator commands to a Controller.
type Console struct {
	ctrl     *Controller
	hooks    ConsoleHooks
	commands map[string]consoleCommand
	exited   bool
}

// NewConsole creates a console bound to ctrl.
func NewConsole(ctrl *Controller, hooks ConsoleHooks) *Console {
	c := &Console{ctrl: ctrl, hooks: hooks}
	c.register()
	return c
}

func (c *Console) register() {
	c.commands = map[string]consoleCommand{
		"help":    {help: "List available commands", run: c.help},
		"exit":    {help: "Power the device off and shut down", run: c.exit},
		"power":   {help: "Toggle device power", run: c.power},
		"mode":    {help: "Switch to the next mode", run: c.mode},
		"lower":   {help: "Decrease speed by one step", run: c.lower},
		"higher":  {help: "Increase speed by one step", run: c.higher},
		"status":  {help: "Print the current device state", run: c.status},
		"session": {help: "Rotate the gateway session password", run: c.session},
	}
}

// Run reads commands from in until it is exhausted, "exit" is issued or ctx is done.
// A pending read on in cannot be interrupted; callers should not wait on Run
// during shutdown.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	log.Info().Msg("Starting command console")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		c.Execute(ctx, scanner.Text())
		if c.exited {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	log.Debug().Msg("Console input closed")
	return nil
}

// Execute runs a single command line. It reports whether the command was known.
// Blank lines are ignored and count as known.
func (c *Console) Execute(ctx context.Context, line string) bool {
	name := strings.TrimSpace(line)
	if name == "" {
		return true
	}

	cmd, ok := c.commands[name]
	if !ok {
		log.Info().Str("command", name).Msg("Unrecognized command, try help")
		return false
	}

	cmd.run(ctx)
	return true
}

// Commands returns the registered command names, sorted.
func (c *Console) Commands() []string {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Console) help(context.Context) {
	for _, name := range c.Commands() {
		log.Info().Str("command", name).Msg(c.commands[name].help)
	}
}

func (c *Console) exit(context.Context) {
	log.Info().Msg("Shutting down gracefully")

	if c.ctrl.IsOn() {
		c.ctrl.SetIsOn(false)
	}

	c.exited = true
	if c.hooks.Shutdown != nil {
		c.hooks.Shutdown()
	}
}

func (c *Console) power(context.Context) {
	log.Info().Msg("Requesting change of power status")
	c.ctrl.SetIsOn(!c.ctrl.IsOn())
}

func (c *Console) mode(context.Context) {
	if !c.ctrl.IsOn() {
		log.Info().Msg("This command only works if the machine is on")
		return
	}

	current := c.ctrl.Mode()
	next := Modes[0]
	for i, m := range Modes {
		if m == current {
			next = Modes[(i+1)%len(Modes)]
			break
		}
	}

	log.Info().Str("mode", next.DisplayName()).Msg("Requesting change of mode")
	c.ctrl.SetMode(next)
}

func (c *Console) lower(context.Context) {
	speed := c.ctrl.TargetSpeed()
	if !c.ctrl.IsOn() || speed == MinSpeed {
		log.Info().Msg("This command only works if the machine is on and if the speed is > 0")
		return
	}

	log.Info().Int32("speed", speed-1).Msg("Requesting change of speed")
	c.ctrl.SetSpeed(speed - 1)
}

func (c *Console) higher(context.Context) {
	speed := c.ctrl.TargetSpeed()
	if !c.ctrl.IsOn() || speed == MaxSpeed {
		log.Info().Int32("max_speed", MaxSpeed).Msg("This command only works if the machine is on and the speed is below the maximum")
		return
	}

	log.Info().Int32("speed", speed+1).Msg("Requesting change of speed")
	c.ctrl.SetSpeed(speed + 1)
}

func (c *Console) status(context.Context) {
	s := c.ctrl.Snapshot()
	log.Info().
		Bool("is_on", s.IsOn).
		Str("mode", s.Mode.DisplayName()).
		Int32("target_speed", s.TargetSpeed).
		Int32("actual_speed", s.ActualSpeed).
		Bool("accepts_commands", s.AcceptsCommands).
		Int("queued", c.ctrl.Queue().Len()).
		Msg("Device status")
}

func (c *Console) session(ctx context.Context) {
	if c.hooks.ResetSession == nil {
		log.Info().Msg("No gateway attached")
		return
	}
	if err := c.hooks.ResetSession(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to reset gateway session")
		return
	}
	log.Info().Msg("Gateway session reset")
}
