package control

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/fmq-go/fmq/pkg/fsm"
)

type key struct {
	key  byte
	help string
	t    fsm.Transition
}

var keys = []key{
	{'i', "init device", fsm.InitDevice},
	{'k', "complete init", fsm.CompleteInit},
	{'b', "bind", fsm.Bind},
	{'x', "connect", fsm.Connect},
	{'j', "init task", fsm.InitTask},
	{'r', "run", fsm.Run},
	{'p', "pause", fsm.Pause},
	{'u', "resume", fsm.Resume},
	{'s', "stop", fsm.Stop},
	{'t', "reset task", fsm.ResetTask},
	{'d', "reset device", fsm.ResetDevice},
}

func (c *Control) interactive() error {
	var in io.Reader = os.Stdin
	if c.cfg.Stdin != nil {
		in = c.cfg.Stdin
	}
	// Closing a cancelable reader is the only way to wake a pending
	// Readline.
	stdin := readline.NewCancelableStdin(in)

	cfg := &readline.Config{
		Prompt:          "fmq> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           stdin,
		Stdout:          c.cfg.Stdout,
		HistoryLimit:    -1,
	}
	if c.cfg.Stdin != nil {
		cfg.FuncIsTerminal = func() bool { return false }
		cfg.FuncMakeRaw = func() error { return nil }
		cfg.FuncExitRaw = func() error { return nil }
	}
	rl, err := readline.NewEx(cfg)
	if err != nil {
		return fmt.Errorf("create readline: %w", err)
	}
	defer rl.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-c.ctx.Done():
		case <-c.Services().Device().Machine().Done():
		case <-stop:
		}
		stdin.Close()
	}()

	if err := c.start(); err != nil {
		return err
	}
	c.printHelp(rl.Stdout())

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			if c.ctx.Err() != nil {
				return c.ctx.Err()
			}
			return c.quit()
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if done, err := c.handleKey(rl.Stdout(), input[0]); done || err != nil {
			return err
		}
		if c.CurrentDeviceState().Terminal() {
			return nil
		}
	}
}

// handleKey executes one command. It reports whether the loop is over.
func (c *Control) handleKey(out io.Writer, k byte) (bool, error) {
	switch k {
	case 'h':
		c.printHelp(out)
		return false, nil
	case 'c':
		fmt.Fprintf(out, "current state: %s\n", c.CurrentDeviceState())
		return false, nil
	case 'l':
		fmt.Fprintf(out, "legal transitions: %v\n", fsm.Legal(c.CurrentDeviceState()))
		return false, nil
	case 'q':
		fmt.Fprintln(out, "[q] end")
		return true, c.quit()
	}

	for _, kk := range keys {
		if kk.key != k {
			continue
		}
		fmt.Fprintf(out, "[%c] %s\n", kk.key, kk.help)
		if err := c.ChangeDeviceState(kk.t); err != nil {
			fmt.Fprintf(out, "%v\n", err)
		}
		return false, nil
	}

	fmt.Fprintf(out, "invalid input: [%c]\n", k)
	c.printHelp(out)
	return false, nil
}

// quit walks the device to EXITED.
func (c *Control) quit() error {
	if c.CurrentDeviceState().Terminal() {
		return nil
	}
	return c.Services().Device().Shutdown(c.cfg.ShutdownTimeout)
}

func (c *Control) printHelp(out io.Writer) {
	var b strings.Builder
	b.WriteString("Use keys to control the state machine:\n")
	b.WriteString("[h] help, [c] current state, [l] legal transitions, [q] end\n")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "[%c] %s", k.key, k.help)
	}
	b.WriteString("\n")
	fmt.Fprint(out, b.String())
}
