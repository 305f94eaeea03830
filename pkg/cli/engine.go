package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jcputter/resoto/pkg/log"
)

// Executor runs one command line on behalf of a workflow step. The full
// command catalogue lives behind this interface; the orchestration core only
// needs the execute hook.
type Executor interface {
	Execute(ctx context.Context, command string) (string, error)
}

// Handler implements one named command. args is the remainder of the command
// line after the command name, with surrounding whitespace trimmed.
type Handler func(ctx context.Context, args string) (string, error)

// Engine is a registry-backed Executor. Command lines are dispatched on their
// first token; piped segments run left to right, each receiving the previous
// output as args suffix.
type Engine struct {
	mu       sync.RWMutex
	commands map[string]Handler
	logger   zerolog.Logger

	// DefaultGraph and DefaultSection scope commands that do not name them.
	DefaultGraph   string
	DefaultSection string
}

// NewEngine creates an engine with no registered commands.
func NewEngine() *Engine {
	return &Engine{
		commands: make(map[string]Handler),
		logger:   log.WithComponent("cli"),
	}
}

// Register adds or replaces the handler for a command name.
func (e *Engine) Register(name string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[name] = handler
}

// Execute runs the command line. Unknown commands and handler failures return
// an error; the caller decides whether the step continues or stops.
func (e *Engine) Execute(ctx context.Context, command string) (string, error) {
	var out string
	for _, segment := range strings.Split(command, "|") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			return "", fmt.Errorf("empty command segment in %q", command)
		}
		name, args := splitCommand(segment)

		e.mu.RLock()
		handler, ok := e.commands[name]
		e.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("unknown command: %s", name)
		}

		if out != "" {
			if args != "" {
				args += " "
			}
			args += out
		}
		result, err := handler(ctx, args)
		if err != nil {
			return "", fmt.Errorf("command %s failed: %w", name, err)
		}
		out = result
	}
	e.logger.Debug().Str("command", command).Msg("Command executed")
	return out, nil
}

func splitCommand(segment string) (string, string) {
	parts := strings.SplitN(segment, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}
