package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/giantswarm/mcp-conduit/internal/client"
	"github.com/giantswarm/mcp-conduit/internal/logging"
)

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// repl is the interactive request loop over one connection.
type repl struct {
	conn            *client.Client
	logger          *logging.Logger
	rl              *readline.Instance
	commandHandlers map[string]commandHandler
}

func newREPL(conn *client.Client, logger *logging.Logger) *repl {
	r := &repl{
		conn:   conn,
		logger: logger,
	}
	r.commandHandlers = r.buildCommandHandlers()
	return r
}

// Run starts the REPL
func (r *repl) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".mcp_conduit_history")

	config := &readline.Config{
		Prompt:          "MCP> ",
		HistoryFile:     historyFile,
		AutoComplete:    createCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	r.rl = rl

	r.logger.Info("REPL started. Type 'help' for available commands. Use TAB for completion.")
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("REPL shutting down...")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			r.logger.Info("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				r.logger.Info("Goodbye!")
				return nil
			}
			r.logger.Error("Error: %v", err)
		}

		fmt.Println()
	}
}

// createCompleter creates the tab completion configuration
func createCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
		readline.PcItem("session"),
		readline.PcItem("refresh"),
		readline.PcItem("call",
			readline.PcItem("tools/list"),
			readline.PcItem("tools/call"),
			readline.PcItem("resources/list"),
			readline.PcItem("resources/read"),
			readline.PcItem("prompts/list"),
			readline.PcItem("prompts/get"),
			readline.PcItem("ping"),
		),
		readline.PcItem("notify"),
	)
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// commandHandler defines a REPL command with its handler and argument requirements
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

// buildCommandHandlers creates the map of command handlers
func (r *repl) buildCommandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		"help": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"?": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"exit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"quit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"session": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showSession()
		}},
		"refresh": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.refreshTokens(ctx)
		}},
		"call": {minArgs: 2, usage: "call <method> [params-json]", handler: func(ctx context.Context, parts []string) error {
			return r.call(ctx, parts[1], strings.Join(parts[2:], " "))
		}},
		"notify": {minArgs: 2, usage: "notify <method> [params-json]", handler: func(ctx context.Context, parts []string) error {
			return r.notify(ctx, parts[1], strings.Join(parts[2:], " "))
		}},
	}
}

// executeCommand parses one input line and dispatches it.
func (r *repl) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	command := strings.ToLower(parts[0])

	handler, ok := r.commandHandlers[command]
	if !ok {
		return fmt.Errorf("unknown command '%s' - type 'help' for available commands", command)
	}
	if len(parts) < handler.minArgs {
		return fmt.Errorf("usage: %s", handler.usage)
	}
	return handler.handler(ctx, parts)
}

func (r *repl) showHelp() error {
	fmt.Println(`Available commands:
  call <method> [params]    Send a request and print its result
                            (e.g. call tools/list, call tools/call {"name":"echo"})
  notify <method> [params]  Send a notification (no response expected)
  session                   Show the current transport session
  refresh                   Refresh the stored OAuth tokens
  help, ?                   Show this help
  exit, quit                Leave the REPL`)
	return nil
}

func (r *repl) showSession() error {
	id := r.conn.SessionID()
	if id == "" {
		fmt.Println("No session established.")
		return nil
	}
	fmt.Printf("Session: %s\n", id)
	if info := r.conn.ServerInfo(); info != nil {
		fmt.Printf("Server:  %s %s\n", info.Name, info.Version)
	}
	return nil
}

func (r *repl) refreshTokens(ctx context.Context) error {
	tokens, err := r.conn.RefreshTokens(ctx)
	if err != nil {
		return err
	}
	r.logger.Success("Tokens refreshed (expires in %ds)", tokens.ExpiresIn)
	return nil
}

func (r *repl) call(ctx context.Context, method, rawParams string) error {
	params, err := parseParams(rawParams)
	if err != nil {
		return err
	}
	result, err := r.conn.Call(ctx, method, params)
	if err != nil {
		return err
	}
	fmt.Println(prettyResult(result))
	return nil
}

func (r *repl) notify(ctx context.Context, method, rawParams string) error {
	params, err := parseParams(rawParams)
	if err != nil {
		return err
	}
	if err := r.conn.Notify(ctx, method, params); err != nil {
		return err
	}
	r.logger.Success("Notification sent")
	return nil
}

// parseParams decodes the optional trailing JSON argument of a command.
func parseParams(raw string) (interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var params interface{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("invalid JSON params: %w", err)
	}
	return params, nil
}

func prettyResult(raw json.RawMessage) string {
	var buf interface{}
	if err := json.Unmarshal(raw, &buf); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}
