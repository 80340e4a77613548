package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/clawpool/internal/agent"
	"github.com/stellarlinkco/clawpool/internal/config"
	"github.com/stellarlinkco/clawpool/internal/gateway"
	"github.com/stellarlinkco/clawpool/internal/logging"
	"github.com/stellarlinkco/clawpool/internal/profiles"
)

// CLIOptions carries injectable dependencies for tests.
type CLIOptions struct {
	Gateway gateway.Options
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

func (o CLIOptions) withDefaults() CLIOptions {
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

func newRootCmd(opts CLIOptions) *cobra.Command {
	opts = opts.withDefaults()

	root := &cobra.Command{
		Use:           "clawpool",
		Short:         "clawpool - a pool of tool-using conversational agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(opts.Stdin)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent pool with its scheduled jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	var message, profile string
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to one agent with a single message or in a REPL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts, message, profile)
		},
	}
	chatCmd.Flags().StringVarP(&message, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVarP(&profile, "profile", "p", "", "Agent profile to start from")

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Initialize config and a sample agent profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(opts.Stdout)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show clawpool status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts.Stdout)
		},
	}

	root.AddCommand(serveCmd, chatCmd, onboardCmd, statusCmd)
	return root
}

func main() {
	if err := newRootCmd(CLIOptions{}).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(stderr io.Writer) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, goerr.Wrap(err, "load config")
	}
	logging.SetDefault(logging.New(cfg.Log.Level, stderr))
	return cfg, nil
}

func runServe(ctx context.Context, opts CLIOptions) error {
	cfg, err := loadConfig(opts.Stderr)
	if err != nil {
		return err
	}
	gw, err := gateway.NewWithOptions(ctx, cfg, opts.Gateway)
	if err != nil {
		return goerr.Wrap(err, "create gateway")
	}
	return gw.Run(ctx)
}

func runChat(ctx context.Context, opts CLIOptions, message, profile string) error {
	cfg, err := loadConfig(opts.Stderr)
	if err != nil {
		return err
	}
	gw, err := gateway.NewWithOptions(ctx, cfg, opts.Gateway)
	if err != nil {
		return goerr.Wrap(err, "create gateway")
	}
	defer func() { _ = gw.Shutdown(context.Background()) }()

	var id string
	if profile != "" {
		id, err = gw.SpawnProfile(profile)
	} else {
		id, err = gw.Pool().CreateAgent("cli", "")
	}
	if err != nil {
		return goerr.Wrap(err, "create agent")
	}

	stdout := opts.Stdout
	if message != "" {
		reply, err := gw.Pool().SendMessage(ctx, id, message)
		if err != nil {
			return goerr.Wrap(err, "agent error")
		}
		fmt.Fprintln(stdout, reply)
		return nil
	}

	fmt.Fprintln(stdout, "clawpool chat (type 'exit' to quit, /task, /state, /stats, /remember, /forget, /rescore for commands)")
	scanner := bufio.NewScanner(opts.Stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if strings.HasPrefix(input, "/") {
			if err := runCommand(ctx, gw, id, input, stdout); err != nil {
				fmt.Fprintf(opts.Stderr, "Error: %v\n", err)
			}
			continue
		}

		reply, err := gw.Pool().SendMessage(ctx, id, input)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, reply)
	}
	return scanner.Err()
}

func runCommand(ctx context.Context, gw *gateway.Gateway, id, input string, out io.Writer) error {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/task":
		if arg == "" {
			return goerr.New("usage: /task <description>")
		}
		task, err := gw.Pool().AssignTask(ctx, id, arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Task %s assigned\n", task.ID)
	case "/state":
		snap, err := gw.Pool().GetState(id)
		if err != nil {
			return err
		}
		printState(out, snap)
	case "/stats":
		s := gw.Pool().GetStats()
		fmt.Fprintf(out, "Agents: %d (active %d, idle %d, working %d, error %d)\n",
			s.Total, s.Active, s.Idle, s.Working, s.Error)
	case "/remember":
		if arg == "" {
			return goerr.New("usage: /remember <text>")
		}
		rec, err := gw.Persistent().Store(ctx, id, arg, map[string]string{"source": "cli"}, 0.8)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Remembered %s\n", rec.ID)
	case "/forget":
		if arg == "" {
			return goerr.New("usage: /forget <record-id>")
		}
		if err := gw.Persistent().Delete(ctx, id, arg); err != nil {
			return err
		}
		fmt.Fprintf(out, "Forgot %s\n", arg)
	case "/rescore":
		recID, raw, ok := strings.Cut(arg, " ")
		if !ok || recID == "" {
			return goerr.New("usage: /rescore <record-id> <importance>")
		}
		importance, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return goerr.Wrap(err, "parse importance", goerr.V("value", raw))
		}
		if err := gw.Persistent().Rescore(ctx, id, recID, importance); err != nil {
			return err
		}
		fmt.Fprintf(out, "Rescored %s to %.2f\n", recID, importance)
	default:
		return goerr.New("unknown command", goerr.V("command", name))
	}
	return nil
}

func printState(out io.Writer, snap *agent.Snapshot) {
	fmt.Fprintf(out, "Agent: %s (%s)\n", snap.Name, snap.ID)
	fmt.Fprintf(out, "Status: %s\n", snap.Status)
	fmt.Fprintf(out, "Messages: %d\n", len(snap.History))
	if snap.CurrentTask != nil {
		fmt.Fprintf(out, "Current task: %s (%s)\n", snap.CurrentTask.Description, snap.CurrentTask.Status)
	}
	if t := snap.LastTask; t != nil {
		switch t.Status {
		case agent.TaskFailed:
			fmt.Fprintf(out, "Last task: %s failed: %s\n", t.Description, t.Error)
		default:
			fmt.Fprintf(out, "Last task: %s -> %s\n", t.Description, t.Result)
		}
	}
}

func runOnboard(out io.Writer) error {
	cfgPath := config.ConfigPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return err
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return goerr.Wrap(err, "load config")
	}
	dir := cfg.Profiles.ResolveDir()
	sample, err := profiles.Render(profiles.Profile{
		Name:         "assistant",
		Description:  "General purpose helper",
		SystemPrompt: defaultProfilePrompt,
	})
	if err != nil {
		return err
	}
	if err := writeIfNotExists(out, filepath.Join(dir, "assistant", profiles.FileName), sample); err != nil {
		return err
	}

	fmt.Fprintf(out, "Profiles ready: %s\n", dir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set CLAWPOOL_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'clawpool chat -m \"Hello\"' to test")
	return nil
}

func runStatus(out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Max agents: %d\n", cfg.Agent.MaxAgents)

	switch backend := backendDisplay(cfg.Memory.Backend); backend {
	case config.BackendFirestore:
		fs := cfg.Memory.Firestore
		fmt.Fprintf(out, "Memory: firestore (project=%s database=%s collection=%s)\n",
			fs.ProjectID, fs.DatabaseID, fs.Collection)
	case config.BackendSQLite:
		fmt.Fprintf(out, "Memory: sqlite (%s)\n", cfg.Memory.ResolveDBPath())
	default:
		fmt.Fprintf(out, "Memory: %s\n", backend)
	}
	fmt.Fprintf(out, "Embedding: %s (dim=%d)\n", cfg.Embedding.Provider, cfg.Embedding.Dimension)
	if cfg.Gateway.Enabled {
		fmt.Fprintf(out, "Gateway: ws://%s/ws\n", cfg.Gateway.Addr())
	} else {
		fmt.Fprintln(out, "Gateway: disabled")
	}

	dir := cfg.Profiles.ResolveDir()
	list, err := profiles.Load(dir, nil)
	switch {
	case err != nil:
		fmt.Fprintf(out, "Profiles: error (%v)\n", err)
	case len(list) == 0:
		fmt.Fprintf(out, "Profiles: none in %s (run 'clawpool onboard')\n", dir)
	default:
		names := make([]string, 0, len(list))
		for _, p := range list {
			name := p.Name
			if p.Autostart {
				name += "*"
			}
			names = append(names, name)
		}
		fmt.Fprintf(out, "Profiles: %s\n", strings.Join(names, ", "))
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func backendDisplay(b string) string {
	b = strings.ToLower(strings.TrimSpace(b))
	if b == "" {
		return config.BackendSQLite
	}
	return b
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func writeIfNotExists(out io.Writer, path string, content []byte) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return goerr.Wrap(err, "create dir", goerr.V("path", path))
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return goerr.Wrap(err, "write file", goerr.V("path", path))
	}
	fmt.Fprintf(out, "  Created: %s\n", path)
	return nil
}

const defaultProfilePrompt = `# Assistant

You are a helpful assistant working inside an agent pool.

## Guidelines
- Be concise and direct
- Call a tool when it gives a better answer than guessing
- Store facts worth keeping with store_knowledge
- Use send_notification for anything the operator must see`
