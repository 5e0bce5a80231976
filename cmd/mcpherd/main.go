// Command mcpherd manages MCP tool servers: it launches the servers in a
// config file, aggregates their tools and resources into one catalog, and
// exposes catalog operations as subcommands.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/jg-phare/mcpherd/pkg/config"
	"github.com/jg-phare/mcpherd/pkg/content"
	"github.com/jg-phare/mcpherd/pkg/mcp"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	defaultCallWait = 60 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "servers":
		err = cmdServers(args)
	case "tools":
		err = cmdTools(args)
	case "call":
		err = cmdCall(args)
	case "resources":
		err = cmdResources(args)
	case "read":
		err = cmdRead(args)
	case "add":
		err = cmdAdd(args)
	case "remove", "rm":
		err = cmdRemove(args)
	case "watch":
		err = cmdWatch(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("mcpherd - herd MCP tool servers")
	fmt.Println()
	fmt.Println("Usage: mcpherd <command> [flags]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  servers                      Launch configured servers and show their status")
	fmt.Println("  tools [-server <name>]       List catalog tools")
	fmt.Println("  call <tool> [-args <json>]   Invoke a tool and print its result")
	fmt.Println("  resources                    List catalog resources")
	fmt.Println("  read <uri> [-render]         Read a resource (-render extracts text from HTML/PDF)")
	fmt.Println("  add <name> -command <path>   Add a server to the config file")
	fmt.Println("  remove <name>                Remove a server from the config file")
	fmt.Println("  watch                        Run until interrupted, syncing config file changes")
	fmt.Println("  help                         Show this help")
	fmt.Println()
	yellow.Println("Flags (all commands):")
	fmt.Println("  -config <path>               Config file. Default: first of ./mcpherd.{json,yaml,toml},")
	fmt.Println("                               then ~/.config/mcpherd/config.{json,yaml,toml}")
	fmt.Println("  -log-level <level>           debug, info, warn, or error")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  mcpherd add files -command file-server -args --root,/srv")
	fmt.Println("  mcpherd servers")
	fmt.Println("  mcpherd call read_file -args '{\"path\": \"/etc/hosts\"}'")
	fmt.Println("  mcpherd watch -log-level debug")
	fmt.Println()
}

// addCommonFlags registers the flags every command accepts.
func addCommonFlags(fs *flag.FlagSet, defaultLevel string) (configPath, logLevel *string) {
	configPath = fs.String("config", "", "config file path")
	logLevel = fs.String("log-level", defaultLevel, "log level: debug, info, warn, error")
	return configPath, logLevel
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (use debug, info, warn, or error)", level)
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// openManager loads the config, spawns the configured servers, and returns
// an initialized manager plus the loaded file.
func openManager(ctx context.Context, configPath, logLevel string) (*mcp.Manager, *config.File, error) {
	logger, err := newLogger(logLevel)
	if err != nil {
		return nil, nil, err
	}

	path, err := config.Resolve(configPath)
	if err != nil {
		return nil, nil, err
	}
	file, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	m := mcp.NewManager(file.Servers, mcp.WithLogger(logger))
	if err := m.Initialize(ctx); err != nil {
		return nil, nil, err
	}
	return m, file, nil
}

// shutdownManager tears the servers down on a fresh context so cleanup
// still runs when the command's own context is already done.
func shutdownManager(m *mcp.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	m.Shutdown(ctx)
}

func cmdServers(args []string) error {
	fs := flag.NewFlagSet("servers", flag.ExitOnError)
	configPath, logLevel := addCommonFlags(fs, "warn")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	m, file, err := openManager(ctx, *configPath, *logLevel)
	if err != nil {
		return err
	}
	defer shutdownManager(m)

	statuses := m.Statuses()
	if len(statuses) == 0 {
		fmt.Printf("No servers configured in %s\n", file.Path)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tTOOLS\tRESOURCES\tSERVER\tERROR")
	fmt.Fprintln(w, "----\t-----\t-----\t---------\t------\t-----")
	for _, s := range statuses {
		info := ""
		if s.Info != nil {
			info = s.Info.Name + " " + s.Info.Version
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			s.Name, s.State, s.Tools, s.Resources, info, truncate(s.Error, 48))
	}
	w.Flush()

	return nil
}

func cmdTools(args []string) error {
	fs := flag.NewFlagSet("tools", flag.ExitOnError)
	configPath, logLevel := addCommonFlags(fs, "warn")
	server := fs.String("server", "", "only list tools owned by this server")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	m, _, err := openManager(ctx, *configPath, *logLevel)
	if err != nil {
		return err
	}
	defer shutdownManager(m)

	tools := m.Tools()
	if *server != "" {
		filtered := tools[:0]
		for _, t := range tools {
			if t.ServerName == *server {
				filtered = append(filtered, t)
			}
		}
		tools = filtered
	}

	if len(tools) == 0 {
		fmt.Println("(no tools)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSERVER\tDESCRIPTION")
	fmt.Fprintln(w, "----\t------\t-----------")
	for _, t := range tools {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.ServerName, truncate(firstLine(t.Description), 64))
	}
	w.Flush()

	return nil
}

func cmdCall(args []string) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: mcpherd call <tool> [-args <json>] [-timeout <duration>]")
	}
	toolName := args[0]

	fs := flag.NewFlagSet("call", flag.ExitOnError)
	configPath, logLevel := addCommonFlags(fs, "warn")
	argsJSON := fs.String("args", "", "tool arguments as a JSON object")
	timeout := fs.Duration("timeout", defaultCallWait, "overall timeout for startup plus the call")
	fs.Parse(args[1:])

	toolArgs := map[string]any{}
	if *argsJSON != "" {
		if err := json.Unmarshal([]byte(*argsJSON), &toolArgs); err != nil {
			return fmt.Errorf("parse -args: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	m, _, err := openManager(ctx, *configPath, *logLevel)
	if err != nil {
		return err
	}
	defer shutdownManager(m)

	result, err := m.CallTool(ctx, toolName, toolArgs)
	if err != nil {
		return err
	}

	printContent(result.Content)
	if result.IsError {
		return fmt.Errorf("tool %q reported an error", toolName)
	}
	return nil
}

func cmdResources(args []string) error {
	fs := flag.NewFlagSet("resources", flag.ExitOnError)
	configPath, logLevel := addCommonFlags(fs, "warn")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	m, _, err := openManager(ctx, *configPath, *logLevel)
	if err != nil {
		return err
	}
	defer shutdownManager(m)

	resources, err := m.ListResources(ctx)
	if err != nil {
		return err
	}
	if len(resources) == 0 {
		fmt.Println("(no resources)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "URI\tSERVER\tNAME\tMIME")
	fmt.Fprintln(w, "---\t------\t----\t----")
	for _, r := range resources {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", truncate(r.URI, 56), r.ServerName, truncate(r.Name, 24), r.MimeType)
	}
	w.Flush()

	return nil
}

func cmdRead(args []string) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: mcpherd read <uri> [-render]")
	}
	uri := args[0]

	fs := flag.NewFlagSet("read", flag.ExitOnError)
	configPath, logLevel := addCommonFlags(fs, "warn")
	render := fs.Bool("render", false, "extract text from HTML and PDF content")
	fs.Parse(args[1:])

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	m, _, err := openManager(ctx, *configPath, *logLevel)
	if err != nil {
		return err
	}
	defer shutdownManager(m)

	rc, err := m.ReadResourceContent(ctx, uri)
	if err != nil {
		return err
	}

	if *render {
		var data []byte
		switch {
		case rc.Text != nil:
			data = []byte(*rc.Text)
		case rc.Blob != nil:
			data, err = base64.StdEncoding.DecodeString(*rc.Blob)
			if err != nil {
				return fmt.Errorf("decode blob for %q: %w", uri, err)
			}
		}

		rendered, err := content.Render(rc.MimeType, data)
		if err != nil {
			return err
		}
		fmt.Println(rendered)
		return nil
	}

	switch {
	case rc.Text != nil:
		fmt.Print(*rc.Text)
		if !strings.HasSuffix(*rc.Text, "\n") {
			fmt.Println()
		}
	case rc.Blob != nil:
		decoded, err := base64.StdEncoding.DecodeString(*rc.Blob)
		if err != nil {
			return fmt.Errorf("decode blob for %q: %w", uri, err)
		}
		color.Yellow("[binary %s, %d bytes - pass -render to extract text]",
			orElse(rc.MimeType, "content"), len(decoded))
	default:
		fmt.Println("(empty resource)")
	}

	return nil
}

func cmdAdd(args []string) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: mcpherd add <name> -command <path> [-args <csv>] [-env <k=v,...>] [-disabled]")
	}
	name := args[0]

	fs := flag.NewFlagSet("add", flag.ExitOnError)
	configPath, _ := addCommonFlags(fs, "warn")
	command := fs.String("command", "", "executable to spawn (required)")
	cmdArgs := fs.String("args", "", "comma-separated command arguments")
	env := fs.String("env", "", "comma-separated KEY=VALUE pairs")
	transport := fs.String("transport", "", "transport kind (default stdio)")
	disabled := fs.Bool("disabled", false, "store the server without ever spawning it")
	fs.Parse(args[1:])

	if *command == "" {
		return fmt.Errorf("-command is required")
	}

	envMap, err := parseEnvPairs(*env)
	if err != nil {
		return err
	}

	cfg := mcp.ServerConfig{
		Transport: *transport,
		Command:   *command,
		Args:      splitCSV(*cmdArgs),
		Env:       envMap,
		Disabled:  *disabled,
	}

	// The add command may bootstrap a fresh config file: explicit -config
	// wins, an existing config is reused, and otherwise ./mcpherd.json is
	// created.
	path := *configPath
	if path == "" {
		if found, ferr := config.Resolve(""); ferr == nil {
			path = found
		} else {
			path = "mcpherd.json"
		}
	}

	store, err := config.NewStore(path)
	if err != nil {
		return err
	}
	if err := store.Add(context.Background(), name, cfg); err != nil {
		return err
	}

	color.Green("✓ Added server %q to %s", name, path)
	return nil
}

func cmdRemove(args []string) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: mcpherd remove <name>")
	}
	name := args[0]

	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	configPath, _ := addCommonFlags(fs, "warn")
	fs.Parse(args[1:])

	path, err := config.Resolve(*configPath)
	if err != nil {
		return err
	}

	store, err := config.NewStore(path)
	if err != nil {
		return err
	}
	if err := store.Remove(context.Background(), name); err != nil {
		return err
	}

	color.Green("✓ Removed server %q from %s", name, path)
	return nil
}

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath, logLevel := addCommonFlags(fs, "info")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}

	path, err := config.Resolve(*configPath)
	if err != nil {
		return err
	}
	file, err := config.Load(path)
	if err != nil {
		return err
	}

	m := mcp.NewManager(file.Servers, mcp.WithLogger(logger))

	initCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := m.Initialize(initCtx); err != nil {
		return err
	}
	defer shutdownManager(m)

	token := m.WatchCatalog(func(ev mcp.CatalogEvent) {
		logger.Info("catalog changed", "op", string(ev.Op), "mcp_server", ev.Server)
	})
	defer m.Unwatch(token)

	watcher := config.NewWatcher(path, logger, func(f *config.File) {
		syncCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		result := m.SyncServers(syncCtx, f.Servers)
		logger.Info("config synced",
			"added", result.Added, "updated", result.Updated, "removed", result.Removed)
		for name, msg := range result.Errors {
			logger.Warn("sync failed for server", "mcp_server", name, "error", msg)
		}
	})
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	color.Green("Watching %s (Ctrl-C to stop)", path)
	<-ctx.Done()
	fmt.Println()

	return nil
}

// printContent writes tool result blocks to stdout; non-text blocks are
// summarized rather than dumped.
func printContent(blocks []mcp.ContentBlock) {
	for _, block := range blocks {
		switch block.Type {
		case "text":
			fmt.Println(block.Text)
		case "image":
			color.Yellow("[image %s, %d base64 bytes]", orElse(block.MimeType, "unknown"), len(block.Data))
		case "resource":
			color.Yellow("[embedded resource %s]", block.URI)
		default:
			color.Yellow("[%s content]", block.Type)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func orElse(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseEnvPairs(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}

	env := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid -env entry %q (want KEY=VALUE)", pair)
		}
		env[key] = value
	}
	return env, nil
}
