// Mailroom is a multi-account mail access service.
//
// It serves folders and fully reconstructed messages over an HTTP JSON
// API, moves and flags messages, sends mail through a recipient trust
// gate, and announces new mail over MQTT and a websocket event stream.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mailroom init [dir]                             Create a data directory and example config
//	mailroom serve                                  Start the API server and poller
//	mailroom folders                                List folders with counts
//	mailroom fetch [folder] [limit]                 Fetch and reconstruct a folder
//	mailroom read [-save dir] <folder> <uid>        Read one message (marks it seen)
//	mailroom search <folder> <text>                 Search a folder by text
//	mailroom move <from> <to> <uid>...              Move messages
//	mailroom flags <folder> <add|remove> <uid> <flag>...
//	mailroom send <to> <subject> <body-file>        Send a message
//	mailroom poll                                   Check for new mail once
//	mailroom version                                Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/mailroom/internal/buildinfo"
	"github.com/nugget/mailroom/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	outputFmt  string
	account    string
	confirm    bool

	// saveDir is where read writes attachments. Empty skips saving.
	saveDir string
}

// run is the real entry point. Arguments are parsed by hand to avoid
// the flag package's global state, which gets in the way of calling
// run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "-config="):
			opts.configPath = strings.TrimPrefix(arg, "-config=")
		case (arg == "-o" || arg == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(arg, "-o="):
			opts.outputFmt = strings.TrimPrefix(arg, "-o=")
		case strings.HasPrefix(arg, "--output="):
			opts.outputFmt = strings.TrimPrefix(arg, "--output=")
		case arg == "-account" && i+1 < len(args):
			opts.account = args[i+1]
			i++
		case strings.HasPrefix(arg, "-account="):
			opts.account = strings.TrimPrefix(arg, "-account=")
		case arg == "-save" && i+1 < len(args):
			opts.saveDir = args[i+1]
			i++
		case strings.HasPrefix(arg, "-save="):
			opts.saveDir = strings.TrimPrefix(arg, "-save=")
		case arg == "-confirm":
			opts.confirm = true
		case arg == "-h" || arg == "-help" || arg == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(arg, "-") && command == "":
			command = arg
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, arg)
			} else {
				return fmt.Errorf("unknown flag: %s", arg)
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "serve":
		return runServe(ctx, stdout, opts)
	case "folders":
		return runFolders(ctx, stdout, stderr, opts)
	case "fetch":
		return runFetch(ctx, stdout, stderr, opts, cmdArgs)
	case "read":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: mailroom read [-save dir] <folder> <uid>")
		}
		return runRead(ctx, stdout, stderr, opts, cmdArgs)
	case "search":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: mailroom search <folder> <text>")
		}
		return runSearch(ctx, stdout, stderr, opts, cmdArgs)
	case "move":
		if len(cmdArgs) < 3 {
			return fmt.Errorf("usage: mailroom move <from> <to> <uid>...")
		}
		return runMove(ctx, stdout, stderr, opts, cmdArgs)
	case "flags":
		if len(cmdArgs) < 4 {
			return fmt.Errorf("usage: mailroom flags <folder> <add|remove> <uid> <flag>...")
		}
		return runFlags(ctx, stdout, stderr, opts, cmdArgs)
	case "send":
		if len(cmdArgs) != 3 {
			return fmt.Errorf("usage: mailroom send <to>[,<to>...] <subject> <body-file>")
		}
		return runSend(ctx, stdout, stderr, opts, cmdArgs)
	case "poll":
		return runPoll(ctx, stdout, stderr, opts)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Mailroom - multi-account mail access service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mailroom [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]                             Create a data directory and example config")
	fmt.Fprintln(w, "  serve                                  Start the API server and poller")
	fmt.Fprintln(w, "  folders                                List folders with message counts")
	fmt.Fprintln(w, "  fetch [folder] [limit]                 Fetch and reconstruct a folder (default INBOX)")
	fmt.Fprintln(w, "  read <folder> <uid>                    Read one message and mark it seen")
	fmt.Fprintln(w, "  search <folder> <text>                 Search a folder for messages containing text")
	fmt.Fprintln(w, "  move <from> <to> <uid>...              Move messages between folders")
	fmt.Fprintln(w, "  flags <folder> <add|remove> <uid> <flag>...")
	fmt.Fprintln(w, "                                         Add or remove message flags")
	fmt.Fprintln(w, "  send <to> <subject> <body-file>        Send a message (.md bodies are markdown)")
	fmt.Fprintln(w, "  poll                                   Check every account for new mail once")
	fmt.Fprintln(w, "  version                                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -account <name>   Account to use (default: first configured)")
	fmt.Fprintln(w, "  -confirm          Allow sending to known (unconfirmed) contacts")
	fmt.Fprintln(w, "  -save <dir>       Write a read message's attachments into dir")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mailroom/config.yaml, /etc/mailroom/config.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; anything else
// falls back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Already validated by config.Validate.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
