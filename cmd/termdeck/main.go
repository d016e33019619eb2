package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asheshgoplani/termdeck/internal/activate"
	"github.com/asheshgoplani/termdeck/internal/catalog"
	"github.com/asheshgoplani/termdeck/internal/config"
	"github.com/asheshgoplani/termdeck/internal/focus"
	"github.com/asheshgoplani/termdeck/internal/hookfeed"
	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/procscan"
	"github.com/asheshgoplani/termdeck/internal/session"
	"github.com/asheshgoplani/termdeck/internal/termkey"
)

const Version = "0.1.0"

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "run":
		err = runDaemon()
	case "hook":
		err = runHook()
	case "activate":
		err = runActivate(args[1:], true)
	case "raise":
		err = runActivate(args[1:], false)
	case "list":
		err = runList()
	case "version":
		fmt.Println("termdeck " + Version)
	default:
		fmt.Fprintf(os.Stderr, "termdeck: unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "termdeck:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: termdeck <command>

Commands:
  run        run the session-tracking daemon
  hook       consume one agent hook payload from stdin and spool it
  activate   bring a session's terminal window to front: activate <terminal-key>
  raise      raise a window without stealing focus: raise <terminal-key>
  list       one-shot scan of running agent sessions
  version    print version
`)
}

// loadConfig reads the user config and wires up logging.
func loadConfig(withLogs bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logDir := ""
	if withLogs {
		logDir = filepath.Join(config.Home(), "logs")
	}
	logging.Init(logging.Config{
		LogDir:     logDir,
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
	})
	return cfg, nil
}

// logBroadcaster is the default broadcast collaborator: registry changes
// go to the structured log, where external transports can tail them.
type logBroadcaster struct {
	log *slog.Logger
}

func (b *logBroadcaster) SessionUpdated(s *session.Session) {
	b.log.Info("session_updated",
		slog.String("session_id", s.ID),
		slog.String("status", string(s.Status)),
		slog.String("project", s.ProjectName),
		slog.String("terminal_key", s.TerminalKeyRaw))
}

func (b *logBroadcaster) SessionRemoved(id string) {
	b.log.Info("session_removed", slog.String("session_id", id))
}

func (b *logBroadcaster) FocusChanged(id string) {
	b.log.Info("focus_changed", slog.String("session_id", id))
}

func runDaemon() error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	defer logging.Shutdown()
	log := logging.ForComponent(logging.CompMain)

	cat, err := catalog.Open(filepath.Join(config.Home(), "catalog.db"))
	if err != nil {
		return err
	}
	defer cat.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := session.NewRegistry(cfg, cat, &logBroadcaster{log: log})
	handler := session.NewHandler(registry)
	scanner := procscan.NewScanner(cfg.Agent.Binary)
	discovery := session.NewDiscovery(cfg, cat)

	feed, err := hookfeed.New(config.EventsDir(), handler)
	if err != nil {
		return fmt.Errorf("watch events dir: %w", err)
	}
	defer feed.Close()

	registry.RunSweeps(ctx)

	watcher := focus.NewWatcher(registry, cfg.FocusPollInterval())
	go watcher.Run(ctx)

	go scanLoop(ctx, cfg, scanner, discovery, registry)

	log.Info("daemon_started",
		slog.String("version", Version),
		slog.String("agent_binary", cfg.Agent.Binary),
		slog.String("events_dir", config.EventsDir()))

	<-ctx.Done()
	log.Info("daemon_stopped")
	return nil
}

// scanLoop runs discovery immediately and then on every scan interval.
func scanLoop(ctx context.Context, cfg *config.Config, scanner *procscan.Scanner, discovery *session.Discovery, registry *session.Registry) {
	scanOnce(ctx, scanner, discovery, registry)

	ticker := time.NewTicker(cfg.ScanInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scanOnce(ctx, scanner, discovery, registry)
		}
	}
}

func scanOnce(ctx context.Context, scanner *procscan.Scanner, discovery *session.Discovery, registry *session.Registry) {
	procs := scanner.Scan(ctx)

	byCWD := make(map[string][]procscan.Process)
	for _, p := range procs {
		if p.CWD == "" {
			continue
		}
		byCWD[p.CWD] = append(byCWD[p.CWD], p)
	}

	for cwd, group := range byCWD {
		for _, pairing := range discovery.Resolve(ctx, cwd, group) {
			registry.RegisterDiscovered(cwd, pairing)
		}
	}
}

// runActivate drives the terminal activator directly and prints the
// structured result as JSON.
func runActivate(args []string, activateMode bool) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one terminal key argument")
	}
	if _, err := loadConfig(false); err != nil {
		return err
	}

	a := activate.New()
	key := termkey.Parse(args[0])

	var res activate.Result
	if activateMode {
		res = a.Activate(context.Background(), key)
	} else {
		res = a.Raise(context.Background(), key)
	}

	out, _ := json.Marshal(res)
	fmt.Println(string(out))
	if !res.Success {
		os.Exit(1)
	}
	return nil
}

// runList performs one discovery pass and prints the sessions found.
func runList() error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	cat, err := catalog.Open(filepath.Join(config.Home(), "catalog.db"))
	if err != nil {
		return err
	}
	defer cat.Close()

	ctx := context.Background()
	registry := session.NewRegistry(cfg, cat, nil)
	scanner := procscan.NewScanner(cfg.Agent.Binary)
	discovery := session.NewDiscovery(cfg, cat)
	scanOnce(ctx, scanner, discovery, registry)

	sessions := registry.List()
	if len(sessions) == 0 {
		fmt.Println("no running agent sessions found")
		return nil
	}

	fmt.Printf("%-38s %-20s %-10s %-8s %s\n", "SESSION", "PROJECT", "STATUS", "PID", "TERMINAL")
	for _, s := range sessions {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprintf("%d", s.PID)
		}
		fmt.Printf("%-38s %-20s %-10s %-8s %s\n",
			s.ID, s.ProjectName, s.Status, pid, s.TerminalKeyRaw)
	}
	return nil
}
