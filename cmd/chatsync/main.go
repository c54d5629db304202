package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/thaiqd1-tech/chatsync/internal/channel"
	"github.com/thaiqd1-tech/chatsync/internal/chat"
	"github.com/thaiqd1-tech/chatsync/internal/chat/historycache"
	"github.com/thaiqd1-tech/chatsync/internal/config"
	"github.com/thaiqd1-tech/chatsync/internal/lockfile"
	"github.com/thaiqd1-tech/chatsync/internal/threadapi"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "chat":
		chatCmd(os.Args[2:])
	case "threads":
		threadsCmd(os.Args[2:])
	case "version":
		fmt.Printf("chatsync %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `chatsync

Usage:
  chatsync init [flags]
  chatsync chat --agent <agent_id> [flags]
  chatsync threads --agent <agent_id> [flags]
  chatsync version

Commands:
  init      Write the local config file (API base URL, channel URL, token, workspace).
  chat      Open (or create) the agent's thread and chat interactively.
  threads   List the agent's threads in update-recency order.
  version   Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	apiBase := fs.String("api", "", "API base URL (e.g. https://app.example.invalid)")
	channelURL := fs.String("channel", "", "Realtime channel websocket URL (e.g. wss://app.example.invalid/ws)")
	token := fs.String("token", "", "Session token (Bearer)")
	workspace := fs.String("workspace", "", "Workspace public id")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")

	logFormat := fs.String("log-format", "text", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if *apiBase == "" || *channelURL == "" || *token == "" || *workspace == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		APIBaseURL:  strings.TrimSpace(*apiBase),
		ChannelURL:  strings.TrimSpace(*channelURL),
		Token:       strings.TrimSpace(*token),
		WorkspaceID: strings.TrimSpace(*workspace),
		CachePath:   config.DefaultCachePath(),
		LogFormat:   strings.TrimSpace(*logFormat),
		LogLevel:    strings.TrimSpace(*logLevel),
	}
	if err := config.Save(*cfgPath, cfg); err != nil {
		fatalf("write config: %v", err)
	}
	fmt.Printf("wrote %s\n", *cfgPath)
}

func threadsCmd(args []string) {
	fs := flag.NewFlagSet("threads", flag.ExitOnError)
	agentID := fs.String("agent", "", "Agent public id")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	timeout := fs.Duration("timeout", 15*time.Second, "Request timeout")
	_ = fs.Parse(args)

	if strings.TrimSpace(*agentID) == "" {
		fs.Usage()
		os.Exit(2)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	api := threadapi.New(cfg.APIBaseURL, cfg.Token)
	threads, err := api.ListThreadsByAgent(ctx, strings.TrimSpace(*agentID))
	if err != nil {
		fatalf("list threads: %v", err)
	}
	if len(threads) == 0 {
		fmt.Println("no threads")
		return
	}
	for _, t := range threads {
		updated := time.UnixMilli(t.UpdatedAtUnixMs).Format(time.RFC3339)
		title := strings.TrimSpace(t.Title)
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s\n", t.ID, updated, title)
	}
}

func chatCmd(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	agentID := fs.String("agent", "", "Agent public id")
	forceNew := fs.Bool("new", false, "Start a new conversation instead of resuming")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	if strings.TrimSpace(*agentID) == "" {
		fs.Usage()
		os.Exit(2)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	log := newLogger(cfg.LogFormat, cfg.LogLevel)

	var cache *historycache.Store
	if cachePath := strings.TrimSpace(cfg.CachePath); cachePath != "" {
		// One writer per cache: a second chatsync instance runs uncached.
		lock, lerr := lockfile.Acquire(cachePath + ".lock")
		if lerr != nil {
			if errors.Is(lerr, lockfile.ErrAlreadyLocked) {
				log.Warn("transcript cache in use by another chatsync process, continuing without cache", "path", cachePath)
			} else {
				log.Warn("transcript cache lock failed, continuing without cache", "path", cachePath, "error", lerr)
			}
		} else {
			defer lock.Release()
			cache, err = historycache.Open(cachePath)
			if err != nil {
				log.Warn("transcript cache unavailable", "path", cachePath, "error", err)
				cache = nil
			} else {
				defer cache.Close()
			}
		}
	}

	api := threadapi.New(cfg.APIBaseURL, cfg.Token)
	transport := channel.NewTransport(log, channel.Options{})
	engine := chat.NewEngine(log, transport, api, cache, chat.Config{
		Endpoint:        channel.Endpoint{BaseURL: cfg.ChannelURL, Token: cfg.Token},
		RevealChunkSize: cfg.RevealChunkSize,
		RevealUnit:      chat.RevealUnit(cfg.RevealUnit),
		RevealInterval:  cfg.RevealInterval(),
		VerifyDelay:     cfg.VerifyDelay(),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine.Start(ctx)
	defer engine.Stop()
	defer transport.Close()

	transport.ObserveState(func(s channel.State) {
		switch s {
		case channel.StateClosed:
			fmt.Println("\n[channel closed; type /reconnect to resume]")
		case channel.StateOpen:
			fmt.Println("[channel open]")
		}
	})

	if err := engine.Connect(ctx); err != nil {
		fatalf("connect: %v", err)
	}

	res, err := engine.OpenAgent(ctx, strings.TrimSpace(*agentID), cfg.WorkspaceID, *forceNew)
	if err != nil {
		fatalf("open thread: %v", err)
	}
	fmt.Printf("thread %s (%d messages, %d threads)\n", res.ThreadID, len(res.Messages), len(res.Threads))
	fmt.Println("commands: /switch <id>, /rename <title>, /delete [--force] <id>, /reconnect, /quit")
	printTranscript(engine.Snapshot())

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-engine.Updates():
			printLatest(engine.Snapshot())
		case line, ok := <-lines:
			if !ok {
				return
			}
			if handleLine(ctx, engine, cfg, line) {
				return
			}
		}
	}
}

// handleLine dispatches one input line; returns true to quit.
func handleLine(ctx context.Context, engine *chat.Engine, cfg *config.Config, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/reconnect":
		if err := engine.Reconnect(ctx); err != nil {
			fmt.Printf("reconnect failed: %v\n", err)
		}
		return false
	case strings.HasPrefix(line, "/switch "):
		tid := strings.TrimSpace(strings.TrimPrefix(line, "/switch "))
		if err := engine.SwitchThread(ctx, tid); err != nil {
			fmt.Printf("switch failed: %v\n", err)
		} else {
			printTranscript(engine.Snapshot())
		}
		return false
	case strings.HasPrefix(line, "/rename "):
		title := strings.TrimSpace(strings.TrimPrefix(line, "/rename "))
		tid := engine.Snapshot().ThreadID
		if err := engine.RenameThread(ctx, tid, title); err != nil {
			fmt.Printf("rename failed: %v\n", err)
		}
		return false
	case strings.HasPrefix(line, "/delete "):
		arg := strings.TrimSpace(strings.TrimPrefix(line, "/delete "))
		force := false
		if rest, ok := strings.CutPrefix(arg, "--force "); ok {
			force = true
			arg = strings.TrimSpace(rest)
		}
		if err := engine.DeleteThread(ctx, arg, force); err != nil {
			if errors.Is(err, chat.ErrReplyPending) {
				fmt.Println("reply in progress; use /delete --force <thread_id>")
			} else {
				fmt.Printf("delete failed: %v\n", err)
			}
		}
		return false
	default:
		if _, err := engine.Send(ctx, line); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
		return false
	}
}

func printTranscript(snap chat.Snapshot) {
	for _, m := range snap.Messages {
		printMessage(m, snap)
	}
}

// printLatest renders only the live tail: thinking/trace status and the
// reveal in progress.
func printLatest(snap chat.Snapshot) {
	if snap.LastWarning != "" {
		fmt.Printf("! %s\n", snap.LastWarning)
	}
	for _, e := range snap.Trace {
		fmt.Printf("  … %s\n", strings.TrimSpace(e.Content))
	}
	if snap.Thinking && len(snap.Trace) == 0 {
		fmt.Println("  … thinking")
	}
	if snap.Reveal.MessageID != "" && snap.Reveal.Done {
		fmt.Printf("agent> %s\n", snap.Reveal.Visible)
	}
}

func printMessage(m chat.Message, snap chat.Snapshot) {
	prefix := "you> "
	if m.Sender == chat.SenderAgent {
		prefix = "agent> "
	}
	content := m.Content
	if m.ID != "" && m.ID == snap.Reveal.MessageID && !snap.Reveal.Done {
		content = snap.Reveal.Visible
	}
	suffix := ""
	if m.Pending {
		suffix = " (sending…)"
	}
	fmt.Printf("%s%s%s\n", prefix, content, suffix)
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.TrimSpace(strings.ToLower(format)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
