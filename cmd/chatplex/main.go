package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/chatplex/chatplex/internal/branch"
	"github.com/chatplex/chatplex/internal/config"
	"github.com/chatplex/chatplex/internal/convstore"
	"github.com/chatplex/chatplex/internal/lockfile"
	"github.com/chatplex/chatplex/internal/settings"
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
	case "list":
		listCmd(os.Args[2:])
	case "show":
		showCmd(os.Args[2:])
	case "branches":
		branchesCmd(os.Args[2:])
	case "search":
		searchCmd(os.Args[2:])
	case "duplicate":
		duplicateCmd(os.Args[2:])
	case "settings":
		settingsCmd(os.Args[2:])
	case "version":
		fmt.Printf("chatplex %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `chatplex

Usage:
  chatplex list [flags]
  chatplex show <conversation-id> [-branch key] [flags]
  chatplex branches <conversation-id> [flags]
  chatplex search <query> [flags]
  chatplex duplicate <conversation-id> [flags]
  chatplex settings <conversation-id> [flags]
  chatplex version

Commands:
  list        List conversations, newest activity first.
  show        Print one conversation's messages (current or named branch).
  branches    List the physical branch keys of a conversation.
  search      Find conversations by title or message text across all branches.
  duplicate   Copy a conversation with all of its branches.
  settings    Print a conversation's resolved settings.
  version     Print build information.

Flags common to all commands:
  -config path   Config file (default %s)
  -data dir      Conversations root (overrides config)

`, config.DefaultConfigPath())
}

func commonFlags(fs *flag.FlagSet) (configPath *string, dataDir *string) {
	configPath = fs.String("config", config.DefaultConfigPath(), "config file path")
	dataDir = fs.String("data", "", "conversations root (overrides config)")
	return
}

// openEnv loads config, locks the data dir and opens the store. The lock is
// held for the lifetime of the command: the store allows only one process.
func openEnv(configPath, dataDir string) (*config.Config, *convstore.Store, *lockfile.Lock, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	dir := strings.TrimSpace(dataDir)
	if dir == "" {
		dir = cfg.ResolvedDataDir()
	}

	log := cfg.NewLogger(os.Stderr)
	store, err := convstore.Open(dir, log)
	if err != nil {
		return nil, nil, nil, err
	}
	lock, err := lockfile.Acquire(config.LockPath(dir))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, nil, nil, fmt.Errorf("%s is in use by another chatplex process", dir)
		}
		return nil, nil, nil, err
	}
	return cfg, store, lock, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "chatplex: %v\n", err)
	os.Exit(1)
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath, dataDir := commonFlags(fs)
	_ = fs.Parse(args)

	_, store, lock, err := openEnv(*configPath, *dataDir)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = lock.Release() }()

	convs, err := store.ListConversations(context.Background())
	if err != nil {
		fatal(err)
	}
	for _, c := range convs {
		kind := "chat"
		if c.IsAgent {
			kind = "agent"
		}
		fmt.Printf("%s  %-5s  %s  %s\n", c.ID, kind, c.UpdatedAt.Format("2006-01-02 15:04"), c.Title)
	}
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath, dataDir := commonFlags(fs)
	branchKey := fs.String("branch", "", "branch key to show instead of the current branch")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatal(errors.New("missing conversation id"))
	}

	var coord branch.Coordinate
	if strings.TrimSpace(*branchKey) != "" {
		var err error
		coord, err = branch.Decode(*branchKey)
		if err != nil {
			fatal(err)
		}
	}

	_, store, lock, err := openEnv(*configPath, *dataDir)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = lock.Release() }()

	view, err := store.GetConversation(context.Background(), fs.Arg(0), coord)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s (%s) branch=%s\n", view.Title, view.ID, branch.Encode(view.Branch))
	for _, m := range view.Messages {
		marker := ""
		if m.TotalVersions > 1 {
			marker = fmt.Sprintf(" [%d/%d]", m.CurrentVersion, m.TotalVersions)
		}
		if m.Streaming {
			marker += " [streaming]"
		}
		fmt.Printf("%3d %-9s%s %s\n", m.Position, m.Role, marker, firstLine(m.Content.PlainText()))
	}
}

func branchesCmd(args []string) {
	fs := flag.NewFlagSet("branches", flag.ExitOnError)
	configPath, dataDir := commonFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatal(errors.New("missing conversation id"))
	}

	_, store, lock, err := openEnv(*configPath, *dataDir)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = lock.Release() }()

	ctx := context.Background()
	view, err := store.GetConversation(ctx, fs.Arg(0), nil)
	if err != nil {
		fatal(err)
	}
	keys, err := store.ListBranchKeys(ctx, fs.Arg(0))
	if err != nil {
		fatal(err)
	}
	for _, key := range keys {
		current := " "
		if branch.Equal(key, view.Branch) {
			current = "*"
		}
		msgs, err := store.ReadMessages(ctx, fs.Arg(0), key)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %-12s %d messages\n", current, branch.Encode(key), len(msgs))
	}
}

func searchCmd(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath, dataDir := commonFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatal(errors.New("missing query"))
	}

	_, store, lock, err := openEnv(*configPath, *dataDir)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = lock.Release() }()

	convs, err := store.SearchConversations(context.Background(), strings.Join(fs.Args(), " "))
	if err != nil {
		fatal(err)
	}
	for _, c := range convs {
		fmt.Printf("%s  %s  %s\n", c.ID, c.UpdatedAt.Format("2006-01-02 15:04"), c.Title)
	}
}

func duplicateCmd(args []string) {
	fs := flag.NewFlagSet("duplicate", flag.ExitOnError)
	configPath, dataDir := commonFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatal(errors.New("missing conversation id"))
	}

	_, store, lock, err := openEnv(*configPath, *dataDir)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = lock.Release() }()

	dup, err := store.DuplicateConversation(context.Background(), fs.Arg(0))
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s  %s\n", dup.ID, dup.Title)
}

func settingsCmd(args []string) {
	fs := flag.NewFlagSet("settings", flag.ExitOnError)
	configPath, dataDir := commonFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatal(errors.New("missing conversation id"))
	}

	cfg, store, lock, err := openEnv(*configPath, *dataDir)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = lock.Release() }()

	// Verify the conversation exists before printing resolved settings.
	if _, err := store.GetConversation(context.Background(), fs.Arg(0), nil); err != nil {
		fatal(err)
	}
	svc := settings.New(store.Root(), cfg.DefaultSettings)
	for k, v := range svc.Resolve(fs.Arg(0)) {
		fmt.Printf("%s=%v\n", k, v)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 100 {
		s = s[:100] + "…"
	}
	return s
}
