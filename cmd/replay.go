package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"sync"
	"syscall"

	"github.com/klikkflow/flowsync/core/collab"
	"github.com/klikkflow/flowsync/core/config"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <script.yaml>",
	Short: "Replay an editing script through a session",
	Long: `Apply the steps of a YAML script (operations, acknowledgements, undos and
resets) to one session, then print the resulting history, signals and document.

With --persist the session is loaded from and saved to the snapshot database,
so consecutive replays continue the same session.

With --watch the script is replayed again whenever a config file changes or
the process receives SIGHUP, so edits to conflict policies can be tried
against the same script. Stop it with Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var (
	replayPersist bool
	replayVerify  bool
	replayDump    bool
	replayWatch   bool
)

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().BoolVar(&replayPersist, "persist", false, "Load and save the session snapshot")
	replayCmd.Flags().BoolVar(&replayVerify, "verify", false, "Rebuild the session from its journal and compare")
	replayCmd.Flags().BoolVar(&replayDump, "dump", false, "Dump the full result structure for debugging")
	replayCmd.Flags().BoolVar(&replayWatch, "watch", false, "Replay again whenever the configuration changes")
}

type replayStep struct {
	Step      int               `json:"step"`
	Action    string            `json:"action"`
	Applied   *collab.Operation `json:"applied,omitempty"`
	Conflicts []collab.Conflict `json:"conflicts,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type replayResult struct {
	Session  string                `json:"session"`
	Version  uint64                `json:"version"`
	Steps    []replayStep          `json:"steps"`
	History  []collab.HistoryEntry `json:"history"`
	Signals  []signalView          `json:"signals"`
	Document *collab.Document      `json:"document,omitempty"`
	Verified *bool                 `json:"verified,omitempty"`
}

type signalView struct {
	Type      string            `json:"type"`
	Operation collab.Operation  `json:"operation"`
	Other     *collab.Operation `json:"other,omitempty"`
	UserID    string            `json:"user_id"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayPersist && replayVerify {
		return errors.New("--verify cannot be combined with --persist")
	}
	if replayPersist && replayWatch {
		return errors.New("--watch cannot be combined with --persist")
	}

	var sc script
	if err := readYAML(args[0], &sc); err != nil {
		return err
	}
	if sc.Session == "" {
		sc.Session = "default"
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var persister collab.Persister
	if replayPersist {
		snapshots, err := openSnapshots(ctx)
		if err != nil {
			return err
		}
		defer snapshots.Close()
		persister = snapshots
	}

	result, err := replay(ctx, sc, persister)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if err := writeReplay(out, result); err != nil {
		return err
	}
	if !replayWatch {
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watchReplay(ctx, appConfigs, func(cfg *config.Config) error {
		appConfig = cfg
		result, err := replay(ctx, sc, nil)
		if err != nil {
			return err
		}
		return writeReplay(out, result)
	})
}

func writeReplay(out io.Writer, result *replayResult) error {
	switch {
	case replayDump:
		return writeDump(out, result)
	case wantJSON(out):
		return writeJSON(out, result)
	default:
		printReplay(out, result)
		return nil
	}
}

// watchReplay calls rerun with every configuration the manager loads until
// ctx is done. Config file writes reach it through the manager's watcher and
// SIGHUP forces a reload. Failed reloads and reruns are logged, not returned.
// mgr is closed when watchReplay returns.
func watchReplay(ctx context.Context, mgr *config.Manager, rerun func(*config.Config) error) error {
	defer mgr.Close()

	var (
		mu     sync.Mutex
		latest *config.Config
	)
	changed := make(chan struct{}, 1)
	mgr.OnChange(func(cfg *config.Config) {
		mu.Lock()
		latest = cfg
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	if err := mgr.Watch(ctx); err != nil {
		return err
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	appLogger.Info("watching configuration for changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := mgr.Reload(); err != nil {
				appLogger.Error("config reload failed", "error", err)
			}
		case <-changed:
			mu.Lock()
			cfg := latest
			mu.Unlock()
			appLogger.Info("configuration changed, replaying")
			if err := rerun(cfg); err != nil {
				appLogger.Error("replay failed", "error", err)
			}
		}
	}
}

// replay runs sc against a fresh session store. Sessions are saved through
// persister when the store closes, and a failed save fails the replay.
func replay(ctx context.Context, sc script, persister collab.Persister) (result *replayResult, err error) {
	doc, err := decodeDocument(sc.Document)
	if err != nil {
		return nil, err
	}
	base := doc.Clone()
	policies, err := appConfig.Collab.PathPolicies()
	if err != nil {
		return nil, err
	}

	journal := collab.NewMemoryJournal(collab.WithMaxJournalEntries(appConfig.Collab.JournalEntries))
	sessionOpts := []collab.SessionOption{
		collab.WithSessionLogger(appLogger),
		collab.WithHistoryCapacity(appConfig.Collab.HistoryCapacity),
		collab.WithDocument(doc),
		collab.WithJournal(journal),
		collab.WithDetector(collab.NewDetector(appConfig.Collab.ConflictWindow)),
		collab.WithResolver(collab.NewResolver(
			collab.WithDefaultStrategy(appConfig.Collab.DefaultStrategy),
			collab.WithPolicies(policies...),
			collab.WithResolverLogger(appLogger),
		)),
	}

	storeConfig := collab.StoreConfig{
		MaxSessions:    appConfig.Collab.MaxSessions,
		Logger:         appLogger,
		SessionOptions: sessionOpts,
		Persister:      persister,
	}
	store, err := collab.NewStore(storeConfig)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := store.Close(ctx); closeErr != nil {
			result, err = nil, errors.Join(err, fmt.Errorf("save session %s: %w", sc.Session, closeErr))
		}
	}()

	session, err := store.GetOrCreate(ctx, sc.Session)
	if err != nil {
		return nil, err
	}
	for _, user := range sc.Participants {
		if err := session.Join(user); err != nil {
			return nil, err
		}
	}

	result = &replayResult{Session: sc.Session}
	for i, step := range sc.Steps {
		if err := step.validate(i); err != nil {
			return nil, err
		}
		result.Steps = append(result.Steps, runStep(session, i, step))
	}

	result.Version = session.Version()
	result.History = session.Entries()
	result.Document = session.Document()
	for _, sig := range session.Drain() {
		result.Signals = append(result.Signals, signalView{
			Type:      sig.Type.String(),
			Operation: sig.Operation,
			Other:     sig.Other,
			UserID:    sig.UserID,
		})
	}

	if replayVerify {
		ok, verifyErr := verifyJournal(session, journal, base)
		if verifyErr != nil {
			return nil, verifyErr
		}
		result.Verified = &ok
	}
	return result, nil
}

func runStep(session *collab.Session, i int, step scriptStep) replayStep {
	out := replayStep{Step: i + 1}

	switch {
	case step.Op != nil:
		out.Action = "apply"
		op, err := decodeOperation(step.Op)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.Conflicts = session.Conflicts(op)
		applied, err := session.Apply(op)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.Applied = &applied

	case step.Ack != nil:
		out.Action = "ack"
		session.Acknowledge(step.Ack.User, step.Ack.Version)

	case step.Undo != "":
		out.Action = "undo"
		inverse, ok, err := session.Undo(step.Undo)
		switch {
		case err != nil:
			out.Error = err.Error()
		case !ok:
			out.Error = fmt.Sprintf("nothing to undo for %s", step.Undo)
		default:
			out.Applied = &inverse
		}

	case step.Reset:
		out.Action = "reset"
		session.Reset()
	}
	return out
}

// verifyJournal rebuilds a second session from the journal and checks that
// it reaches the same version and document.
func verifyJournal(session *collab.Session, journal *collab.MemoryJournal, base *collab.Document) (bool, error) {
	entries, err := journal.Since(0)
	if err != nil {
		return false, err
	}
	rebuilt := collab.NewSession(session.ID(),
		collab.WithHistoryCapacity(appConfig.Collab.HistoryCapacity),
		collab.WithDocument(base),
	)
	if err := rebuilt.Recover(entries); err != nil {
		return false, err
	}
	return rebuilt.Version() == session.Version() &&
		reflect.DeepEqual(normalizeDocument(rebuilt.Document()), normalizeDocument(session.Document())), nil
}

// normalizeDocument round-trips doc through JSON so numeric types and empty
// maps compare equal.
func normalizeDocument(doc *collab.Document) *collab.Document {
	if doc == nil {
		return nil
	}
	out := collab.NewDocument()
	if err := viaJSON(doc, out); err != nil {
		return doc
	}
	return out
}

func printReplay(w io.Writer, r *replayResult) {
	fmt.Fprintf(w, "Session %s at version %d\n", r.Session, r.Version)
	fmt.Fprintln(w, strings.Repeat("-", 40))

	for _, step := range r.Steps {
		line := fmt.Sprintf("%3d  %-6s", step.Step, step.Action)
		if step.Applied != nil {
			line += "  " + describeOperation(*step.Applied)
		}
		if step.Error != "" {
			line += "  error: " + step.Error
		}
		fmt.Fprintln(w, line)
		for _, c := range step.Conflicts {
			fmt.Fprintf(w, "       ! %s on %s\n", c.Kind, strings.Join(c.AffectedPaths, ", "))
		}
	}

	fmt.Fprintf(w, "\nHistory (%d entries):\n", len(r.History))
	for _, e := range r.History {
		fmt.Fprintf(w, "  %s\n", describeOperation(e.Operation))
	}

	if len(r.Signals) > 0 {
		fmt.Fprintln(w, "\nSignals:")
		for _, s := range r.Signals {
			if s.Other != nil {
				fmt.Fprintf(w, "  %s  %s (%s) vs %s (%s)\n", s.Type, s.Operation.ID, s.UserID, s.Other.ID, s.Other.UserID)
				continue
			}
			fmt.Fprintf(w, "  %s  %s\n", s.Type, s.Operation.ID)
		}
	}

	if r.Document != nil {
		fmt.Fprintf(w, "\nDocument: %d nodes, %d edges\n", len(r.Document.Nodes), len(r.Document.Edges))
		_ = writeJSON(w, r.Document)
	}
	if r.Verified != nil {
		fmt.Fprintf(w, "\nJournal replay matches: %t\n", *r.Verified)
	}
}
