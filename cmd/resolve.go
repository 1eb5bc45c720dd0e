package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klikkflow/flowsync/core/collab"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <conflict.yaml>",
	Short: "Detect and resolve conflicts between two operations",
	Long: `Read two operations a and b from a YAML file, detect the conflicts b
raises against a, and resolve each one.

Without --strategy the strategy is chosen by the configured path policies,
falling back to the configured default.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResolve,
}

var (
	resolveStrategy string
	resolveChoice   string
	resolveList     bool
)

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVarP(&resolveStrategy, "strategy", "s", "", "Resolution strategy (last-write-wins,first-write-wins,smart-merge,three-way-merge,manual)")
	resolveCmd.Flags().StringVar(&resolveChoice, "choice", "", "Id of the operation to keep with the manual strategy")
	resolveCmd.Flags().BoolVar(&resolveList, "list-strategies", false, "List registered strategies and exit")
}

type resolveOutcome struct {
	Conflict   collab.Conflict   `json:"conflict"`
	Resolution collab.Resolution `json:"resolution"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	resolver, err := newResolver()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if resolveList {
		for _, name := range resolver.Strategies() {
			fmt.Fprintln(out, name)
		}
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("resolve requires a conflict file")
	}
	var sc conflictScript
	if err := readYAML(args[0], &sc); err != nil {
		return err
	}
	outcomes, err := resolveScript(resolver, sc)
	if err != nil {
		return err
	}

	if wantJSON(out) {
		return writeJSON(out, outcomes)
	}
	printOutcomes(out, outcomes)
	return nil
}

func newResolver() (*collab.Resolver, error) {
	policies, err := appConfig.Collab.PathPolicies()
	if err != nil {
		return nil, err
	}
	return collab.NewResolver(
		collab.WithDefaultStrategy(appConfig.Collab.DefaultStrategy),
		collab.WithPolicies(policies...),
		collab.WithResolverLogger(appLogger),
	), nil
}

func resolveScript(resolver *collab.Resolver, sc conflictScript) ([]resolveOutcome, error) {
	if sc.A == nil || sc.B == nil {
		return nil, fmt.Errorf("conflict file needs both a and b")
	}
	a, err := decodeOperation(sc.A)
	if err != nil {
		return nil, fmt.Errorf("a: %w", err)
	}
	b, err := decodeOperation(sc.B)
	if err != nil {
		return nil, fmt.Errorf("b: %w", err)
	}

	window := appConfig.Collab.ConflictWindow
	if sc.Window != "" {
		if window, err = time.ParseDuration(sc.Window); err != nil {
			return nil, fmt.Errorf("window: %w", err)
		}
	}

	conflicts := collab.NewDetector(window).Detect(b, []collab.Operation{a})
	outcomes := make([]resolveOutcome, 0, len(conflicts))
	for i := range conflicts {
		var res collab.Resolution
		if resolveStrategy != "" {
			res, err = resolver.Resolve(&conflicts[i], resolveStrategy, resolveChoice)
		} else {
			res, err = resolver.ResolveAuto(&conflicts[i])
		}
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, resolveOutcome{Conflict: conflicts[i], Resolution: res})
	}
	return outcomes, nil
}

func printOutcomes(w io.Writer, outcomes []resolveOutcome) {
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "No conflicts.")
		return
	}
	for _, o := range outcomes {
		fmt.Fprintf(w, "%s on %s\n", o.Conflict.Kind, strings.Join(o.Conflict.AffectedPaths, ", "))
		fmt.Fprintf(w, "  incoming  %s\n", describeOperation(o.Conflict.Operations[0]))
		fmt.Fprintf(w, "  recent    %s\n", describeOperation(o.Conflict.Operations[1]))
		fmt.Fprintf(w, "  %s\n\n", describeResolution(o.Resolution))
	}
}
