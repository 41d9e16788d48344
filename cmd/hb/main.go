// hb is an agent-safe bulk-operations CLI for work-tracking backends.
//
// Discovery produces an opaque query handle; bulk actions, undo, and forensic
// analysis all operate on handles instead of raw id lists, so a confused
// caller cannot mutate items it never queried.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/backend/ado"
	"github.com/kestrelworks/handlebar/internal/bulk"
	"github.com/kestrelworks/handlebar/internal/config"
	"github.com/kestrelworks/handlebar/internal/debug"
	"github.com/kestrelworks/handlebar/internal/enrich"
	"github.com/kestrelworks/handlebar/internal/forensic"
	"github.com/kestrelworks/handlebar/internal/handle"
	"github.com/kestrelworks/handlebar/internal/telemetry"
	"github.com/kestrelworks/handlebar/internal/ui"
	"github.com/kestrelworks/handlebar/internal/undo"
)

// Version is set at build time via -ldflags.
var (
	Version = "dev"
	Build   = "unknown"
)

// Global flag-bound values.
var (
	jsonOutput  bool
	verboseFlag bool
	quietFlag   bool
	actorFlag   string
	orgFlag     string
	projectFlag string
)

// rootCtx cancels on SIGINT/SIGTERM so in-flight bulk work stops cleanly.
var (
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// store holds this process's query handles. Handles are process-scoped:
// pipelines ('hb run') and inline discovery flags make single invocations
// usable end to end.
var store = handle.NewStore()

var rootCmd = &cobra.Command{
	Use:   "hb",
	Short: "hb - agent-safe bulk operations for work tracking",
	Long: `Bulk mutations over work-tracking items, guarded by query handles.

Discovery returns an opaque handle; every mutation targets a handle plus a
selector, never a raw id list. Successful operations are recorded for undo,
and forensic analysis can detect and revert a specific actor's changes from
the backend's own revision history.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("hb version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
		ui.DisableColorForNonTTY()

		if err := telemetry.Init(rootCtx, "hb", Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	},
}

func init() {
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "Actor identity for forensic filters (default: config key actor)")
	rootCmd.PersistentFlags().StringVar(&orgFlag, "org", "", "Backend organization (default: config key organization)")
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "", "Backend project (default: config key project)")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

// newBackend builds the REST backend from flags and config.
func newBackend() (backend.Backend, error) {
	org := orgFlag
	if org == "" {
		org = config.GetString("organization")
	}
	project := projectFlag
	if project == "" {
		project = config.GetString("project")
	}
	pat := config.GetString("pat")

	if org == "" || project == "" {
		return nil, fmt.Errorf("backend not configured: set organization and project in .hb/config.yaml or pass --org/--project")
	}
	if pat == "" {
		return nil, fmt.Errorf("no PAT configured: set HB_PAT (or AZURE_DEVOPS_EXT_PAT), or the pat config key")
	}
	return ado.NewClient(org, project, pat), nil
}

// newExecutor wires the bulk executor, attaching the enrichment client only
// when an API key is available. Without one, ai-enrich fails validation with
// an actionable message instead of failing per item mid-run.
func newExecutor(be backend.Backend) *bulk.Executor {
	e := bulk.NewExecutor(be, store)
	if c := config.GetInt("concurrency"); c > 0 {
		e.Concurrency = c
	}
	if b := config.GetInt("batch-size"); b > 0 {
		e.BatchSize = b
	}
	if t := config.GetDuration("call-timeout"); t > 0 {
		e.CallTimeout = t
	}
	if client, err := enrich.New(config.GetString("enrich.api-key"), config.GetString("enrich.model")); err == nil {
		e.Enricher = client
	}
	return e
}

func newUndoEngine(be backend.Backend) *undo.Engine {
	e := undo.NewEngine(be, store)
	if c := config.GetInt("concurrency"); c > 0 {
		e.Concurrency = c
	}
	return e
}

func newForensicEngine(be backend.Backend) *forensic.Engine {
	e := forensic.NewEngine(be, store)
	if c := config.GetInt("concurrency"); c > 0 {
		e.Concurrency = c
	}
	return e
}

// actor resolves the forensic actor identity: flag, then config.
func actor() string {
	if actorFlag != "" {
		return actorFlag
	}
	return config.GetString("actor")
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
