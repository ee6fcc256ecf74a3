package cli

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/formcore/internal/config"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/store"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// ReconcileOutput is the JSON rendering of a reconciliation pass.
type ReconcileOutput struct {
	Cleared []StubOutput `json:"cleared"`
	Pending []StubOutput `json:"pending"`
}

// StubOutput identifies one unfinished submission.
type StubOutput struct {
	Domain    string    `json:"domain"`
	FormID    string    `json:"form_id"`
	CreatedOn time.Time `json:"created_on"`
}

func newStubOutputs(stubs []model.UnfinishedSubmission) []StubOutput {
	out := make([]StubOutput, len(stubs))
	for i, s := range stubs {
		out[i] = StubOutput{Domain: s.Domain, FormID: s.FormID, CreatedOn: s.CreatedOn}
	}
	return out
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve submissions interrupted mid-commit",
		Long: `Sweep unfinished-submission stubs older than --older-than.

A stub whose form committed is cleared. A stub whose form never committed is
reported as pending; resubmitting that form is safe.

Example:
  formcore reconcile --config formcore.yaml --older-than 10m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(opts, cmd)
		},
	}
	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 5*time.Minute, "minimum stub age")
	return cmd
}

func runReconcile(opts *ReconcileOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Processor.Reconcile(commandContext(cmd), time.Now().Add(-opts.OlderThan))
	if err != nil {
		return reportLookupError(out, err)
	}
	o := ReconcileOutput{Cleared: newStubOutputs(report.Cleared), Pending: newStubOutputs(report.Pending)}

	var b strings.Builder
	fmt.Fprintf(&b, "%d cleared, %d pending", len(o.Cleared), len(o.Pending))
	for _, p := range o.Pending {
		fmt.Fprintf(&b, "\n  pending %s/%s since %s", p.Domain, p.FormID, p.CreatedOn.Format(time.RFC3339))
	}
	return out.Success(b.String(), o)
}

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Domain string
	Yes    bool
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge <form-id>...",
		Short: "Permanently delete forms and their attachments",
		Long: `Hard-delete forms and their attachments. Case transactions are kept;
archive a form first if its case changes should be undone.

Example:
  formcore purge --config formcore.yaml --domain demo --yes f1 f2`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(opts, args, cmd)
		},
	}
	addDomainFlag(cmd, &opts.Domain)
	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm the deletion")
	return cmd
}

func runPurge(opts *PurgeOptions, formIDs []string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	if !opts.Yes {
		return NewExitError(ExitCommandError, "purge is permanent: pass --yes to confirm")
	}
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Processor.Purge(commandContext(cmd), opts.Domain, formIDs...); err != nil {
		return reportLookupError(out, err)
	}
	return out.Success(fmt.Sprintf("purged %d forms", len(formIDs)), map[string]any{"purged": formIDs})
}

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Database string
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply relational schema migrations",
		Long: `Create or upgrade the SQLite database to the latest schema.

The database is --db, or storage.sqlite_path from --config.

Example:
  formcore migrate --db ./formcore.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite database")
	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	path := opts.Database
	if path == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		if cfg.Storage.InMemory || cfg.Storage.SQLitePath == "" {
			return NewExitError(ExitCommandError, "no database: pass --db or a config with storage.sqlite_path")
		}
		path = cfg.Storage.SQLitePath
	}
	path = filepath.Clean(path)

	ctx := commandContext(cmd)
	st, err := store.Open(ctx, path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to migrate database", err)
	}
	defer st.Close()

	version, err := st.SchemaVersion(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read schema version", err)
	}
	return out.Success(
		fmt.Sprintf("%s is at schema version %d", path, version),
		map[string]any{"database": path, "version": version, "backend": config.BackendSQL},
	)
}
