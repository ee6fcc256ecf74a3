package cli

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/processor"
	"github.com/roach88/formcore/internal/repo"
)

// FormOptions holds the flags shared by the form commands.
type FormOptions struct {
	*RootOptions
	Domain string
	UserID string
}

// FormOutput is the JSON rendering of a stored form.
type FormOutput struct {
	FormID           string                `json:"form_id"`
	Domain           string                `json:"domain"`
	XMLNS            string                `json:"xmlns"`
	State            string                `json:"state"`
	ReceivedOn       time.Time             `json:"received_on"`
	UserID           string                `json:"user_id,omitempty"`
	OrigID           string                `json:"orig_id,omitempty"`
	DeprecatedFormID string                `json:"deprecated_form_id,omitempty"`
	Problem          string                `json:"problem,omitempty"`
	History          []model.FormOperation `json:"history,omitempty"`
	Attachments      []string              `json:"attachments,omitempty"`
}

func newFormOutput(f *model.Form) FormOutput {
	names := make([]string, 0, len(f.Attachments))
	for name := range f.Attachments {
		names = append(names, name)
	}
	slices.Sort(names)
	return FormOutput{
		FormID:           f.FormID,
		Domain:           f.Domain,
		XMLNS:            f.XMLNS,
		State:            f.State.String(),
		ReceivedOn:       f.ReceivedOn,
		UserID:           f.UserID,
		OrigID:           f.OrigID,
		DeprecatedFormID: f.DeprecatedFormID,
		Problem:          f.Problem,
		History:          f.History,
		Attachments:      names,
	}
}

func (o FormOutput) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "form %s (%s)\n", o.FormID, o.State)
	fmt.Fprintf(&b, "  domain:      %s\n", o.Domain)
	fmt.Fprintf(&b, "  xmlns:       %s\n", o.XMLNS)
	fmt.Fprintf(&b, "  received_on: %s\n", o.ReceivedOn.Format(time.RFC3339))
	if o.UserID != "" {
		fmt.Fprintf(&b, "  user_id:     %s\n", o.UserID)
	}
	if o.OrigID != "" {
		fmt.Fprintf(&b, "  orig_id:     %s\n", o.OrigID)
	}
	if o.DeprecatedFormID != "" {
		fmt.Fprintf(&b, "  deprecated:  %s\n", o.DeprecatedFormID)
	}
	if o.Problem != "" {
		fmt.Fprintf(&b, "  problem:     %s\n", o.Problem)
	}
	if len(o.Attachments) > 0 {
		fmt.Fprintf(&b, "  attachments: %s\n", strings.Join(o.Attachments, ", "))
	}
	for _, h := range o.History {
		fmt.Fprintf(&b, "  %s by %s at %s\n", h.Operation, h.UserID, h.Date.Format(time.RFC3339))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// NewFormCommand creates the form command.
func NewFormCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FormOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "form <form-id>",
		Short: "Show a stored form",
		Long: `Show the form stored under an id. Deprecated, duplicate and some error
records are stored under generated ids; their orig_id is the instance id they
were submitted as.

Example:
  formcore form --config formcore.yaml --domain demo f1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowForm(opts, args[0], cmd)
		},
	}
	addDomainFlag(cmd, &opts.Domain)
	return cmd
}

func runShowForm(opts *FormOptions, formID string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := a.Processor.Form(commandContext(cmd), opts.Domain, formID)
	if err != nil {
		return reportLookupError(out, err)
	}
	o := newFormOutput(f)
	return out.Success(o.text(), o)
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	return newTransitionCommand(rootOpts, true)
}

// NewUnarchiveCommand creates the unarchive command.
func NewUnarchiveCommand(rootOpts *RootOptions) *cobra.Command {
	return newTransitionCommand(rootOpts, false)
}

func newTransitionCommand(rootOpts *RootOptions, archive bool) *cobra.Command {
	opts := &FormOptions{RootOptions: rootOpts}
	use, short, long := "unarchive", "Restore an archived form",
		`Move an archived form back to normal and replay its case transactions.`
	if archive {
		use, short, long = "archive", "Archive a form",
			`Archive a normal form. Its case transactions are revoked and every case
they touched is rebuilt; a case left with no live transactions is deleted.`
	}

	cmd := &cobra.Command{
		Use:           use + " <form-id>",
		Short:         short,
		Long:          long + "\n\nExample:\n  formcore " + use + " --config formcore.yaml --domain demo f1",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(opts, archive, args[0], cmd)
		},
	}
	addDomainFlag(cmd, &opts.Domain)
	cmd.Flags().StringVar(&opts.UserID, "user", "system", "user recorded in the form history")
	return cmd
}

func runTransition(opts *FormOptions, archive bool, formID string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	call := a.Processor.Unarchive
	if archive {
		call = a.Processor.Archive
	}
	f, err := call(commandContext(cmd), opts.Domain, formID, opts.UserID)
	if err != nil {
		return reportLookupError(out, err)
	}
	o := newFormOutput(f)
	return out.Success(fmt.Sprintf("form %s is %s", f.FormID, o.State), o)
}

func addDomainFlag(cmd *cobra.Command, domain *string) {
	cmd.Flags().StringVarP(domain, "domain", "d", "", "domain (required)")
	_ = cmd.MarkFlagRequired("domain")
}

// reportLookupError prints err and picks the exit code: a missing record or
// refused transition is a failure, anything else a command error.
func reportLookupError(out *OutputFormatter, err error) error {
	switch {
	case errors.Is(err, repo.ErrFormNotFound), errors.Is(err, repo.ErrCaseNotFound):
		_ = out.Error("NOT_FOUND", err.Error(), nil)
		return WrapExitError(ExitFailure, "not found", err)
	case errors.Is(err, processor.ErrInvalidState):
		_ = out.Error("INVALID_STATE", err.Error(), nil)
		return WrapExitError(ExitFailure, "invalid state", err)
	case processor.IsLocked(err):
		_ = out.Error(string(processor.CodeLocked), err.Error(), nil)
		return WrapExitError(ExitFailure, "locked", err)
	}
	_ = out.Error(string(processor.CodeStorage), err.Error(), nil)
	return WrapExitError(ExitCommandError, "storage failure", err)
}
