package cli

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/formcore/internal/attachments"
	"github.com/roach88/formcore/internal/processor"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Domain string

	// Attach holds name=path pairs. A bare path is named after its file.
	Attach []string
}

// SubmitOutput is the JSON rendering of a submission result.
type SubmitOutput struct {
	FormID   string   `json:"form_id"`
	StoredAs string   `json:"stored_as"`
	Outcome  string   `json:"outcome"`
	Cases    []string `json:"cases"`
	Created  []string `json:"created,omitempty"`
	Cascaded []string `json:"cascaded,omitempty"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <form.xml>",
		Short: "Process one form submission",
		Long: `Process an XML form exactly as the receiver would.

A submission recorded as an error form exits with code 1 and prints the
error code and problem.

Example:
  formcore submit --config formcore.yaml --domain demo visit.xml
  formcore submit --domain demo visit.xml --attach photo.jpg=./img/photo.jpg`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Domain, "domain", "d", "", "domain to submit into (required)")
	cmd.Flags().StringArrayVar(&opts.Attach, "attach", nil, "attachment as name=path (repeatable)")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

func runSubmit(opts *SubmitOptions, path string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	xml, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read form", err)
	}
	files, err := readAttachments(opts.Attach)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read attachment", err)
	}
	out.VerboseLog("submitting %s (%d bytes, %d attachments) to %s", path, len(xml), len(files), opts.Domain)

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Processor.Submit(commandContext(cmd), processor.Submission{
		Domain:      opts.Domain,
		XML:         xml,
		Attachments: files,
		Policy:      a.Config.Policy(opts.Domain),
	})
	if err != nil {
		code := string(processor.CodeOf(err))
		if code == "" {
			code = string(processor.CodeStorage)
		}
		_ = out.Error(code, err.Error(), nil)
		return WrapExitError(ExitCommandError, "submission failed", err)
	}

	if res.Outcome == processor.OutcomeError {
		_ = out.Error(string(res.Error.Code), res.Error.Problem(), map[string]string{
			"form_id":   res.FormID(),
			"stored_as": res.Form.FormID,
		})
		return NewExitError(ExitFailure, fmt.Sprintf("form %s recorded as an error", res.FormID()))
	}

	data := SubmitOutput{
		FormID:   res.FormID(),
		StoredAs: res.Form.FormID,
		Outcome:  string(res.Outcome),
		Cases:    res.CaseIDs(),
		Created:  res.Created,
		Cascaded: res.Cascaded,
	}
	return out.Success(submitText(data), data)
}

func submitText(o SubmitOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "form %s: %s", o.FormID, o.Outcome)
	if o.StoredAs != o.FormID {
		fmt.Fprintf(&b, " (stored as %s)", o.StoredAs)
	}
	if len(o.Cases) > 0 {
		fmt.Fprintf(&b, "\n  cases:    %s", strings.Join(o.Cases, ", "))
	}
	if len(o.Created) > 0 {
		fmt.Fprintf(&b, "\n  created:  %s", strings.Join(o.Created, ", "))
	}
	if len(o.Cascaded) > 0 {
		fmt.Fprintf(&b, "\n  cascaded: %s", strings.Join(o.Cascaded, ", "))
	}
	return b.String()
}

func readAttachments(specs []string) ([]attachments.File, error) {
	files := make([]attachments.File, 0, len(specs))
	for _, spec := range specs {
		name, path, ok := strings.Cut(spec, "=")
		if !ok {
			name, path = filepath.Base(spec), spec
		}
		if name == "" || path == "" {
			return nil, fmt.Errorf("invalid attachment %q: want name=path", spec)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, attachments.File{
			Name:        name,
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
			Data:        data,
		})
	}
	return files, nil
}
