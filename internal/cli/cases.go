package cli

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/formcore/internal/caseapi"
	"github.com/roach88/formcore/internal/model"
)

// CaseOptions holds flags for the case command.
type CaseOptions struct {
	*RootOptions
	Domain       string
	Transactions bool
}

// CaseOutput is the JSON rendering of a case and, optionally, its
// transaction log.
type CaseOutput struct {
	caseapi.View
	Deleted      bool                `json:"deleted"`
	Transactions []TransactionOutput `json:"transactions,omitempty"`
}

// TransactionOutput is one entry of a case's transaction log.
type TransactionOutput struct {
	FormID     string    `json:"form_id"`
	Type       string    `json:"type"`
	Revoked    bool      `json:"revoked"`
	ServerDate time.Time `json:"server_date"`
}

// NewCaseCommand creates the case command.
func NewCaseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CaseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "case <case-id>",
		Short: "Show a case",
		Long: `Show a case's current state. With --transactions the forms that
touched it are listed in server order, revoked ones included.

Example:
  formcore case --config formcore.yaml --domain demo C1 --transactions`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowCase(opts, args[0], cmd)
		},
	}
	addDomainFlag(cmd, &opts.Domain)
	cmd.Flags().BoolVarP(&opts.Transactions, "transactions", "t", false, "include the transaction log")
	return cmd
}

func runShowCase(opts *CaseOptions, caseID string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	c, err := a.Processor.Case(ctx, opts.Domain, caseID)
	if err != nil {
		return reportLookupError(out, err)
	}
	o := CaseOutput{View: caseapi.NewView(c), Deleted: c.Deleted}
	if opts.Transactions {
		txs, err := a.Processor.CaseTransactions(ctx, opts.Domain, caseID)
		if err != nil {
			return reportLookupError(out, err)
		}
		o.Transactions = newTransactionOutputs(txs)
	}
	return out.Success(o.text(), o)
}

func newTransactionOutputs(txs []model.CaseTransaction) []TransactionOutput {
	out := make([]TransactionOutput, len(txs))
	for i, tx := range txs {
		out[i] = TransactionOutput{
			FormID:     tx.FormID,
			Type:       tx.Type.String(),
			Revoked:    tx.Revoked,
			ServerDate: tx.ServerDate,
		}
	}
	return out
}

func (o CaseOutput) text() string {
	var b strings.Builder
	status := "open"
	switch {
	case o.Deleted:
		status = "deleted"
	case o.Closed:
		status = "closed"
	}
	fmt.Fprintf(&b, "case %s (%s, %s)\n", o.CaseID, o.CaseType, status)
	fmt.Fprintf(&b, "  name:     %s\n", o.CaseName)
	fmt.Fprintf(&b, "  owner_id: %s\n", o.OwnerID)
	if o.ExternalID != "" {
		fmt.Fprintf(&b, "  external: %s\n", o.ExternalID)
	}
	for _, k := range sortedKeys(o.Properties) {
		fmt.Fprintf(&b, "  %s = %s\n", k, o.Properties[k])
	}
	for _, k := range sortedKeys(o.Indices) {
		idx := o.Indices[k]
		fmt.Fprintf(&b, "  index %s -> %s (%s)\n", k, idx.CaseID, idx.Relationship)
	}
	for _, tx := range o.Transactions {
		revoked := ""
		if tx.Revoked {
			revoked = " revoked"
		}
		fmt.Fprintf(&b, "  tx %s %s%s\n", tx.FormID, tx.Type, revoked)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
