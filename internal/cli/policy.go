package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/blockstate/internal/config"
)

// policyView is a validated policy's summary.
type policyView struct {
	Source string         `json:"source"`
	Policy map[string]any `json:"policy"`
}

func (v policyView) Text(w io.Writer) error {
	fmt.Fprintf(w, "policy %s: valid\n", v.Source)
	keys := make([]string, 0, len(v.Policy))
	for k := range v.Policy {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s\t%v\n", k, v.Policy[k])
	}
	return tw.Flush()
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect node policy files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check [FILE]",
		Short: "Validate a CUE policy file and print the effective policy",
		Long: `Validate a policy file against the built-in schema and print the
policy after defaults. Without FILE, --policy (or BLOCKSTATE_POLICY)
is checked; with neither, the built-in policy is printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := opts.Policy
			if len(args) == 1 {
				source = args[0]
			}
			p := config.DefaultPolicy()
			if source != "" {
				var err error
				if p, err = config.LoadPolicyFile(source); err != nil {
					return wrapOpError("invalid policy", err)
				}
			} else {
				source = "(built-in)"
			}
			return opts.formatter(cmd).Success(policyView{Source: source, Policy: p.Summary()})
		},
	})

	return cmd
}
