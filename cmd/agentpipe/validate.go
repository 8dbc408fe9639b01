package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentpipe/config"
	"github.com/hupe1980/agentpipe/core"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate pipeline definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			invalid := 0

			for _, path := range args {
				def, err := config.LoadDefinition(path)
				if err == nil {
					err = core.Validate(def)
				}

				if err == nil {
					fmt.Fprintf(out, "%s: valid\n", path)
					continue
				}

				invalid++

				var verr *core.ValidationError
				if errors.As(err, &verr) {
					fmt.Fprintf(out, "%s: invalid\n", path)

					for _, p := range verr.Problems {
						fmt.Fprintf(out, "  - %s\n", p)
					}

					continue
				}

				fmt.Fprintf(out, "%s: %v\n", path, err)
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions invalid", invalid, len(args))
			}

			return nil
		},
	}
}
