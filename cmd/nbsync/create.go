package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME",
		Short: "Create a notebook and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := startSession(cmd.Context(), cmd, nil)
			if err != nil {
				return err
			}
			defer stopSession(session)
			nb, err := session.Client().CreateNotebook(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", nb.ID, nb.Name)
			return err
		},
	}
}
