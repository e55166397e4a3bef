package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/nbsync/internal/format"
	"pkt.systems/nbsync/schema"
)

func newAttachCmd() *cobra.Command {
	var notebook string
	var viewUser string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Open a notebook and stream its events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(notebook) == "" {
				return errors.New("--notebook is required")
			}
			ctx := cmd.Context()
			session, err := startSession(ctx, cmd, nil)
			if err != nil {
				return err
			}
			defer stopSession(session)
			nb := schema.NotebookID(notebook)
			events, unsubscribe := session.Events().Subscribe(nb)
			defer unsubscribe()

			client := session.Client()
			snapshot, err := client.OpenNotebook(ctx, nb)
			if err != nil {
				return err
			}
			if viewUser != "" {
				client.SelectViewedUser(ctx, schema.UserID(viewUser))
			}
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "attached to %s (%s), %d cells\n", snapshot.Notebook.Name, snapshot.Notebook.ID, len(snapshot.Cells)); err != nil {
				return err
			}

			renderer := format.NewPlainRenderer()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := session.Wait()
				if err != nil {
					return err
				}
				return context.Canceled
			})
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case ev, ok := <-events:
						if !ok {
							return nil
						}
						for _, line := range renderer.FormatEvent(ev) {
							if _, err := fmt.Fprintln(out, line); err != nil {
								return err
							}
						}
					}
				}
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&notebook, "notebook", "n", "", "notebook id")
	cmd.Flags().StringVar(&viewUser, "view", "", "show outputs of this collaborator's kernel")
	return cmd
}
