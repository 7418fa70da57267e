package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealbox/internal/domain"
)

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user>",
		Short: "Discard all sessions with a peer; the next send performs a fresh key agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := openStore()
			if err != nil {
				return err
			}
			mgr, _, err := newManager(ks)
			if err != nil {
				return err
			}
			if err := mgr.ResetSessions(domain.UserID(args[0])); err != nil {
				return err
			}
			fmt.Printf("Sessions with %s discarded.\n", args[0])
			return nil
		},
	}
}
