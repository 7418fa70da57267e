package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealbox/internal/domain"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <user> <message>",
		Short: "Encrypt a message for every device of a user and hand it to the directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := openStore()
			if err != nil {
				return err
			}
			mgr, dc, err := newManager(ks)
			if err != nil {
				return err
			}
			envs, err := mgr.EncryptForUser(cmd.Context(), domain.UserID(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			for _, env := range envs {
				if err := dc.Send(cmd.Context(), env); err != nil {
					return fmt.Errorf("send to %s/%s: %w", env.To.User, env.To.Device, err)
				}
			}
			fmt.Printf("Sent to %d device(s).\n", len(envs))
			return nil
		},
	}
}
