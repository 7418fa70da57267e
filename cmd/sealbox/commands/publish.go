package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Rotate stale prekeys and publish the bundle to the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := openStore()
			if err != nil {
				return err
			}
			mgr, _, err := newManager(ks)
			if err != nil {
				return err
			}
			if err := mgr.Maintain(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Bundle published.")
			return nil
		},
	}
}
