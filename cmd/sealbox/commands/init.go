package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealbox/internal/domain"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <user>",
		Short: "Provision this device: enroll the lock PIN and generate identity keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pin == "" {
				return fmt.Errorf("pin required (--pin)")
			}
			if err := gate.EnrollPIN(pin); err != nil {
				return err
			}
			ks, err := openStore()
			if err != nil {
				return err
			}
			id, err := ks.Provision(domain.UserID(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("Device provisioned.\nUser:   %s\nDevice: %s\n", id.User, id.Device)
			return nil
		},
	}
}
