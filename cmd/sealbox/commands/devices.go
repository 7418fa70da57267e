package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealbox/internal/directory"
	"sealbox/internal/domain"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices <user>",
		Short: "List a user's devices registered with the directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, devices, err := lookupDevices(cmd, domain.UserID(args[0]))
			if err != nil {
				return err
			}
			for _, dev := range devices {
				fmt.Println(dev)
			}
			return nil
		},
	}
}

func lookupDevices(cmd *cobra.Command, user domain.UserID) (*directory.Client, []domain.DeviceID, error) {
	if dirURL == "" {
		return nil, nil, fmt.Errorf("directory URL required (--dir)")
	}
	dc := directory.New(dirURL)
	devices, err := dc.GetDeviceList(cmd.Context(), user)
	if err != nil {
		return nil, nil, err
	}
	if len(devices) == 0 {
		return nil, nil, fmt.Errorf("no devices for %s: %w", user, domain.ErrNotFound)
	}
	return dc, devices, nil
}
