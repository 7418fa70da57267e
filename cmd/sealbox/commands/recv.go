package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sealbox/internal/domain"
	"sealbox/internal/services/session"
)

func recvCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Fetch queued envelopes from the directory and decrypt them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := openStore()
			if err != nil {
				return err
			}
			mgr, dc, err := newManager(ks)
			if err != nil {
				return err
			}
			id, err := ks.Identity()
			if err != nil {
				return err
			}

			envs, err := dc.Receive(cmd.Context(), session.Address(id), limit)
			if err != nil {
				return err
			}
			acked := 0
			for _, env := range envs {
				pt, err := mgr.DecryptFromDevice(cmd.Context(), env.From, env)
				switch {
				case err == nil:
					fmt.Printf("[%s/%s] %s\n", env.From.User, env.From.Device, pt)
				case errors.Is(err, domain.ErrReplayedMessage),
					errors.Is(err, domain.ErrReplayedEphemeral):
					// Already processed; drop it from the queue.
				default:
					return fmt.Errorf("decrypt from %s/%s: %w", env.From.User, env.From.Device, err)
				}
				acked++
			}
			if acked > 0 {
				if err := dc.Ack(cmd.Context(), session.Address(id), acked); err != nil {
					return err
				}
			}
			if len(envs) == 0 {
				fmt.Println("No messages.")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum envelopes to fetch")
	return cmd
}
