package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealbox/internal/domain"
	"sealbox/internal/keystore"
	"sealbox/internal/safetynum"
)

func safetyCmd() *cobra.Command {
	var markVerified bool

	cmd := &cobra.Command{
		Use:   "safety <user>",
		Short: "Show the safety number for a peer, optionally marking it verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := domain.UserID(args[0])
			ks, err := openStore()
			if err != nil {
				return err
			}
			id, err := ks.Identity()
			if err != nil {
				return err
			}

			peerKey, err := peerIdentityKey(cmd, ks, peer)
			if err != nil {
				return err
			}

			v := safetynum.NewVerifier(ks)
			sn, err := v.Status(id.User, id.DHPub, peer, peerKey)
			if err != nil {
				return err
			}
			if markVerified && !sn.Verified {
				if err := v.MarkVerified(peer, sn.Value, clk.Now()); err != nil {
					return err
				}
				sn.Verified = true
			}

			fmt.Printf("Safety number for %s:\n%s\n", peer, safetynum.Format(sn.Value))
			if sn.Verified {
				fmt.Println("Status: verified")
			} else {
				fmt.Println("Status: not verified")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&markVerified, "verify", false, "record that the numbers were compared out-of-band")
	return cmd
}

// peerIdentityKey prefers the key pinned in an existing session and
// falls back to the directory for first contact.
func peerIdentityKey(cmd *cobra.Command, ks *keystore.Store, peer domain.UserID) (domain.X25519Public, error) {
	sessions, err := ks.SessionsForUser(peer)
	if err != nil {
		return domain.X25519Public{}, err
	}
	if len(sessions) > 0 {
		return sessions[0].PeerIdentityKey, nil
	}

	if dirURL == "" {
		return domain.X25519Public{}, fmt.Errorf("no session with %s and no directory URL (--dir)", peer)
	}
	dc, devices, err := lookupDevices(cmd, peer)
	if err != nil {
		return domain.X25519Public{}, err
	}
	bundle, err := dc.FetchBundle(cmd.Context(), domain.Address{User: peer, Device: devices[0]})
	if err != nil {
		return domain.X25519Public{}, err
	}
	return bundle.IdentityKey, nil
}
