package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/spf13/cobra"

	"sealbox/internal/clock"
	"sealbox/internal/directory"
	"sealbox/internal/keystore"
	"sealbox/internal/lockgate"
	"sealbox/internal/services/prekey"
	"sealbox/internal/services/session"
)

var (
	home       string
	passphrase string
	pin        string
	dirURL     string
	debug      bool

	log  slog.Logger
	clk  clock.Clock = clock.Real{}
	gate *lockgate.Gate
)

func Execute() error {
	root := &cobra.Command{
		Use:   "sealbox",
		Short: "End-to-end encrypted messaging CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".sealbox")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			log = slog.NewBackend(os.Stderr).Logger("SBOX")
			log.SetLevel(slog.LevelWarn)
			if debug {
				log.SetLevel(slog.LevelDebug)
			}

			g, err := lockgate.Open(home, clk, log)
			if err != nil {
				return err
			}
			g.SetWiper(keystore.DirWiper(home))
			gate = g
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.sealbox)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting stored keys")
	root.PersistentFlags().StringVar(&pin, "pin", "", "device lock PIN")
	root.PersistentFlags().StringVar(&dirURL, "dir", "", "directory base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(initCmd(), publishCmd(), sendCmd(), recvCmd(),
		safetyCmd(), resetCmd(), devicesCmd())
	return root.Execute()
}

// openStore verifies the lock PIN and opens the passphrase-protected
// key store under it.
func openStore() (*keystore.Store, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required (-p)")
	}
	if pin == "" {
		return nil, fmt.Errorf("pin required (--pin)")
	}
	tok, _, err := gate.Verify(lockgate.Credential{Kind: lockgate.CredentialPIN, PIN: pin})
	if err != nil {
		return nil, err
	}
	return keystore.Open(home, passphrase, gate, tok)
}

// newManager builds the session manager over the remote directory.
func newManager(ks *keystore.Store) (*session.Manager, *directory.Client, error) {
	if dirURL == "" {
		return nil, nil, fmt.Errorf("directory URL required (--dir)")
	}
	dc := directory.New(dirURL)
	pk := prekey.New(ks, clk, prekey.DefaultConfig(), log)
	mgr := session.New(ks, dc, pk, clk, session.DefaultConfig(), log)
	return mgr, dc, nil
}
