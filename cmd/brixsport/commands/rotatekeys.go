package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/brixsport/backend/internal/security"
)

var rotateKeysCmd = &cobra.Command{
	Use:   "rotate-keys",
	Short: "Activate a new encryption key",
	Long: `Creates and activates a fresh data encryption key. Existing keys
stay available for decrypting data written under them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		boot, err := setup(ctx)
		if err != nil {
			return err
		}
		defer boot.close()

		crypto := security.NewEncryptionService(
			boot.factory.GetLogger("encryption"), boot.records, boot.cfg.Security.Encryption)

		keyID, err := crypto.RotateKeys(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("new active key: %s\n", keyID)
		return nil
	},
}
