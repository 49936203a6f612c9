// Package commands – whatsapp.go pairs the shared WhatsApp device. Linking is
// interactive (QR code), so it lives here instead of the daemon.
package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/chat/whatsapp"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
)

func newWhatsAppCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whatsapp",
		Short: "Manage the WhatsApp device link",
	}
	cmd.AddCommand(newWhatsAppLinkCmd())
	return cmd
}

func newWhatsAppLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Pair clawfleet as a linked WhatsApp device",
		Long: `Starts the QR pairing flow. Scan the printed code with WhatsApp on your
phone (Settings > Linked Devices > Link a Device). The session is stored
under the state directory and reused by 'clawfleet serve'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)

			conn := whatsapp.New(nil, events.NewBus(logger), filepath.Join(cfg.StateDir, "whatsapp"), logger)
			err = conn.Link(cmd.Context(), func(code string) {
				fmt.Println("Scan this code with WhatsApp on your phone:")
				fmt.Println()
				fmt.Println(code)
				fmt.Println()
			})
			if err != nil {
				return err
			}

			fmt.Println("Device linked. Run 'clawfleet serve' to bring the bridge up.")
			return nil
		},
	}
	return cmd
}
