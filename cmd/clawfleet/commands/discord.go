// Package commands – discord.go stores bot tokens in the system keyring so
// they never live in the fleet file.
package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/chat/discord"
)

func newDiscordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discord",
		Short: "Manage Discord credentials",
	}
	cmd.AddCommand(newDiscordTokenCmd())
	return cmd
}

func newDiscordTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <agent>",
		Short: "Store an agent's Discord bot token in the system keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readSecret("Discord bot token: ")
			if err != nil {
				return err
			}
			if token == "" {
				return fmt.Errorf("empty token")
			}

			if err := discord.StoreToken(args[0], token); err != nil {
				return fmt.Errorf("storing token: %w", err)
			}
			fmt.Printf("Token stored for agent %s.\n", args[0])
			return nil
		},
	}
	return cmd
}

// readSecret reads a line without echoing when stdin is a terminal, falling
// back to plain reading for piped input.
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return strings.TrimSpace(string(secret)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
