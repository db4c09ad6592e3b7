package main

import (
	"bufio"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/s3sync/internal/relay"
)

func init() {
	rootCmd.AddCommand(newHashTokenCmd())
}

// newHashTokenCmd prints the RELAY_TOKEN_HASH value for a token read
// from stdin.
func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token",
		Short: "Hash a relay token read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "Enter token: ")

			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				return errors.New("no input")
			}

			hash, err := relay.HashToken(scanner.Text())
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)

			return err
		},
	}
}
