package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/waypost/waypost/identity"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an agent identity (Ed25519)",
		Long:  "Generates an Ed25519 key pair and prints both halves as hex.\nThe private key goes in identity.key or WAYPOST_IDENTITY_KEY; peers address the agent by the public key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := identity.Generate()
			if err != nil {
				return err
			}

			fmt.Println(priv)
			fmt.Fprintf(cmd.ErrOrStderr(), "\npublic key: %s\n", pub)
			return nil
		},
	}
}
