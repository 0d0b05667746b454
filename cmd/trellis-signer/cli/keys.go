package cli

import (
	"fmt"

	"trellis-signer/internal/infra/keys/soft"

	"github.com/spf13/cobra"
)

func Keys(_ *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}
	cmd.AddCommand(keysCreate())
	return cmd
}

func keysCreate() *cobra.Command {
	var alg, out, jkuURL string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Generate a signing key pair as JWK files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := soft.Generate(alg, jkuURL)
			if err != nil {
				return err
			}
			privatePath, publicPath, err := key.WriteFiles(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kid: %s\nalg: %s\nprivate: %s\npublic: %s\n",
				key.Public.KeyID, key.Algorithm, privatePath, publicPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&alg, "alg", "RS256", "key algorithm (RS256, ES256, EdDSA)")
	cmd.Flags().StringVar(&out, "out", "./keys", "directory for private_key.jwk and public_key.jwk")
	cmd.Flags().StringVar(&jkuURL, "jku", "", "URL where the public key set will be published")
	return cmd
}
