package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"trellis-signer/internal/domain"
	"trellis-signer/internal/usecase"

	"github.com/spf13/cobra"
)

func Verify(st *state) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Print the signature chain of a document file",
		Long: `Unwrap the signature envelopes of a document one layer at a time,
outermost first, and report whether each is valid, trusted and unchanged.
The last line says whether the document already carries this signer's
signature of the configured type.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readInput(cmd, in)
			if err != nil {
				return err
			}
			doc, err := domain.ParseDocument(data)
			if err != nil {
				return err
			}
			a := newApp(st.cfg, st.logger)
			defer a.Close()
			svc, err := a.signatureService()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			current := doc
			for layer := 1; current.HasSignatures(); layer++ {
				result, err := svc.Verify(cmd.Context(), current)
				if err != nil {
					return fmt.Errorf("layer %d: %w", layer, err)
				}
				printLayer(w, layer, result)
				if result.Original == nil {
					break
				}
				current = result.Original
			}
			if !doc.HasSignatures() {
				fmt.Fprintln(w, "no signatures")
			}

			chain := &usecase.SignatureChain{Verifier: svc, Logger: st.logger}
			inspection := chain.Inspect(cmd.Context(), doc, a.identity())
			fmt.Fprintf(w, "%s signature by %q: %s after %d layer(s)\n",
				st.cfg.SignatureType, st.cfg.SignerName, inspection.Recognition, inspection.Steps)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "document file, - for stdin")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("--in is required")
	}
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func printLayer(w io.Writer, layer int, r domain.VerificationResult) {
	signer := ""
	if r.Payload.Signer != nil {
		signer = r.Payload.Signer.Name
	}
	fmt.Fprintf(w, "layer %d: type=%s signer=%q kid=%s valid=%t trusted=%t unchanged=%t\n",
		layer, r.Payload.Type, signer, r.KeyID, r.Valid, r.Trusted, r.Unchanged)
	for _, msg := range r.Messages {
		fmt.Fprintf(w, "  %s\n", msg)
	}
}
