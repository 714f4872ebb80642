package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	apitls "github.com/psantana5/evalfarm/pkg/tls"
)

var (
	certOut   string
	keyOut    string
	certName  string
	certHosts []string
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the operator API certificate",
}

var certGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a self-signed certificate for the operator API",
	Long: `Writes a self-signed certificate and key. Point api.tls.cert_file and
api.tls.key_file at them on the coordinator and EVALFARM_API_CA at the
certificate on clients.`,
	Args: cobra.NoArgs,
	RunE: runCertGenerate,
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certGenerateCmd)

	certGenerateCmd.Flags().StringVar(&certOut, "cert", "evalfarm-api.crt", "certificate output path")
	certGenerateCmd.Flags().StringVar(&keyOut, "key", "evalfarm-api.key", "private key output path")
	certGenerateCmd.Flags().StringVar(&certName, "name", "evalfarm-coordinator", "certificate common name")
	certGenerateCmd.Flags().StringSliceVar(&certHosts, "host", nil, "extra IP addresses or DNS names")
}

func runCertGenerate(cmd *cobra.Command, args []string) error {
	if err := apitls.GenerateSelfSigned(certOut, keyOut, certName, certHosts...); err != nil {
		return err
	}
	fmt.Printf("Certificate: %s\nKey:         %s\n", certOut, keyOut)
	return nil
}
