package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psantana5/evalfarm/pkg/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the operator API token",
	Long: `The operator API stores only a bcrypt hash of its token (api.token_hash).
Clients send the token itself as a bearer token, read from EVALFARM_API_TOKEN.`,
}

var tokenGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new token and print it with its hash",
	Args:  cobra.NoArgs,
	RunE:  runTokenGenerate,
}

var tokenHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Hash a token read from stdin",
	Args:  cobra.NoArgs,
	RunE:  runTokenHash,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenGenerateCmd)
	tokenCmd.AddCommand(tokenHashCmd)
}

func runTokenGenerate(cmd *cobra.Command, args []string) error {
	token, hash, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(map[string]string{"token": token, "token_hash": hash})
	}
	fmt.Printf("Token:      %s\n", token)
	fmt.Printf("Token hash: %s\n", hash)
	fmt.Println()
	fmt.Println("Set api.token_hash on the coordinator and EVALFARM_API_TOKEN for clients.")
	return nil
}

func runTokenHash(cmd *cobra.Command, args []string) error {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read token from stdin: %w", err)
	}
	hash, err := auth.HashToken(strings.TrimSpace(line))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
