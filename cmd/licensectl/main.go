// Command licensectl provides operator tooling for the GIMO license service.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "licensectl",
		Short:         "Operator tooling for the GIMO license service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newKeygenCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newKeygenCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 token signing key pair",
		Long: `Generates a new Ed25519 key pair for access token signing.

The private key (PKCS#8 PEM) goes to the server via
LICENSE_SIGNING_PRIVATE_KEY; the public key is distributed to client
applications for offline token verification.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key pair: %w", err)
			}

			privDER, err := x509.MarshalPKCS8PrivateKey(priv)
			if err != nil {
				return fmt.Errorf("encode private key: %w", err)
			}
			pubDER, err := x509.MarshalPKIXPublicKey(pub)
			if err != nil {
				return fmt.Errorf("encode public key: %w", err)
			}

			privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
			pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

			if outDir == "" {
				cmd.Println(string(privPEM))
				cmd.Println(string(pubPEM))
				return nil
			}

			privPath := filepath.Join(outDir, "license-signing.key")
			if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			pubPath := filepath.Join(outDir, "license-signing.pub")
			if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}

			cmd.Printf("private key: %s\npublic key:  %s\n", privPath, pubPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to write the key pair to (stdout when empty)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the licensectl version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("licensectl", version)
		},
	}
}
