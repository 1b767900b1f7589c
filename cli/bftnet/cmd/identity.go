package cmd

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

type identityConfig struct {
	Base        *baseConfiguration
	KeyFilePath string
	Force       bool
}

func newIdentityCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &identityConfig{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "identity",
		Short: "Prints the validator identity (Author) and public key, generating the key when necessary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return identityRunFun(cmd, config)
		},
	}
	cmd.Flags().StringVarP(&config.KeyFilePath, keyFileCmdFlag, "k", "", fmt.Sprintf("path to the keys file (default: $BFTNET_HOME/%s). New key is generated when the file does not exist.", defaultKeysFileName))
	cmd.Flags().BoolVarP(&config.Force, "force", "f", false, "generate new key even when the keys file exists, overwriting it")
	return cmd
}

func (c *identityConfig) keyFile() string {
	if c.KeyFilePath != "" {
		return c.KeyFilePath
	}
	return filepath.Join(c.Base.HomeDir, defaultKeysFileName)
}

func identityRunFun(cmd *cobra.Command, config *identityConfig) error {
	keys, err := LoadKeys(config.keyFile(), true, config.Force)
	if err != nil {
		return fmt.Errorf("failed to load keys %s: %w", config.keyFile(), err)
	}
	pubKey, err := keys.PublicKey()
	if err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Author: %s\n", keys.Signer.Author)
	fmt.Fprintf(out, "Public key: 0x%s\n", hex.EncodeToString(pubKey))
	return nil
}
