package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/allsmog/zkid-go/pkg/config"
	"github.com/allsmog/zkid-go/pkg/jwt"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration and signing key",
	RunE:  runInit,
}

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.Default()
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	log.Infof("Wrote %s", path)

	if err := ensureSigningKey(cfg.Token); err != nil {
		return err
	}
	return nil
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new token signing key",
	Long: `Generate an ES256 key pair for access tokens and write the PEM key
and its key config (kid, issuer). Existing files are replaced.`,
	RunE: runKeygen,
}

var (
	keygenKeyID  string
	keygenIssuer string
	keygenKey    string
	keygenConfig string
)

func init() {
	keygenCmd.Flags().StringVar(&keygenKeyID, "kid", "", "key ID (default from config)")
	keygenCmd.Flags().StringVar(&keygenIssuer, "issuer", "", "token issuer (default from config)")
	keygenCmd.Flags().StringVar(&keygenKey, "key", "", "private key file (default from config)")
	keygenCmd.Flags().StringVar(&keygenConfig, "key-config", "", "key config file (default from config)")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	tc := cfg.Token
	override(&tc.KeyID, keygenKeyID)
	override(&tc.Issuer, keygenIssuer)
	override(&tc.KeyFile, keygenKey)
	override(&tc.KeyConfig, keygenConfig)

	if err := mkdirFor(tc.KeyFile, tc.KeyConfig); err != nil {
		return err
	}
	if err := jwt.GenerateKeyPairFiles(tc.KeyID, tc.Issuer, tc.KeyFile, tc.KeyConfig); err != nil {
		return err
	}
	log.Infof("Generated key %s: %s, %s", tc.KeyID, tc.KeyFile, tc.KeyConfig)
	return nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
