package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-oauth-tenant/security"
	"github.com/giantswarm/mcp-oauth-tenant/storage/valkey"
	"github.com/giantswarm/mcp-oauth-tenant/tenant"
)

func newMigrateCommand() *cobra.Command {
	var sourcePrefix string

	cmd := &cobra.Command{
		Use:   "migrate-legacy",
		Short: "Copy client bindings written under the legacy key prefix into the current encoding",
		Long: `migrate-legacy scans client bindings stored under --source-prefix, decodes the
legacy encoding and rewrites them under the configured key prefix. Existing
bindings under the target prefix are overwritten and the source keys are left
in place. With --source-prefix equal to the key prefix, bindings are rewritten
in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(envFile)
			if err != nil {
				return err
			}
			if cfg.StorageURL == "" {
				return fmt.Errorf("TENANT_OAUTH_STORAGE_URL (or REDIS_URL) is required for migration")
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			target, closeTarget, err := openStore(cfg.StorageURL, cfg.KeyPrefix, logger)
			if err != nil {
				return err
			}
			defer closeTarget()

			// Same prefix migrates in place.
			source := target
			if sourcePrefix != cfg.KeyPrefix {
				var closeSource func()
				source, closeSource, err = openStore(cfg.StorageURL, sourcePrefix, logger)
				if err != nil {
					return err
				}
				defer closeSource()
			}

			key, _, err := security.ResolveKey(cfg.EncryptionKey, cfg.ClientSecret)
			if err != nil {
				return fmt.Errorf("resolve encryption key: %w", err)
			}
			encryptor, err := security.NewEncryptor(key)
			if err != nil {
				return fmt.Errorf("create encryptor: %w", err)
			}

			result, err := tenant.NewBindings(target, encryptor, logger).MigrateLegacyBindings(ctx, source)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d migrated=%d skipped=%d failed=%d\n",
				result.Scanned, result.Migrated, result.Skipped, result.Failed)
			if err == nil && result.Failed > 0 {
				err = fmt.Errorf("%d bindings failed to migrate", result.Failed)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&sourcePrefix, "source-prefix", valkey.LegacyKeyPrefix, "key prefix the legacy bindings were written under")
	return cmd
}
