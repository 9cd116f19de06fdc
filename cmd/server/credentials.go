package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"transfer-orchestrator/backend/internal/credential"
	"transfer-orchestrator/backend/internal/logging"
)

func credentialsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage service credentials",
		Long:  "Issue, renew, revoke and list the bearer credentials used by the engine and the control plane.",
	}
	cmd.AddCommand(credentialsIssueCmd(configPath))
	cmd.AddCommand(credentialsRenewCmd(configPath))
	cmd.AddCommand(credentialsRevokeCmd(configPath))
	cmd.AddCommand(credentialsListCmd(configPath))
	return cmd
}

// withManager runs fn against a credential manager backed by postgres.
func withManager(ctx context.Context, configPath string, fn func(*credential.Manager, *logging.Logger) error) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if !usesPostgres(cfg) {
		return errNeedsPostgres
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	return fn(credential.NewManager(store, logger, credential.Options{
		TTL:                 cfg.Credentials.TTL,
		InternalApplication: cfg.Credentials.InternalApplication,
	}), logger)
}

func credentialsIssueCmd(configPath *string) *cobra.Command {
	var permissions []string

	cmd := &cobra.Command{
		Use:   "issue <application>",
		Short: "Issue a credential for an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), *configPath, func(m *credential.Manager, _ *logging.Logger) error {
				cred, err := m.Issue(cmd.Context(), args[0], permissions)
				if err != nil {
					return err
				}
				fmt.Printf("Issued credential %s for %s\n", color.New(color.FgCyan).Sprint(cred.ID), cred.Application)
				fmt.Printf("  token:   %s\n", color.New(color.FgGreen, color.Bold).Sprint(cred.Token))
				fmt.Printf("  expires: %s\n", cred.ExpiresAt.Format(time.RFC3339))
				fmt.Println(color.New(color.FgYellow).Sprint("The token is shown only once."))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&permissions, "permissions", "p", credential.EnginePermissions, "Permissions to grant")
	return cmd
}

func credentialsRenewCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "renew <credential-id>",
		Short: "Rotate a credential's token and extend its expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), *configPath, func(m *credential.Manager, _ *logging.Logger) error {
				token, expires, err := m.Renew(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Renewed %s\n", color.New(color.FgCyan).Sprint(args[0]))
				fmt.Printf("  token:   %s\n", color.New(color.FgGreen, color.Bold).Sprint(token))
				fmt.Printf("  expires: %s\n", expires.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func credentialsRevokeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <credential-id>",
		Short: "Revoke a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), *configPath, func(m *credential.Manager, _ *logging.Logger) error {
				if err := m.Revoke(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", color.New(color.FgRed).Sprint(args[0]))
				return nil
			})
		},
	}
}

func credentialsListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), *configPath, func(m *credential.Manager, _ *logging.Logger) error {
				creds, err := m.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(creds) == 0 {
					fmt.Println("No credentials issued.")
					return nil
				}

				now := time.Now()
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tAPPLICATION\tSTATE\tEXPIRES\tPERMISSIONS")
				for _, c := range creds {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						c.ID, c.Application, credentialState(c.Revoked, c.Usable(now)),
						c.ExpiresAt.Format(time.RFC3339), strings.Join(c.Permissions, ","))
				}
				return w.Flush()
			})
		},
	}
}

func credentialState(revoked, usable bool) string {
	switch {
	case revoked:
		return color.New(color.FgRed).Sprint("revoked")
	case usable:
		return color.New(color.FgGreen).Sprint("active")
	default:
		return color.New(color.FgYellow).Sprint("expired")
	}
}
