package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"planboard/api/internal/app"
	"planboard/api/internal/auth"
	"planboard/api/internal/config"
	"planboard/api/internal/logging"
	"planboard/api/internal/rbac"
	"planboard/api/internal/store"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "api",
		Short:         "Planboard realtime planning API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (environment variables take precedence)")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newDocumentCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

func (o *rootOptions) load() (config.Config, zerolog.Logger, error) {
	cfg := config.Load()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(o.configPath); err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr), nil
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			conn, err := store.OpenDB(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := store.ApplyMigrations(cmd.Context(), conn, store.MigrationsFS(cfg.MigrationsDir)); err != nil {
				return err
			}
			logger.Info().Msg("migrations applied")
			return nil
		},
	}
}

func newDocumentCmd(opts *rootOptions) *cobra.Command {
	document := &cobra.Command{
		Use:   "document",
		Short: "Create documents and manage access",
	}

	var createID, owner string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an empty document owned by --owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, func(svc *app.Service) error {
				if err := svc.CreateDocument(cmd.Context(), createID, owner); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), createID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&createID, "id", "", "document id")
	create.Flags().StringVar(&owner, "owner", "", "user id of the owner")
	_ = create.MarkFlagRequired("id")
	_ = create.MarkFlagRequired("owner")

	var grantID, actor, role string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Give --actor a role on a document (none revokes)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseRole(role)
			if err != nil {
				return err
			}
			return withService(cmd, opts, func(svc *app.Service) error {
				return svc.GrantRole(cmd.Context(), grantID, actor, parsed)
			})
		},
	}
	grant.Flags().StringVar(&grantID, "id", "", "document id")
	grant.Flags().StringVar(&actor, "actor", "", "user id to grant")
	grant.Flags().StringVar(&role, "role", string(rbac.RoleEditor), "viewer, editor, owner or none")
	_ = grant.MarkFlagRequired("id")
	_ = grant.MarkFlagRequired("actor")

	document.AddCommand(create, grant)
	return document
}

func withService(cmd *cobra.Command, opts *rootOptions, fn func(*app.Service) error) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	backend, err := store.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(app.New(cfg, backend, nil, nil, logger))
}

func parseRole(value string) (rbac.Role, error) {
	role := rbac.Normalize(value)
	if role == rbac.RoleNone && !strings.EqualFold(strings.TrimSpace(value), string(rbac.RoleNone)) {
		return rbac.RoleNone, fmt.Errorf("unknown role %q", value)
	}
	return role, nil
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var user, name, avatar string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if name == "" {
				name = user
			}
			claims := auth.NewClaims(auth.Identity{UserID: user, Name: name, Avatar: avatar}, ttl)
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&name, "name", "", "display name, defaults to the user id")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar URL")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
