package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dpup/wxauth"
	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/logging"
	"github.com/dpup/wxauth/store"
	"github.com/spf13/cobra"
)

var errRefreshFailed = errors.New("upstream token could not be refreshed")

type cli struct {
	configFile string
	logger     logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:               "wxauth",
		Short:             "WeChat OAuth2 web authorization bridge",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "Additional YAML config file, loaded after wxauth.yaml")

	root.AddCommand(
		c.serveCmd(),
		c.cleanupCmd(),
		c.refreshCmd(),
		c.validateCmd(),
		c.configCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if c.configFile != "" {
		if err := wxauth.LoadConfigFile(c.configFile); err != nil {
			return errors.WrapPrefix(err, "loading "+c.configFile, 0)
		}
	}
	if c.logger == nil {
		c.logger = logging.NewLogger(wxauth.Config.Bool("logging.dev"), wxauth.Config.String("logging.level"))
	}
	cmd.SetContext(logging.With(cmd.Context(), c.logger))
	return nil
}

func (c *cli) withApp(ctx context.Context, fn func(app *wxauth.App) error) error {
	app, err := wxauth.NewApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logging.Errorw(ctx, "wxauth: close failed", "error", err)
		}
	}()
	return fn(app)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge HTTP server and the cleanup janitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(app *wxauth.App) error {
				return app.Serve(cmd.Context(), wxauth.WithLogger(c.logger))
			})
		},
	}
}

func (c *cli) cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired states, codes, tokens and stale user records once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(app *wxauth.App) error {
				res, err := app.Service.CleanupAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "states=%d codes=%d tokens=%d user_tokens=%d\n",
					res.StatesRemoved, res.CodesRemoved, res.TokensRemoved, res.UserTokensRemoved)
				return nil
			})
		},
	}
}

func (c *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <openid>",
		Short: "Refresh the upstream access token held for an openid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *wxauth.App) error {
				if !app.Service.RefreshUpstreamToken(cmd.Context(), args[0]) {
					return errRefreshFailed
				}
				fmt.Fprintln(cmd.OutOrStdout(), "refreshed")
				return nil
			})
		},
	}
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <openid>",
		Short: "Ask WeChat whether the stored access token for an openid is still valid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *wxauth.App) error {
				ok, err := app.Service.ValidateUpstreamToken(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintln(cmd.OutOrStdout(), "valid")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "invalid")
				}
				return nil
			})
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage provider configs and inspect settings",
	}
	cmd.AddCommand(c.configSetCmd(), c.configListCmd(), c.configDeleteCmd(), c.configCheckCmd())
	return cmd
}

func (c *cli) configSetCmd() *cobra.Command {
	var (
		accountID string
		scope     string
		enabled   bool
		isDefault bool
		remark    string
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update the provider config for an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return c.withApp(ctx, func(app *wxauth.App) error {
				if _, err := app.Accounts.Lookup(ctx, accountID); err != nil {
					return err
				}
				cfg, err := app.Store.GetConfig(ctx, accountID)
				if errors.Is(err, store.ErrNotFound) {
					cfg = &store.Config{AccountID: accountID}
				} else if err != nil {
					return err
				}
				if cmd.Flags().Changed("scope") || cfg.Scope == "" {
					cfg.Scope = scope
				}
				if cmd.Flags().Changed("enabled") || cfg.ID == "" {
					cfg.Enabled = enabled
				}
				if cmd.Flags().Changed("remark") {
					cfg.Remark = remark
				}
				if err := app.Store.SaveConfig(ctx, cfg); err != nil {
					return err
				}
				if isDefault {
					if err := app.Store.SetDefaultConfig(ctx, cfg.ID); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved config %s for account %s\n", cfg.ID, cfg.AccountID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Account id from the accounts config namespace")
	cmd.Flags().StringVar(&scope, "scope", store.ScopeUserInfo, "Scopes requested from WeChat")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "Whether the config can be used")
	cmd.Flags().BoolVar(&isDefault, "default", false, "Make this the default config")
	cmd.Flags().StringVar(&remark, "remark", "", "Free text note")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func (c *cli) configListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List provider configs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(app *wxauth.App) error {
				configs, err := app.Store.ListConfigs(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tACCOUNT\tSCOPE\tENABLED\tDEFAULT\tUPDATED\tREMARK")
				for _, cfg := range configs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%s\t%s\n",
						cfg.ID, cfg.AccountID, cfg.Scope, cfg.Enabled, cfg.IsDefault,
						cfg.UpdatedAt.UTC().Format(time.RFC3339), cfg.Remark)
				}
				return tw.Flush()
			})
		},
	}
}

func (c *cli) configDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a provider config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *wxauth.App) error {
				if err := app.Store.DeleteConfig(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted config %s\n", args[0])
				return nil
			})
		},
	}
}

func (c *cli) configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report invalid values and unknown keys in the loaded configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, w := range wxauth.ConfigWarnings() {
				fmt.Fprintln(cmd.OutOrStdout(), "warning: "+w)
			}
			if errs := wxauth.ValidateConfig(); len(errs) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), wxauth.FormatValidationErrors(errs))
				return wxauth.ErrInvalidConfig
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return nil
		},
	}
}
