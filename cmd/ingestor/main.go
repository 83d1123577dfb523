// Command ingestor consumes supplier infringement records, resolves one saga
// per business key and publishes exactly one outcome event for each.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"supplierflow/auth"
	"supplierflow/config"
	"supplierflow/correlation"
	"supplierflow/db"
	"supplierflow/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// rootOptions holds flags that override the environment.
type rootOptions struct {
	HTTPAddr string
	Store    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ingestor",
		Short:         "Infringement ingestion saga service",
		Long:          "Consumes supplier infringement records and publishes one validated outcome per business key.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.HTTPAddr, "http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	cmd.PersistentFlags().StringVar(&opts.Store, "store", "", "saga store: postgres|redis|memory (overrides SAGA_STORE)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newDeriveCommand())
	cmd.AddCommand(newTokenCommand())

	return cmd
}

// loadConfig reads the environment, applies flag overrides and validates.
func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if opts.HTTPAddr != "" {
		cfg.HTTPAddr = opts.HTTPAddr
	}
	if opts.Store != "" {
		cfg.Store = opts.Store
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supplier consumers and the HTTP ingress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the saga schema to DATABASE_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, 2)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := migrations.Apply(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newDeriveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "derive <business-key>",
		Short: "Print the correlation identity of a business key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := correlation.Derive(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.String())
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		subject  string
		role     string
		origin   string
		validFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an ingress bearer token signed with INGRESS_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.IngressJWTSecret == "" {
				return errors.New("INGRESS_JWT_SECRET is not set")
			}
			signed, err := auth.NewTokens(cfg.IngressJWTSecret).Issue(auth.Claims{
				Subject:  subject,
				Role:     auth.Role(role),
				Supplier: origin,
			}, validFor)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleSupplier), "supplier|operator")
	cmd.Flags().StringVar(&origin, "supplier", "", "supplier the token may publish for (SupplierA|SupplierB)")
	cmd.Flags().DurationVar(&validFor, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
