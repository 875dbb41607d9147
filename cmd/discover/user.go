package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/discoversutd/discover/internal/auth/database"
	"github.com/discoversutd/discover/internal/auth/models"
	"github.com/discoversutd/discover/internal/auth/permissions"
	"github.com/discoversutd/discover/internal/auth/service"
	"github.com/discoversutd/discover/internal/auth/token"
	"github.com/discoversutd/discover/internal/db"
)

const passwordEnv = "DISCOVER_USER_PASSWORD"

func newUserCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Account administration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newUserCreateCommand(opts))
	cmd.AddCommand(newUserListCommand(opts))
	return cmd
}

// withAccounts opens the database and an auth service for one command run.
func withAccounts(ctx context.Context, opts *rootOptions, fn func(*service.Service) error) error {
	cfg, lm, log, err := bootstrap(ctx, opts)
	if err != nil {
		return err
	}
	defer syncLoggers(lm)

	d, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer d.Close()

	issuer, err := token.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TokenExpiry())
	if err != nil {
		return err
	}
	svc, err := service.New(database.New(d), issuer, serviceConfig(cfg), service.WithLoggers(log, log))
	if err != nil {
		return err
	}
	defer svc.Close()

	return fn(svc)
}

func newUserCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		email     string
		name      string
		password  string
		role      string
		studentID string
		analytics bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account with any role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv(passwordEnv)
			}
			if password == "" {
				return fmt.Errorf("--password or %s is required", passwordEnv)
			}
			r := models.Role(role)
			if !r.Valid() {
				return fmt.Errorf("invalid role %q, must be admin, club or student", role)
			}

			var meta models.Metadata
			if analytics {
				meta.AccessLevel = string(permissions.AccessAnalyticsReadonly)
			}

			return withAccounts(commandContext(cmd), opts, func(svc *service.Service) error {
				user, err := svc.CreateUser(commandContext(cmd), service.RegisterInput{
					Email:     email,
					Password:  password,
					Name:      name,
					StudentID: studentID,
					Role:      r,
					Metadata:  meta,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Successfully created user %d '%s' with role '%s'\n", user.ID, user.Email, user.Role)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&password, "password", "", "Initial password (defaults to $"+passwordEnv+")")
	cmd.Flags().StringVar(&role, "role", string(models.RoleStudent), "One of admin, club, student")
	cmd.Flags().StringVar(&studentID, "student-id", "", "Optional student id")
	cmd.Flags().BoolVar(&analytics, "analytics-only", false, "Restrict the account to read-only analytics access")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newUserListCommand(opts *rootOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(commandContext(cmd), opts, func(svc *service.Service) error {
				users, err := svc.ListUsers(commandContext(cmd), limit, offset)
				if err != nil {
					return err
				}
				printUsers(cmd.OutOrStdout(), users)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to print")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}

func printUsers(w io.Writer, users []models.User) {
	if len(users) == 0 {
		fmt.Fprintln(w, "No users found in database")
		return
	}

	const rule = "------------------------------------------------------------------------------"
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "%-5s %-32s %-8s %-8s %-19s\n", "ID", "Email", "Role", "Active", "Created At")
	fmt.Fprintln(w, rule)
	for _, u := range users {
		fmt.Fprintf(w, "%-5d %-32s %-8s %-8t %-19s\n",
			u.ID,
			u.Email,
			u.Role,
			u.IsActive,
			u.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	fmt.Fprintln(w, rule)
}
