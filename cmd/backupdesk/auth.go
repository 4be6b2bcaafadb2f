package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/backupdesk/backupdesk/internal/apierr"
	"github.com/backupdesk/backupdesk/internal/console"
	"github.com/backupdesk/backupdesk/internal/model"
)

func newLoginCmd(a *app) *cobra.Command {
	var (
		password  string
		magicLink bool
		linkToken string
	)

	cmd := &cobra.Command{
		Use:   "login [email]",
		Short: "Sign in to the backup API",
		Long: `Signs in with email and password and stores the credential for later commands.
A second factor is prompted for when the account requires one.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			c, err := a.open(ctx)
			if err != nil {
				return err
			}

			if linkToken != "" {
				if err := c.Session.ConsumeMagicLink(ctx, linkToken); err != nil {
					return explainAuthError(err)
				}
				return printWelcome(cmd, c)
			}

			email := ""
			if len(args) > 0 {
				email = args[0]
			} else if email, err = prompt(out, "Email: "); err != nil {
				return err
			}

			if magicLink {
				resp, err := c.Session.RequestMagicLink(ctx, email)
				if err != nil {
					return explainAuthError(err)
				}
				fmt.Fprintln(out, resp.Message)
				fmt.Fprintln(out, "Run `backupdesk login --link-token <token>` with the token from the email.")
				return nil
			}

			if password == "" {
				if password, err = promptSecret(out, "Password: "); err != nil {
					return err
				}
			}

			err = c.Session.Login(ctx, email, password)
			var mfa *apierr.MFARequired
			if errors.As(err, &mfa) {
				code, perr := prompt(out, "Verification code: ")
				if perr != nil {
					return perr
				}
				err = c.Session.VerifyMFA(ctx, mfa.MFAToken, code)
			}
			if err != nil {
				return explainAuthError(err)
			}
			return printWelcome(cmd, c)
		},
	}

	cmd.Flags().StringVarP(&password, "password", "p", "", "password (prompted when omitted)")
	cmd.Flags().BoolVar(&magicLink, "magic-link", false, "email a sign-in link instead of using a password")
	cmd.Flags().StringVar(&linkToken, "link-token", "", "complete sign-in with a magic link token")
	cmd.MarkFlagsMutuallyExclusive("magic-link", "link-token")
	cmd.MarkFlagsMutuallyExclusive("password", "magic-link")
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	var (
		email    string
		password string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			c, err := a.open(ctx)
			if err != nil {
				return err
			}

			if email == "" {
				if email, err = prompt(out, "Email: "); err != nil {
					return err
				}
			}
			if password == "" {
				if password, err = promptSecret(out, "Password: "); err != nil {
					return err
				}
			}

			req := model.RegisterRequest{Email: email, Password: password}
			if name != "" {
				req.FullName = &name
			}
			if err := c.Session.Register(ctx, req); err != nil {
				return explainAuthError(err)
			}

			if !c.Session.IsAuthenticated() {
				fmt.Fprintln(out, "Account created. Check your email for a verification code, then run `backupdesk verify-email <code>`.")
				return nil
			}
			return printWelcome(cmd, c)
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "email address")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (prompted when omitted)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "full name")
	return cmd
}

func newVerifyEmailCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "verify-email <code>",
		Short: "Confirm an email address with the code that was sent to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			if err := c.Session.VerifyEmail(ctx, args[0], force); err != nil {
				return explainAuthError(err)
			}
			if c.Session.IsAuthenticated() {
				return printWelcome(cmd, c)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Email verified.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "verify even if the address is claimed by another pending change")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Discard the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			c.Session.Logout()
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.authed(ctx)
			if err != nil {
				return err
			}

			user, err := c.Session.FetchIdentity(ctx)
			if err != nil {
				return explainAuthError(err)
			}

			view := identityView{User: user}
			if exp, err := c.Session.ExpiresAt(); err == nil {
				view.ExpiresAt = exp.Format(time.RFC3339)
				view.ExpiresIn = time.Until(exp).Truncate(time.Second).String()
			}
			return render(cmd.OutOrStdout(), a.output, view, view.table)
		},
	}
}

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the stored credential for a fresh one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.authed(ctx)
			if err != nil {
				return err
			}
			if !c.Session.Refresh(ctx) {
				return errors.New("refresh failed; see the log for details")
			}
			exp, err := c.Session.ExpiresAt()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credential refreshed, valid until %s.\n", exp.Format(time.RFC3339))
			return nil
		},
	}
}

func printWelcome(cmd *cobra.Command, c *console.Console) error {
	name := "you"
	if u := c.Session.Identity(); u != nil {
		name = u.Email
		if u.FullName != nil && *u.FullName != "" {
			name = *u.FullName
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s.\n", name)
	return nil
}

// explainAuthError adds a next step to errors the user can act on
func explainAuthError(err error) error {
	var denied *apierr.PermissionDenied
	if errors.As(err, &denied) && denied.EmailNotVerified() {
		return fmt.Errorf("%w\nrun `backupdesk verify-email <code>` with the code from your inbox", err)
	}
	var limited *apierr.RateLimited
	if errors.As(err, &limited) && limited.RetryAfter == 0 {
		return fmt.Errorf("%w\ntry again in a minute", err)
	}
	return err
}

type identityView struct {
	User      *model.User `json:"user" yaml:"user"`
	ExpiresAt string      `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	ExpiresIn string      `json:"expires_in,omitempty" yaml:"expires_in,omitempty"`
}

func (v identityView) table() ([]string, [][]string) {
	u := v.User
	rows := [][]string{
		{"email", u.Email},
		{"name", deref(u.FullName, "-")},
		{"role", string(u.Role)},
		{"verified", fmt.Sprint(u.IsVerified)},
	}
	if u.PendingEmail != nil {
		rows = append(rows, []string{"pending email", *u.PendingEmail})
	}
	if len(u.AssignedNodes) > 0 {
		rows = append(rows, []string{"nodes", fmt.Sprint(u.AssignedNodes)})
	}
	if len(u.AssignedSites) > 0 {
		rows = append(rows, []string{"sites", fmt.Sprint(u.AssignedSites)})
	}
	if v.ExpiresAt != "" {
		rows = append(rows, []string{"expires", fmt.Sprintf("%s (in %s)", v.ExpiresAt, v.ExpiresIn)})
	}
	return []string{"field", "value"}, rows
}
