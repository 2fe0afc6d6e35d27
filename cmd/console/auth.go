package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lightforgemedia/xybot-console/pkg/api"
	"github.com/lightforgemedia/xybot-console/pkg/tokenstore"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Sign in and store the session token",
	Long: `Sign in with a username and password. The password is taken from
--password, then from the variable named by auth.password_env, and is
prompted for otherwise.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := current.cfg.Auth.Username
		if len(args) == 1 {
			username = args[0]
		}
		if username == "" {
			var err error
			if username, err = prompt("Username: "); err != nil {
				return err
			}
		}
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			password = current.cfg.Auth.Password()
		}
		if password == "" {
			var err error
			if password, err = promptSecret("Password: "); err != nil {
				return err
			}
		}

		rest, err := current.restClient()
		if err != nil {
			return err
		}
		res, err := rest.Login(cmd.Context(), username, password)
		if err != nil {
			return err
		}
		auth := tokenstore.Auth{Token: res.Token, Username: res.Username, Role: res.Role}
		if err := current.store.Save(auth); err != nil {
			return err
		}
		green.Printf("✓ Signed in as %s (%s)\n", auth.Username, auth.Role)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the session token and forget it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		token := current.store.Token()
		if token == "" {
			fmt.Println("Not signed in")
			return nil
		}
		if err := current.store.Clear(); err != nil {
			return err
		}
		rest, err := current.restClient()
		if err != nil {
			return err
		}
		if err := rest.Logout(cmd.Context(), token); err != nil {
			yellow.Printf("Signed out locally; the server did not confirm: %v\n", err)
			return nil
		}
		green.Println("✓ Signed out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user, checking the token with the server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		auth, err := current.store.Load()
		if errors.Is(err, tokenstore.ErrNoAuth) {
			fmt.Println("Not signed in")
			return nil
		}
		if err != nil {
			return err
		}
		rest, err := current.restClient()
		if err != nil {
			return err
		}
		id, err := rest.Verify(cmd.Context(), auth.Token)
		switch {
		case errors.Is(err, api.ErrUnauthorized):
			_ = current.store.Clear()
			red.Println("Session expired, sign in again")
			return nil
		case err != nil:
			yellow.Printf("%s (%s), not verified: %v\n", auth.Username, auth.Role, err)
			return nil
		}
		fmt.Printf("%s (%s)\n", id.Username, id.Role)
		return nil
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd [username]",
	Short: "Change a password",
	Long: `Change the signed-in user's password. Admins may name another
user.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		auth, err := current.store.Load()
		if err != nil {
			return fmt.Errorf("sign in first: %w", err)
		}
		username := auth.Username
		if len(args) == 1 {
			username = args[0]
		}
		oldPassword, err := promptSecret("Current password: ")
		if err != nil {
			return err
		}
		newPassword, err := promptSecret("New password: ")
		if err != nil {
			return err
		}
		again, err := promptSecret("Repeat new password: ")
		if err != nil {
			return err
		}
		if newPassword != again {
			return errors.New("passwords do not match")
		}

		rest, err := current.restClient(api.WithUnauthorizedHook(func() { _ = current.store.Clear() }))
		if err != nil {
			return err
		}
		if err := rest.ChangePassword(cmd.Context(), username, oldPassword, newPassword); err != nil {
			return err
		}
		green.Printf("✓ Password changed for %s\n", username)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the bot status from the REST API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rest, err := current.restClient(api.WithUnauthorizedHook(func() { _ = current.store.Clear() }))
		if err != nil {
			return err
		}
		st, err := rest.BotStatus(cmd.Context())
		if err != nil {
			return err
		}
		running := red.Sprint("stopped")
		if st.IsRunning {
			running = green.Sprint("running")
		}
		fmt.Printf("XYBot %s  %s\n", st.Version, running)
		fmt.Printf("  Uptime:  %s\n", formatUptime(st.Uptime))
		fmt.Printf("  Plugins: %d\n", st.PluginsCount)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringP("password", "p", "", "password (prompted for when empty)")
}

var stdin = bufio.NewReader(os.Stdin)

func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(label, ": "), err)
	}
	return strings.TrimSpace(line), nil
}

func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(label)
	}
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
