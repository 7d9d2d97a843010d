package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/fleetsync/fleetsync/internal/config"
	"github.com/fleetsync/fleetsync/internal/tokenfile"
)

// Token file metadata keys.
const (
	metaLogin   = "login"
	metaSavedAt = "saved_at"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store an API token for the hosting service",
		Long: `Read an API token from standard input, verify it against the hosting
API, and save it to the configured token file:

  fleetsync login < token.txt

A token in $` + config.EnvToken + ` takes precedence over the saved file.`,
		RunE: runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved API token",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the account the configured token authenticates as",
		RunE:  runWhoami,
	}
}

// tokenPath is where login writes and logout removes the token.
func tokenPath(cfg *config.Resolved) string {
	if cfg.API.TokenFile != "" {
		return cfg.API.TokenFile
	}

	return config.DefaultTokenPath()
}

// readToken reads the first non-empty line of r.
func readToken(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)

	for sc.Scan() {
		if tok := strings.TrimSpace(sc.Text()); tok != "" {
			return tok, nil
		}
	}

	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}

	return "", errors.New("no token on standard input")
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	tok, err := readToken(cmd.InOrStdin())
	if err != nil {
		return err
	}

	// Verify with exactly the token being saved, not whatever is configured.
	probe := *cc.Cfg
	probe.Token = tok

	client, err := newHostingClient(&probe, nil, cc.Logger)
	if err != nil {
		return err
	}

	login, err := client.GetAuthenticatedUser(ctx)
	if err != nil {
		return fmt.Errorf("verifying token: %w", err)
	}

	path := tokenPath(cc.Cfg)

	meta := map[string]string{
		metaLogin:   login,
		metaSavedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if err := tokenfile.Save(path, &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, meta); err != nil {
		return err
	}

	cc.Logger.Info("token saved", slog.String("login", login), slog.String("path", path))
	cc.Statusf("Logged in as %s. Token saved to %s.\n", login, path)

	if cc.Cfg.Token != "" {
		cc.Statusf("Note: $%s is set and takes precedence over the saved token.\n", config.EnvToken)
	}

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	path := tokenPath(cc.Cfg)

	if err := tokenfile.Remove(path); err != nil {
		return err
	}

	cc.Logger.Info("token removed", slog.String("path", path))
	cc.Statusf("Logged out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	Login       string `json:"login"`
	TokenSource string `json:"token_source"`
	TokenFile   string `json:"token_file,omitempty"`
	SavedAt     string `json:"saved_at,omitempty"`
	APIBaseURL  string `json:"api_base_url"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	client, err := newHostingClient(cc.Cfg, nil, cc.Logger)
	if err != nil {
		return err
	}

	login, err := client.GetAuthenticatedUser(ctx)
	if err != nil {
		return fmt.Errorf("fetching authenticated user: %w", err)
	}

	out := whoamiOutput{Login: login, APIBaseURL: cc.Cfg.API.BaseURL}

	if cc.Cfg.Token != "" {
		out.TokenSource = "environment"
	} else {
		out.TokenSource = "file"
		out.TokenFile = cc.Cfg.API.TokenFile

		if _, meta, err := tokenfile.Load(out.TokenFile); err == nil {
			out.SavedAt = meta[metaSavedAt]
		}
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, out)
	}

	printWhoamiText(os.Stdout, out)

	return nil
}

func printWhoamiText(w io.Writer, out whoamiOutput) {
	fmt.Fprintf(w, "Login: %s\n", out.Login)
	fmt.Fprintf(w, "API:   %s\n", out.APIBaseURL)

	switch out.TokenSource {
	case "environment":
		fmt.Fprintf(w, "Token: $%s\n", config.EnvToken)
	default:
		fmt.Fprintf(w, "Token: %s", out.TokenFile)

		if t, err := time.Parse(time.RFC3339, out.SavedAt); err == nil {
			fmt.Fprintf(w, " (saved %s)", formatTime(t))
		}

		fmt.Fprintln(w)
	}
}
