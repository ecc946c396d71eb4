package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/contestd/pkg/model"
)

const credentialsFileName = "credentials.json"

type credentials struct {
	Server    string `json:"server"`
	Team      string `json:"team"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func newRegisterCmd() *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "register <team>",
		Short: "Register a new team",
		Long:  "Register a team with the server and save the returned token for later commands.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return authenticate(cmd, "/api/v1/teams", args[0], secret)
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Team secret (prompted if omitted)")
	return cmd
}

func newLoginCmd() *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "login <team>",
		Short: "Obtain a fresh token for an existing team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return authenticate(cmd, "/api/v1/auth/token", args[0], secret)
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Team secret (prompted if omitted)")
	return cmd
}

func authenticate(cmd *cobra.Command, path, team, secret string) error {
	out := cmd.OutOrStdout()
	if secret == "" {
		fmt.Fprint(out, "Team secret: ")
		s, err := readLine(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		secret = s
	}
	if secret == "" {
		return fmt.Errorf("secret cannot be empty")
	}

	resp, err := client.Post(path, model.Credentials{Name: team, Secret: secret})
	if err != nil {
		return err
	}
	var tok model.TokenResponse
	if err := json.Unmarshal(resp.Data, &tok); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	credPath, err := saveCredentials(credentials{
		Server:    client.BaseURL,
		Team:      tok.Team,
		Token:     tok.Token,
		ExpiresAt: tok.ExpiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, success.Render("Authenticated as "+tok.Team))
	fmt.Fprintf(out, "  Token expires %s\n", relTime(tok.ExpiresAt))
	fmt.Fprintf(out, "  Credentials saved to %s\n", credPath)
	return nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// credentialsPath returns the path to the credentials file (~/.contestctl/credentials.json).
func credentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("find home directory: %w", err)
	}
	return filepath.Join(home, ".contestctl", credentialsFileName), nil
}

func saveCredentials(creds credentials) (string, error) {
	credPath, err := credentialsPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(credPath), 0700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.WriteFile(credPath, data, 0600); err != nil {
		return "", fmt.Errorf("write credentials: %w", err)
	}
	return credPath, nil
}

// LoadToken reads the stored team token, returning empty string if not found.
func LoadToken() string {
	p, err := credentialsPath()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return ""
	}
	return creds.Token
}

// resolveToken picks the token from the flag, then CONTEST_TOKEN, then the
// saved credentials.
func resolveToken(flag string) string {
	if flag != "" {
		return flag
	}
	if t := os.Getenv("CONTEST_TOKEN"); t != "" {
		return t
	}
	return LoadToken()
}
