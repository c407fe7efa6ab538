// Package commands implements the devicectl operator CLI: registry
// management and chat against a running dashboard backend.
package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var rootCmd = &cobra.Command{
	Use:   "devicectl",
	Short: "Operator CLI for the dashboard backend",
	Long: `devicectl manages devices registered with the dashboard backend and
lets an operator chat with the dispatcher from the terminal.

Use "devicectl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://localhost:5006", "Dashboard backend URL")
	rootCmd.PersistentFlags().String("password", "", "Dashboard password (prompted if required and not set)")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(chatCmd)
}

// client wraps the backend HTTP API with session handling. A 401 triggers a
// login with the --password flag, or an interactive prompt.
type client struct {
	baseURL  string
	password string
	http     *http.Client
}

func newClient(cmd *cobra.Command) (*client, error) {
	server, _ := cmd.Flags().GetString("server")
	password, _ := cmd.Flags().GetString("password")

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &client{
		baseURL:  strings.TrimRight(server, "/"),
		password: password,
		http:     &http.Client{Timeout: 5 * time.Minute, Jar: jar},
	}, nil
}

// do issues a request, logging in and retrying once on 401.
func (c *client) do(method, path string, body any, out any) error {
	resp, err := c.request(method, path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := c.login(); err != nil {
			return err
		}
		resp, err = c.request(method, path, body)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Some endpoints put a usable payload on error statuses (chat
		// reports dispatch failures this way), so fill out first.
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *client) request(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *client) login() error {
	password := c.password
	if password == "" {
		fmt.Fprint(os.Stderr, "Dashboard password: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = string(raw)
	}

	resp, err := c.request(http.MethodPost, "/login", map[string]string{"password": password})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed (status %d)", resp.StatusCode)
	}
	return nil
}
