package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/status_relay/internal/api"
	"github.com/austindbirch/status_relay/internal/auth"
)

var (
	cfgFile    string
	serverURL  string
	grpcAddr   string
	sessionID  string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
	jwtToken   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Status Relay CLI - Drive the status broadcast relay",
	Long: `Status Relay CLI (relayctl) is a command line tool for the status
broadcast relay.

You can use it to submit status posts, resend them to more recipients,
inspect engagement, trigger historical syncs and manage session queues.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.relayctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "relay HTTP base URL")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc-server", "localhost:50051", "relay gRPC address (host:port) used for health checks")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "session to act on")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "JWT token for authentication (overrides JWT_TOKEN env var)")

	for _, name := range []string{"server", "grpc-server", "session", "timeout", "json", "pretty", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".relayctl")
	}

	viper.SetEnvPrefix("RELAYCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	flags := rootCmd.PersistentFlags()
	if !flags.Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverURL = s
		}
	}
	if !flags.Changed("grpc-server") {
		if s := viper.GetString("grpc-server"); s != "" {
			grpcAddr = s
		}
	}
	if !flags.Changed("session") {
		sessionID = viper.GetString("session")
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	if !flags.Changed("token") {
		if t := viper.GetString("token"); t != "" {
			jwtToken = t
		} else if t := os.Getenv("JWT_TOKEN"); t != "" {
			jwtToken = t
		}
	}
}

// APIError is a non-2xx answer from the relay.
type APIError struct {
	StatusCode int
	Body       api.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Error == "" {
		return fmt.Sprintf("relay returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("relay returned HTTP %d: %s", e.StatusCode, e.Body.Error)
}

// doJSON sends body to the relay and decodes the answer into out.
func doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	} else if sessionID != "" {
		// Development setups without auth still scope calls to the chosen session.
		req.Header.Set(auth.ProxySessionHeader, sessionID)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&apiErr.Body)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

var errNoSession = errors.New("no session selected (use --session or set session in the config file)")

func requireSession() (string, error) {
	if sessionID == "" {
		return "", errNoSession
	}
	return sessionID, nil
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printJSON writes v as JSON, through jq when --pretty is set.
func printJSON(w io.Writer, v any) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if prettyJSON {
		jsonData, err = json.Marshal(v)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}

	if prettyJSON {
		formatted, jqErr := formatWithJQ(jsonData)
		if jqErr == nil {
			fmt.Fprint(w, formatted)
			return
		}
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
		jsonData, _ = json.MarshalIndent(v, "", "  ")
	}
	fmt.Fprintln(w, string(jsonData))
}

// printOutput prints v as JSON when requested, otherwise through human.
func printOutput(w io.Writer, v any, human func(w io.Writer)) {
	if outputJSON || human == nil {
		printJSON(w, v)
		return
	}
	human(w)
}

// splitList parses a comma separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
