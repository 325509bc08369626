package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	serverAddr string
	grpcAddr   string
	timeout    time.Duration
	useTLS     bool
	outputJSON bool
	prettyJSON bool
	jwtToken   string
	appToken   string
)

var rootCmd = &cobra.Command{
	Use:   "harborctl",
	Short: "Harbor Relay CLI - send events to and inspect the Harbor Relay service",
	Long: `Harbor Relay CLI (harborctl) is a command line tool for the Harbor Relay
webhook relay.

You can use it to send events on behalf of an account, look up the delivery
status of an event, mint development tokens, and check service health.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.harborctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:3000", "ingest HTTP address (host:port)")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc-server", "localhost:50051", "ingest gRPC health address (host:port)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&useTLS, "tls", false, "use https when talking to the ingest server")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "JWT for the status API (overrides JWT_TOKEN env var)")
	rootCmd.PersistentFlags().StringVar(&appToken, "app-token", "", "account app secret token sent as cl-x-token (overrides APP_TOKEN env var)")

	for _, name := range []string{"server", "grpc-server", "timeout", "tls", "json", "pretty", "token", "app-token"} {
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
		viper.SetConfigName(".harborctl")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	flags := rootCmd.PersistentFlags()
	if !flags.Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverAddr = s
		}
	}
	if !flags.Changed("grpc-server") {
		if s := viper.GetString("grpc-server"); s != "" {
			grpcAddr = s
		}
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("tls") {
		useTLS = viper.GetBool("tls")
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	if !flags.Changed("token") {
		jwtToken = firstNonEmpty(viper.GetString("token"), os.Getenv("JWT_TOKEN"))
	}
	if !flags.Changed("app-token") {
		appToken = firstNonEmpty(viper.GetString("app-token"), os.Getenv("APP_TOKEN"))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// baseURL turns the configured server address into a URL prefix
func baseURL(addr string, secure bool) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return scheme + "://" + strings.TrimRight(addr, "/")
}

// apiResponse is a decoded reply from the ingest server
type apiResponse struct {
	StatusCode int
	Body       []byte
}

// Message pulls the "message" field out of a JSON reply, if any
func (r apiResponse) Message() string {
	var m struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(r.Body, &m) == nil && m.Message != "" {
		return m.Message
	}
	return strings.TrimSpace(string(r.Body))
}

// doRequest sends a request to the ingest server and reads the whole reply
func doRequest(ctx context.Context, method, path string, headers map[string]string, body []byte) (apiResponse, error) {
	client := &http.Client{Timeout: timeout}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL(serverAddr, useTLS)+path, rdr)
	if err != nil {
		return apiResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("failed to read response: %w", err)
	}
	return apiResponse{StatusCode: resp.StatusCode, Body: b}, nil
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

// printOutput prints v as JSON when --json is set, otherwise with %+v.
// Raw JSON bytes are printed as they are.
func printOutput(w io.Writer, v any) {
	if !outputJSON {
		if raw, ok := v.(json.RawMessage); ok {
			fmt.Fprintln(w, string(raw))
			return
		}
		fmt.Fprintf(w, "%+v\n", v)
		return
	}

	var (
		jsonData []byte
		err      error
	)
	switch t := v.(type) {
	case json.RawMessage:
		var buf bytes.Buffer
		if err = json.Indent(&buf, t, "", "  "); err == nil {
			jsonData = buf.Bytes()
		}
	default:
		jsonData, err = json.MarshalIndent(v, "", "  ")
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
	}
	fmt.Fprintln(w, string(jsonData))
}

// parseJSON checks that s is a JSON object and returns it compacted
func parseJSON(s string) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
