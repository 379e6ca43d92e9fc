// Package cmd implements proxyctl, a command line client for the proxy's HTTP API.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultProxyURL = "http://localhost:8282"

type options struct {
	cfgFile  string
	proxyURL string
	output   string
	timeout  time.Duration
	v        *viper.Viper
}

// NewRootCmd builds the proxyctl command tree
func NewRootCmd() *cobra.Command {
	opts := &options{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "proxyctl",
		Short:         "CLI for the Stable Horde proxy",
		Long:          `proxyctl inspects a running Stable Horde proxy: available models, live jobs and persisted job history.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.initConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default is $HOME/.proxyctl/config.yaml)")
	flags.StringVar(&opts.proxyURL, "url", "", "proxy base URL (default from config, PROXY_URL or "+defaultProxyURL+")")
	flags.StringVarP(&opts.output, "output", "o", "table", "output format: table or json")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(newHealthCmd(opts))
	rootCmd.AddCommand(newModelsCmd(opts))
	rootCmd.AddCommand(newJobsCmd(opts))

	return rootCmd
}

// initConfig reads the config file and environment. Flags win over both.
func (o *options) initConfig() error {
	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		o.v.AddConfigPath(filepath.Join(home, ".proxyctl"))
		o.v.SetConfigName("config")
		o.v.SetConfigType("yaml")
	}

	o.v.SetDefault("proxy_url", defaultProxyURL)
	if err := o.v.BindEnv("proxy_url", "PROXY_URL"); err != nil {
		return err
	}

	if err := o.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if o.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	if o.proxyURL == "" {
		o.proxyURL = o.v.GetString("proxy_url")
	}
	if o.output != "table" && o.output != "json" {
		return fmt.Errorf("unsupported output format %q", o.output)
	}
	return nil
}

func (o *options) jsonOutput() bool {
	return o.output == "json"
}

// get fetches path from the proxy API and decodes the JSON body into out
func (o *options) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := strings.TrimRight(o.proxyURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to proxy API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}
