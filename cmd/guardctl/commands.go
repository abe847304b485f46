package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	server  string
	apiKey  string
	timeout time.Duration
}

func (o *globalOptions) client() *adminClient {
	return newAdminClient(o.server, o.apiKey, o.timeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "guardctl",
		Short:         "Administer a running tenantguard gateway",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("GUARDCTL_SERVER", "http://localhost:8080"), "gateway base URL")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("GUARDCTL_API_KEY"), "admin API key")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		statsCommand(opts),
		exportCommand(opts),
		analysisCommand(opts),
		cacheCommand(opts),
		rateLimitCommand(opts),
	)
	return root
}

// printJSON writes a response body indented, or verbatim if it is not JSON
func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func requestAndPrint(cmd *cobra.Command, opts *globalOptions, method, path string, body interface{}) error {
	data, err := opts.client().do(cmd.Context(), method, path, body)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), data)
}

func statsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show attack engine counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return requestAndPrint(cmd, opts, http.MethodGet, "/security/stats", nil)
		},
	}
}

func exportCommand(opts *globalOptions) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export tracked attack patterns as JSON or XLSX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(format)
			if format != "json" && format != "xlsx" {
				return fmt.Errorf("unsupported format %q (want json or xlsx)", format)
			}
			if format == "xlsx" && output == "" {
				return fmt.Errorf("--output is required for xlsx exports")
			}

			data, err := opts.client().do(cmd.Context(), http.MethodGet, "/security/export?format="+url.QueryEscape(format), nil)
			if err != nil {
				return err
			}

			if output == "" {
				return printJSON(cmd.OutOrStdout(), data)
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d bytes to %s\n", len(data), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "export format: json or xlsx")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func analysisCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analysis",
		Short: "Turn attack pattern analysis on or off",
	}

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: strings.ToUpper(use[:1]) + use[1:] + " attack pattern analysis",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return requestAndPrint(cmd, opts, http.MethodPut, "/security/analysis", map[string]bool{"enabled": enabled})
			},
		}
	}
	cmd.AddCommand(toggle("enable", true), toggle("disable", false))
	return cmd
}

func cacheCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the license validation cache",
	}

	var tenant string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop cached validations, for one tenant or all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/license/cache"
			if tenant != "" {
				path += "/" + url.PathEscape(tenant)
			}
			return requestAndPrint(cmd, opts, http.MethodDelete, path, nil)
		},
	}
	clearCmd.Flags().StringVar(&tenant, "tenant", "", "only clear this tenant")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache and rate limiter counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return requestAndPrint(cmd, opts, http.MethodGet, "/license/cache/stats", nil)
		},
	}

	cmd.AddCommand(clearCmd, statsCmd)
	return cmd
}

func rateLimitCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Manage authority call rate limits",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Reset every authority rate limit window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return requestAndPrint(cmd, opts, http.MethodDelete, "/license/ratelimit", nil)
		},
	})
	return cmd
}
