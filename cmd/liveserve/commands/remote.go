package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/livetemplate/liveserve/internal/config"
)

// defaultTimeout is the default context timeout for CLI operations
const defaultTimeout = 30 * time.Second

// remoteFlags address a running server's API.
type remoteFlags struct {
	server     string
	apiKey     string
	headerName string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.server, "server", "s", "http://localhost:8080", "Base URL of the running liveserve")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key (default: $LIVESERVE_API_KEY)")
	cmd.Flags().StringVar(&f.headerName, "header", "", "API key header (default: X-API-Key)")
}

// launchResult is the API's reply to a launch or live update.
type launchResult struct {
	Path  string `json:"path"`
	URL   string `json:"url"`
	Error string `json:"error"`
}

// do sends one API request and decodes the launch result.
func (f *remoteFlags) do(ctx context.Context, method, endpoint, p string, body io.Reader) (launchResult, error) {
	var res launchResult
	target := strings.TrimSuffix(f.server, "/") + "/api/" + endpoint + "/" + strings.TrimPrefix(p, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return res, fmt.Errorf("building request: %w", err)
	}

	key := f.apiKey
	if key == "" {
		key = os.Getenv("LIVESERVE_API_KEY")
	}
	if key != "" {
		api := &config.APIConfig{HeaderName: f.headerName}
		if api.GetHeaderName() == "Authorization" {
			key = "Bearer " + key
		}
		req.Header.Set(api.GetHeaderName(), key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return res, fmt.Errorf("contacting %s: %w", f.server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return res, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil && resp.StatusCode == http.StatusOK {
		return res, fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if res.Error == "" {
			res.Error = resp.Status
		}
		return res, fmt.Errorf("%s %s: %s", method, p, res.Error)
	}
	return res, nil
}

func (f *remoteFlags) print(out io.Writer, res launchResult) {
	fmt.Fprintf(out, "%s -> %s%s\n", res.Path, strings.TrimSuffix(f.server, "/"), res.URL)
}

func newOpenCommand() *cobra.Command {
	var f remoteFlags
	cmd := &cobra.Command{
		Use:   "open <path>",
		Short: "Show a project path in the running preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			res, err := f.do(ctx, http.MethodPost, "launch", args[0], nil)
			if err != nil {
				return err
			}
			f.print(cmd.OutOrStdout(), res)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newPushCommand() *cobra.Command {
	var f remoteFlags
	var remove bool
	cmd := &cobra.Command{
		Use:   "push <path> [file]",
		Short: "Replace a page's content in the running preview without saving it",
		Long: `Push sends unsaved content for <path> to the running preview, read from
[file] or standard input. The preview shows it until --remove is pushed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			if remove {
				_, err := f.do(ctx, http.MethodDelete, "live", args[0], nil)
				if err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> on disk\n", args[0])
				}
				return err
			}

			var body io.Reader = cmd.InOrStdin()
			if len(args) == 2 {
				file, err := os.Open(args[1])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[1], err)
				}
				defer file.Close()
				body = file
			}

			res, err := f.do(ctx, http.MethodPut, "live", args[0], body)
			if err != nil {
				return err
			}
			f.print(cmd.OutOrStdout(), res)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&remove, "remove", false, "Drop the pushed content and show the file on disk again")
	return cmd
}
