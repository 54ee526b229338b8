// Package commands provides CLI subcommands for devicegate.
package commands

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/liteclaw/devicegate/internal/config"
	"github.com/liteclaw/devicegate/pkg/types"
)

const (
	defaultAPIAddr = "127.0.0.1:7780"
	apiTimeout     = 5 * time.Second
)

// apiClient talks to the control API of a running gateway.
type apiClient struct {
	http *resty.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	c := resty.New().
		SetHostURL(baseURL).
		SetTimeout(apiTimeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &apiClient{http: c}
}

// addAPIFlags registers --api and --api-token on cmd and its subcommands.
func addAPIFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("api", "", "Control API address (default: gateway.api.listen from config)")
	cmd.PersistentFlags().String("api-token", "", "Control API token (default: gateway.api.token from config)")
}

// apiFromFlags resolves the API address and token from flags, falling back
// to the config file.
func apiFromFlags(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("api")
	token, _ := cmd.Flags().GetString("api-token")
	if addr == "" || token == "" {
		if cfg, err := config.Load(); err == nil {
			if addr == "" {
				addr = cfg.Gateway.API.Listen
			}
			if token == "" {
				token = cfg.Gateway.API.Token
			}
		}
	}
	return newAPIClient(apiBaseURL(addr), token)
}

// apiBaseURL turns a listen address into a URL a client can dial.
func apiBaseURL(addr string) string {
	if addr == "" {
		addr = defaultAPIAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// call performs one request and unwraps the response envelope.
func call[T any](ctx context.Context, c *apiClient, method, path string, body interface{}) (T, error) {
	var (
		zero   T
		ok     types.Response[T]
		failed types.Response[any]
	)

	req := c.http.R().SetContext(ctx).SetResult(&ok).SetError(&failed)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return zero, fmt.Errorf("cannot reach gateway: %w", err)
	}
	if resp.IsError() {
		if failed.Error != nil {
			return zero, fmt.Errorf("%s: %s", failed.Error.Code, failed.Error.Message)
		}
		return zero, fmt.Errorf("gateway returned status %d", resp.StatusCode())
	}
	return ok.Data, nil
}

// callNoContent performs a request whose success answer has no body.
func callNoContent(ctx context.Context, c *apiClient, method, path string) error {
	_, err := call[any](ctx, c, method, path, nil)
	return err
}

func cmdContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, apiTimeout)
}
