package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/daemon"
	"github.com/harun/conductor/pkg/gateway"
	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the conductor daemon.
When the gateway is enabled the running daemon is asked for its session,
run and background task counts.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// gatewayStatus is the result of the status RPC
type gatewayStatus struct {
	Orchestrator orchestrator.Stats `json:"orchestrator"`
	Clients      int                `json:"clients"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	if !cfg.Gateway.Enabled {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	status, err := queryStatus(ctx, cfg)
	if err != nil {
		fmt.Fprintf(out, "Gateway: unreachable (%v)\n", err)
		return nil
	}

	stats := status.Orchestrator
	fmt.Fprintf(out, "Gateway: %s\n", gatewayAddr(cfg))
	fmt.Fprintf(out, "Clients: %d\n", status.Clients)
	fmt.Fprintf(out, "Sessions: %d (%d running)\n", stats.Sessions, stats.Running)
	fmt.Fprintf(out, "Plans: %d\n", stats.Plans)
	fmt.Fprintf(out, "Background tasks: %d (%d running)\n", stats.Background.Total, stats.Background.Running)
	return nil
}

func gatewayAddr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
}

// queryStatus calls the status method over the HTTP RPC endpoint
func queryStatus(ctx context.Context, cfg *config.Config) (*gatewayStatus, error) {
	body, err := json.Marshal(gateway.RPCRequest{ID: "cli-status", Method: "status"})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+gatewayAddr(cfg)+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Gateway.SharedSecret != "" {
		req.Header.Set(gateway.SecretHeader, cfg.Gateway.SharedSecret)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}

	var rpcResp struct {
		Result *gatewayStatus    `json:"result"`
		Error  *gateway.RPCError `json:"error"`
	}
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("invalid gateway response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if rpcResp.Result == nil {
		return nil, fmt.Errorf("empty gateway response")
	}
	return rpcResp.Result, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
