package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/manifoldco/promptui"
	"github.com/smallnest/permgate/permission"
	"github.com/smallnest/permgate/types"
	"github.com/spf13/cobra"
)

var (
	gatewayURLFlag   string
	gatewayTokenFlag string
	promptSession    string
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Answer permission prompts interactively",
	Long: `Connect to a running gateway and answer permission prompts from the
terminal. Prompts that are already waiting are shown first.`,
	Args: cobra.NoArgs,
	RunE: runPrompt,
}

func init() {
	addGatewayFlags(promptCmd)
	promptCmd.Flags().StringVar(&promptSession, "session", "", "Only answer prompts for this session")

	rootCmd.AddCommand(promptCmd)
}

// addGatewayFlags 注册连接网关的公共参数
func addGatewayFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&gatewayURLFlag, "url", "", "Gateway WebSocket URL (default from config)")
	cmd.Flags().StringVar(&gatewayTokenFlag, "token", "", "Gateway authentication token (default from config)")
}

// connectGateway 按参数或配置连接网关
func connectGateway(ctx context.Context) (*gatewayClient, error) {
	url, token := gatewayURLFlag, gatewayTokenFlag
	if url == "" || token == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if url == "" {
			url = gatewayURL(cfg)
		}
		if token == "" {
			token = cfg.Gateway.Token
		}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return dialGateway(dialCtx, url, token)
}

type pendingResult struct {
	Prompts []permission.PromptEvent `json:"prompts"`
	Count   int                      `json:"count"`
}

// runPrompt 交互式处理权限提示
func runPrompt(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connectGateway(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if promptSession != "" {
		if err := client.Call(ctx, "permission.subscribe", map[string]string{"session_id": promptSession}, nil); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}

	var pending pendingResult
	if err := client.Call(ctx, "permission.pending", map[string]string{"session_id": promptSession}, &pending); err != nil {
		return fmt.Errorf("failed to list pending prompts: %w", err)
	}

	seen := make(map[string]struct{})
	for _, p := range pending.Prompts {
		seen[p.PromptID] = struct{}{}
		if err := answerPrompt(ctx, client, p); err != nil {
			return err
		}
	}

	fmt.Println("Waiting for permission prompts (Ctrl+C to quit)...")
	for {
		select {
		case <-ctx.Done():
			return nil
		case pn, ok := <-client.Prompts():
			if !ok {
				return errors.New("gateway connection closed")
			}
			if _, dup := seen[pn.Prompt.PromptID]; dup {
				continue
			}
			seen[pn.Prompt.PromptID] = struct{}{}
			if err := answerPrompt(ctx, client, pn.Prompt); err != nil {
				return err
			}
		}
	}
}

// answerPrompt 询问用户并提交决定
func answerPrompt(ctx context.Context, client *gatewayClient, p permission.PromptEvent) error {
	fmt.Printf("\n[%s] %s wants to run %s\n", p.PromptID, p.SessionID, p.ToolName)
	if input := strings.TrimSpace(string(p.Input)); input != "" {
		fmt.Printf("  input: %s\n", truncate(input, 400))
	}

	sel := promptui.Select{
		Label: "Decision",
		Items: []string{"Allow", "Deny"},
	}
	idx, _, err := sel.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return nil
		}
		return err
	}

	decision := permission.Allow(nil)
	if idx == 1 {
		reason := promptui.Prompt{Label: "Reason (optional)"}
		msg, err := reason.Run()
		if err != nil && !errors.Is(err, promptui.ErrAbort) {
			return err
		}
		decision = permission.Deny(strings.TrimSpace(msg))
	}

	err = client.Call(ctx, "permission.resolve", map[string]interface{}{
		"session_id": p.SessionID,
		"prompt_id":  p.PromptID,
		"decision":   decision,
	}, nil)
	if isGone(err) {
		fmt.Println("  already answered, timed out or session ended")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve prompt: %w", err)
	}
	fmt.Printf("  %s\n", decision.Behavior)
	return nil
}

// isGone reports whether a resolve failed because the prompt or its session
// no longer exists. The approver keeps serving other sessions in that case.
func isGone(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	switch types.ErrorReason(rpcErr.Reason) {
	case types.ReasonPromptNotFound, types.ReasonSessionNotFound:
		return true
	}
	return false
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
