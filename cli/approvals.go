package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/smallnest/permgate/approvals"
	"github.com/spf13/cobra"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Approval policy management",
	Long: `Edit the allow/deny policy the broker uses to answer prompts without a human.
Rules are tool name globs, optionally with an argument glob: "Read", "mcp__*",
"Edit(src/**)", "Bash(git status*)".`,
}

var approvalsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the approval policy",
	Args:  cobra.NoArgs,
	Run:   runApprovalsGet,
}

var approvalsAllowCmd = &cobra.Command{
	Use:   "allow <rule>",
	Short: "Add an allow rule",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runApprovalsAdd(approvals.VerdictAllow, args[0])
	},
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny <rule>",
	Short: "Add a deny rule",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runApprovalsAdd(approvals.VerdictDeny, args[0])
	},
}

var approvalsRemoveCmd = &cobra.Command{
	Use:   "remove <rule>",
	Short: "Remove a rule from both lists",
	Args:  cobra.ExactArgs(1),
	Run:   runApprovalsRemove,
}

var approvalsMessageCmd = &cobra.Command{
	Use:   "message <text>",
	Short: "Set the message sent with policy denials",
	Args:  cobra.ExactArgs(1),
	Run:   runApprovalsMessage,
}

var approvalsCheckCmd = &cobra.Command{
	Use:   "check <tool> [input-json]",
	Short: "Show how the policy would answer a prompt",
	Args:  cobra.RangeArgs(1, 2),
	Run:   runApprovalsCheck,
}

var approvalsFile string

func init() {
	approvalsCmd.PersistentFlags().StringVar(&approvalsFile, "file", "", "Policy file (default from config)")

	rootCmd.AddCommand(approvalsCmd)
	approvalsCmd.AddCommand(approvalsGetCmd)
	approvalsCmd.AddCommand(approvalsAllowCmd)
	approvalsCmd.AddCommand(approvalsDenyCmd)
	approvalsCmd.AddCommand(approvalsRemoveCmd)
	approvalsCmd.AddCommand(approvalsMessageCmd)
	approvalsCmd.AddCommand(approvalsCheckCmd)
}

// getApprovalsPath returns the policy path from --file or the config
func getApprovalsPath() (string, error) {
	if approvalsFile != "" {
		return approvalsFile, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Approvals.Path, nil
}

func loadPolicy() (string, *approvals.Policy) {
	path, err := getApprovalsPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	policy, err := approvals.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading policy: %v\n", err)
		os.Exit(1)
	}
	return path, policy
}

func savePolicy(path string, policy *approvals.Policy) {
	if err := approvals.Save(path, policy); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving policy: %v\n", err)
		os.Exit(1)
	}
}

// runApprovalsGet handles the approvals get command
func runApprovalsGet(cmd *cobra.Command, args []string) {
	path, policy := loadPolicy()

	fmt.Println("Approval Policy:")
	fmt.Printf("  File: %s\n", path)
	fmt.Printf("  Allow: %v\n", policy.Allow)
	fmt.Printf("  Deny: %v\n", policy.Deny)
	fmt.Printf("  Deny message: %s\n", policy.Message())
}

// runApprovalsAdd handles the approvals allow/deny commands
func runApprovalsAdd(verdict approvals.Verdict, rule string) {
	path, policy := loadPolicy()

	changed, err := policy.AddRule(verdict, rule)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid rule: %v\n", err)
		os.Exit(1)
	}
	if !changed {
		fmt.Printf("Rule '%s' is already in the %s list\n", rule, verdict)
		return
	}

	savePolicy(path, policy)
	fmt.Printf("Added '%s' to the %s list\n", rule, verdict)
}

// runApprovalsRemove handles the approvals remove command
func runApprovalsRemove(cmd *cobra.Command, args []string) {
	path, policy := loadPolicy()

	if !policy.RemoveRule(args[0]) {
		fmt.Printf("Rule '%s' is not in the policy\n", args[0])
		return
	}

	savePolicy(path, policy)
	fmt.Printf("Removed '%s' from the policy\n", args[0])
}

func runApprovalsMessage(cmd *cobra.Command, args []string) {
	path, policy := loadPolicy()
	policy.DenyMessage = strings.TrimSpace(args[0])
	savePolicy(path, policy)
	fmt.Printf("Deny message set to: %s\n", policy.Message())
}

func runApprovalsCheck(cmd *cobra.Command, args []string) {
	_, policy := loadPolicy()

	input := json.RawMessage(`{}`)
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			fmt.Fprintln(os.Stderr, "Input must be a JSON object")
			os.Exit(1)
		}
		input = json.RawMessage(args[1])
	}

	verdict, rule := policy.Evaluate(args[0], input)
	switch verdict {
	case approvals.VerdictAllow:
		fmt.Printf("allow (rule %s)\n", rule)
	case approvals.VerdictDeny:
		fmt.Printf("deny (rule %s): %s\n", rule, policy.Message())
	default:
		fmt.Println("no rule matches; the prompt goes to the UI")
	}
}
