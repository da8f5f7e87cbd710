package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// CommandPolicy tells a deployment tool when a command may run, per context
// (for example "run" or "migration"). Policies live in cobra annotations under
// the "policies." prefix.
type CommandPolicy string

const (
	PolicyAlways    CommandPolicy = "always"
	PolicyNever     CommandPolicy = "never"
	PolicyOnce      CommandPolicy = "once"
	PolicyMigration CommandPolicy = "migration"
	PolicyRun       CommandPolicy = "run"
	PolicyManual    CommandPolicy = "manual"
	PolicyOnDemand  CommandPolicy = "on_demand"
)

const (
	policyPrefix         = "policies."
	defaultPolicyContext = "run"
	migrationContext     = "migration"
)

// SetCommandPolicies replaces the policies of cmd. Other annotations are kept.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	kept := make(map[string]string, len(cmd.Annotations)+len(policies))
	for k, v := range cmd.Annotations {
		if !strings.HasPrefix(k, policyPrefix) {
			kept[k] = v
		}
	}
	for ctx, policy := range policies {
		if ctx = strings.TrimSpace(ctx); ctx != "" {
			kept[policyPrefix+ctx] = string(policy)
		}
	}
	cmd.Annotations = kept
}

// GetCommandPolicies returns the policies of cmd keyed by context.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	policies := map[string]string{}
	if cmd == nil {
		return policies
	}
	for k, v := range cmd.Annotations {
		if ctx, ok := strings.CutPrefix(k, policyPrefix); ok && strings.TrimSpace(ctx) != "" {
			policies[ctx] = v
		}
	}
	return policies
}

func withPolicy(cmd *cobra.Command, ctx string, policy CommandPolicy) *cobra.Command {
	SetCommandPolicies(cmd, map[string]CommandPolicy{ctx: policy})
	return cmd
}

// alwaysAllowed marks commands without side effects.
func alwaysAllowed(cmd *cobra.Command) *cobra.Command {
	return withPolicy(cmd, defaultPolicyContext, PolicyAlways)
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd != nil && len(GetCommandPolicies(cmd)) == 0 {
		alwaysAllowed(cmd)
	}
}
