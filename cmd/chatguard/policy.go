package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"chatguard.org/internal/auth"
	"chatguard.org/internal/policy"
)

var evalFlags struct {
	file     string
	tenant   string
	user     string
	roles    []string
	attrs    map[string]string
	resource string
	action   string
	owner    string
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect policy files",
}

var policyEvalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate one request against a policy file",
	Long: `Load a YAML policy file and print the decision for a single request.

Example:
  chatguard policy eval --file policies.yaml --tenant t1 --user u1 --roles member \
    --resource chat --action sendPrivateMessage`,
	Args: cobra.NoArgs,
	RunE: runPolicyEval,
}

func init() {
	f := policyEvalCmd.Flags()
	f.StringVar(&evalFlags.file, "file", "", "policy file (YAML)")
	f.StringVar(&evalFlags.tenant, "tenant", "", "tenant id")
	f.StringVar(&evalFlags.user, "user", "", "user id")
	f.StringSliceVar(&evalFlags.roles, "roles", nil, "caller roles")
	f.StringToStringVar(&evalFlags.attrs, "attr", nil, "caller attributes (key=value)")
	f.StringVar(&evalFlags.resource, "resource", policy.ResourceChat, "resource type")
	f.StringVar(&evalFlags.action, "action", policy.ActionCreate, "action")
	f.StringVar(&evalFlags.owner, "owner", "", "resource owner id")
	_ = policyEvalCmd.MarkFlagRequired("file")
	_ = policyEvalCmd.MarkFlagRequired("tenant")

	policyCmd.AddCommand(policyEvalCmd)
}

type evalResult struct {
	Tenant   string `json:"tenant"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Allowed  bool   `json:"allowed"`
	PolicyID string `json:"policyId,omitempty"`
	Priority int    `json:"priority"`
	Matched  int    `json:"matched"`
}

func runPolicyEval(cmd *cobra.Command, _ []string) error {
	policies, err := policy.LoadFile(evalFlags.file)
	if err != nil {
		return err
	}
	store := policy.NewStore()
	store.Replace(policies)

	ac, err := auth.NewBuilder(nil).Build(cmd.Context(), auth.Credentials{
		TenantID:   evalFlags.tenant,
		UserID:     evalFlags.user,
		Roles:      evalFlags.roles,
		Attributes: evalFlags.attrs,
	})
	if err != nil {
		return fmt.Errorf("build identity: %w", err)
	}
	d := policy.NewEngine(store).Decide(policy.Request{
		Context:         ac,
		ResourceType:    evalFlags.resource,
		Action:          evalFlags.action,
		ResourceOwnerID: evalFlags.owner,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(evalResult{
		Tenant:   ac.TenantID(),
		Resource: evalFlags.resource,
		Action:   evalFlags.action,
		Allowed:  d.Allowed,
		PolicyID: d.PolicyID,
		Priority: d.Priority,
		Matched:  d.Matched,
	})
}
