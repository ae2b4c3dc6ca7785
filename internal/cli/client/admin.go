package client

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// CircuitResponse mirrors the admin API's circuit state payload.
type CircuitResponse struct {
	Provider     string `json:"provider"`
	State        string `json:"state"`
	FailureCount int32  `json:"failure_count"`
	OpenedAt     string `json:"opened_at,omitempty"`
	CooldownSecs int64  `json:"cooldown_seconds,omitempty"`
}

// WorkerRunResponse mirrors one worker pass's statistics.
type WorkerRunResponse struct {
	Swept    int64 `json:"Swept"`
	Claimed  int   `json:"Claimed"`
	Done     int   `json:"Done"`
	Deferred int   `json:"Deferred"`
	Retried  int   `json:"Retried"`
	Failed   int   `json:"Failed"`
}

// DriftScanResponse mirrors one drift scan's statistics.
type DriftScanResponse struct {
	Flagged   int64 `json:"Flagged"`
	Escalated int64 `json:"Escalated"`
}

// AuditRecordResponse mirrors one audit trail record.
type AuditRecordResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// AdminCmd creates the admin parent command.
func AdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands",
		Long:  "Inspect circuit breakers, run the worker and drift scanner, purge caches and read the audit trail",
	}

	cmd.AddCommand(AdminCircuitsCmd())
	cmd.AddCommand(AdminWorkerRunCmd())
	cmd.AddCommand(AdminDriftScanCmd())
	cmd.AddCommand(AdminCachePurgeCmd())
	cmd.AddCommand(AdminAuditCmd())

	return cmd
}

func AdminCircuitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuits",
		Short: "Inspect and reset circuit breakers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show circuit breaker state per provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runCircuitList(cmd, outputJSON)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <provider>",
		Short: "Force a circuit closed",
		Long:  "Force-close a provider circuit after confirming the underlying issue is fixed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runCircuitReset(cmd, args[0], outputJSON)
		},
	})

	return cmd
}

func runCircuitList(cmd *cobra.Command, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	resp, err := api.Get("/v1/admin/circuits")
	if err != nil {
		return err
	}

	var circuits []CircuitResponse
	if err := json.Unmarshal(resp.Data, &circuits); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputJSON {
		printJSON(circuits)
		return nil
	}

	if len(circuits) == 0 {
		fmt.Println("All circuits closed")
		return nil
	}
	for _, c := range circuits {
		line := fmt.Sprintf("  %-14s %-9s failures=%d", c.Provider, c.State, c.FailureCount)
		if c.OpenedAt != "" {
			line += fmt.Sprintf(" opened=%s cooldown=%ds", c.OpenedAt, c.CooldownSecs)
		}
		fmt.Println(line)
	}
	return nil
}

func runCircuitReset(cmd *cobra.Command, provider string, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	resp, err := api.Post("/v1/admin/circuits/"+url.PathEscape(provider)+"/reset", nil)
	if err != nil {
		return err
	}

	if outputJSON {
		var data map[string]string
		_ = json.Unmarshal(resp.Data, &data)
		printJSON(data)
		return nil
	}

	fmt.Printf("Circuit for %s reset to closed\n", provider)
	return nil
}

func AdminWorkerRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker-run",
		Short: "Run one embedding worker pass",
		Long:  "Sweep stale claims, then claim and process one batch of pending embedding jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runWorkerRun(cmd, outputJSON)
		},
	}

	return cmd
}

func runWorkerRun(cmd *cobra.Command, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	resp, err := api.Post("/v1/admin/worker/run", nil)
	if err != nil {
		return err
	}

	var stats WorkerRunResponse
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputJSON {
		printJSON(stats)
		return nil
	}

	fmt.Printf("Worker pass: swept=%d claimed=%d done=%d deferred=%d retried=%d failed=%d\n",
		stats.Swept, stats.Claimed, stats.Done, stats.Deferred, stats.Retried, stats.Failed)
	return nil
}

func AdminDriftScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift-scan",
		Short: "Run one drift scanner pass",
		Long:  "Flag stale approved entries and escalate long-unconfirmed drift candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runDriftScan(cmd, outputJSON)
		},
	}

	return cmd
}

func runDriftScan(cmd *cobra.Command, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	resp, err := api.Post("/v1/admin/drift/scan", nil)
	if err != nil {
		return err
	}

	var result DriftScanResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputJSON {
		printJSON(result)
		return nil
	}

	fmt.Printf("Drift scan: flagged=%d escalated=%d\n", result.Flagged, result.Escalated)
	return nil
}

func AdminCachePurgeCmd() *cobra.Command {
	var (
		scope string
		id    string
	)

	cmd := &cobra.Command{
		Use:   "cache-purge",
		Short: "Invalidate cached AI responses",
		Long:  "Purge cached responses by scope: org (caller's organization), knowledge (one entry) or global",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runCachePurge(cmd, scope, id, outputJSON)
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "org", "Purge scope (org, knowledge or global)")
	cmd.Flags().StringVar(&id, "id", "", "Entry ID (required for knowledge scope)")

	return cmd
}

func runCachePurge(cmd *cobra.Command, scope, id string, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	resp, err := api.Post("/v1/admin/cache/invalidate", map[string]string{
		"scope": scope,
		"id":    id,
	})
	if err != nil {
		return err
	}

	var result struct {
		Scope  string `json:"scope"`
		Purged int64  `json:"purged"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputJSON {
		printJSON(result)
		return nil
	}

	fmt.Printf("Purged %d cached responses (%s scope)\n", result.Purged, result.Scope)
	return nil
}

func AdminAuditCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runAudit(cmd, limit, outputJSON)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of records")

	return cmd
}

func runAudit(cmd *cobra.Command, limit int, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	path := "/v1/admin/audit"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	resp, err := api.Get(path)
	if err != nil {
		return err
	}

	var records []AuditRecordResponse
	if err := json.Unmarshal(resp.Data, &records); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputJSON {
		printJSON(records)
		return nil
	}

	if len(records) == 0 {
		fmt.Println("No audit records found")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("  %s  %-24s %s/%s by %s\n", rec.CreatedAt, rec.Action, rec.TargetType, rec.TargetID, rec.Actor)
	}
	return nil
}
