package client

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// EntryResponse mirrors the API's knowledge entry payload.
type EntryResponse struct {
	ID             string `json:"id"`
	OrgID          string `json:"org_id"`
	BaseTemplateID string `json:"base_template_id,omitempty"`
	Status         string `json:"status"`
	Version        int64  `json:"version"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	DriftFlag      string `json:"drift_flag,omitempty"`
	LastEmbeddedAt string `json:"last_embedded_at,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// DuplicateResponse reports a flagged near-duplicate.
type DuplicateResponse struct {
	ExistingID string  `json:"existing_id"`
	Score      float64 `json:"score"`
}

// MutationResponse is the API's save-result payload with advisory signals.
type MutationResponse struct {
	Entry             *EntryResponse     `json:"entry"`
	Warnings          []string           `json:"warnings,omitempty"`
	Duplicate         *DuplicateResponse `json:"duplicate,omitempty"`
	BudgetSoftWarning bool               `json:"budget_soft_warning,omitempty"`
}

// VersionResponse is one immutable version snapshot.
type VersionResponse struct {
	Version   int64  `json:"version"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	Actor     string `json:"actor"`
	CreatedAt string `json:"created_at"`
}

// ListResponse is the paginated entry listing.
type ListResponse struct {
	Items   []EntryResponse `json:"items"`
	Cursor  string          `json:"cursor,omitempty"`
	HasMore bool            `json:"has_more"`
}

// KnowledgeCmd creates the knowledge parent command.
func KnowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "knowledge",
		Aliases: []string{"kn"},
		Short:   "Manage knowledge entries",
		Long:    "Create, update, approve, reject, roll back and list knowledge entries",
	}

	cmd.AddCommand(KnowledgeCreateCmd())
	cmd.AddCommand(KnowledgeGetCmd())
	cmd.AddCommand(KnowledgeListCmd())
	cmd.AddCommand(KnowledgeUpdateCmd())
	cmd.AddCommand(KnowledgeApproveCmd())
	cmd.AddCommand(KnowledgeRejectCmd())
	cmd.AddCommand(KnowledgeRollbackCmd())
	cmd.AddCommand(KnowledgeVersionsCmd())
	cmd.AddCommand(KnowledgeResolveCmd())
	cmd.AddCommand(KnowledgeDeleteCmd())

	return cmd
}

func KnowledgeCreateCmd() *cobra.Command {
	var (
		title    string
		content  string
		file     string
		template string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft knowledge entry",
		Long:  "Create a new draft entry; duplicates and restricted terms are reported as warnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read content file: %w", err)
				}
				content = string(data)
			}
			return runKnowledgeCreate(cmd, title, content, template, outputJSON)
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "Entry title (required)")
	cmd.Flags().StringVarP(&content, "content", "c", "", "Entry content")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read content from file")
	cmd.Flags().StringVar(&template, "template", "", "Base template ID")
	cmd.MarkFlagRequired("title")

	return cmd
}

func runKnowledgeCreate(cmd *cobra.Command, title, content, template string, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	body := map[string]interface{}{
		"title":   title,
		"content": content,
	}
	if template != "" {
		body["base_template_id"] = template
	}

	resp, err := api.Post("/v1/knowledge", body)
	if err != nil {
		return err
	}

	var result MutationResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputJSON {
		printJSON(result)
		return nil
	}

	fmt.Printf("Created draft entry %s (v%d)\n", result.Entry.ID, result.Entry.Version)
	printAdvisories(&result)
	return nil
}

func KnowledgeGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a knowledge entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runKnowledgeGet(cmd, args[0], outputJSON)
		},
	}

	return cmd
}

func runKnowledgeGet(cmd *cobra.Command, id string, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	resp, err := api.Get("/v1/knowledge/" + url.PathEscape(id))
	if err != nil {
		return err
	}

	var entry EntryResponse
	if err := json.Unmarshal(resp.Data, &entry); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputJSON {
		printJSON(entry)
		return nil
	}

	printEntry(&entry)
	return nil
}

func KnowledgeListCmd() *cobra.Command {
	var (
		limit  int
		cursor string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List knowledge entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runKnowledgeList(cmd, limit, cursor, outputJSON)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of results")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Pagination cursor from previous response")

	return cmd
}

func runKnowledgeList(cmd *cobra.Command, limit int, cursor string, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/v1/knowledge"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := api.Get(path)
	if err != nil {
		return err
	}

	var result ListResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputJSON {
		printJSON(result)
		return nil
	}

	if len(result.Items) == 0 {
		fmt.Println("No entries found")
		return nil
	}
	for _, entry := range result.Items {
		line := fmt.Sprintf("  %s  v%-3d %-18s %s", entry.ID, entry.Version, entry.Status, entry.Title)
		if entry.DriftFlag != "" {
			line += fmt.Sprintf(" [drift: %s]", entry.DriftFlag)
		}
		fmt.Println(line)
	}
	if result.HasMore && result.Cursor != "" {
		fmt.Printf("\nMore results available. Use --cursor %s\n", result.Cursor)
	}
	return nil
}

func KnowledgeUpdateCmd() *cobra.Command {
	var (
		title           string
		content         string
		file            string
		expectedVersion int64
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a knowledge entry",
		Long:  "Update an entry; --expected-version guards against concurrent edits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read content file: %w", err)
				}
				content = string(data)
			}
			return runKnowledgeUpdate(cmd, args[0], title, content, expectedVersion, outputJSON)
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "New title")
	cmd.Flags().StringVarP(&content, "content", "c", "", "New content")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read content from file")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "Version you last read (required)")
	cmd.MarkFlagRequired("expected-version")

	return cmd
}

func runKnowledgeUpdate(cmd *cobra.Command, id, title, content string, expectedVersion int64, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	resp, err := api.Put("/v1/knowledge/"+url.PathEscape(id), map[string]interface{}{
		"title":            title,
		"content":          content,
		"expected_version": expectedVersion,
	})
	if err != nil {
		return err
	}

	var result MutationResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputJSON {
		printJSON(result)
		return nil
	}

	fmt.Printf("Updated entry %s (now v%d, status %s)\n", result.Entry.ID, result.Entry.Version, result.Entry.Status)
	printAdvisories(&result)
	return nil
}

func KnowledgeApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending entry",
		Long:  "Approve an entry awaiting review (owner or manager key required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runEntryAction(cmd, args[0], "approve", nil, outputJSON)
		},
	}

	return cmd
}

func KnowledgeRejectCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runEntryAction(cmd, args[0], "reject", map[string]interface{}{"reason": reason}, outputJSON)
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Rejection reason (required)")
	cmd.MarkFlagRequired("reason")

	return cmd
}

func KnowledgeRollbackCmd() *cobra.Command {
	var targetVersion int64

	cmd := &cobra.Command{
		Use:   "rollback <id>",
		Short: "Roll an entry back to an earlier version",
		Long:  "Creates a new version with the old content; history is never rewritten",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runEntryAction(cmd, args[0], "rollback", map[string]interface{}{"target_version": targetVersion}, outputJSON)
		},
	}

	cmd.Flags().Int64Var(&targetVersion, "to", 0, "Target version (required)")
	cmd.MarkFlagRequired("to")

	return cmd
}

func runEntryAction(cmd *cobra.Command, id, action string, body map[string]interface{}, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	resp, err := api.Post("/v1/knowledge/"+url.PathEscape(id)+"/"+action, body)
	if err != nil {
		return err
	}

	var entry EntryResponse
	if err := json.Unmarshal(resp.Data, &entry); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputJSON {
		printJSON(entry)
		return nil
	}

	fmt.Printf("Entry %s is now %s (v%d)\n", entry.ID, entry.Status, entry.Version)
	return nil
}

func KnowledgeVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <id>",
		Short: "List an entry's version history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runKnowledgeVersions(cmd, args[0], outputJSON)
		},
	}

	return cmd
}

func runKnowledgeVersions(cmd *cobra.Command, id string, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	resp, err := api.Get("/v1/knowledge/" + url.PathEscape(id) + "/versions")
	if err != nil {
		return err
	}

	var versions []VersionResponse
	if err := json.Unmarshal(resp.Data, &versions); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputJSON {
		printJSON(versions)
		return nil
	}

	if len(versions) == 0 {
		fmt.Println("No versions found")
		return nil
	}
	for _, v := range versions {
		fmt.Printf("  v%-3d %-18s %s (by %s, %s)\n", v.Version, v.Status, v.Title, v.Actor, v.CreatedAt)
	}
	return nil
}

func KnowledgeResolveCmd() *cobra.Command {
	var (
		existingID string
		resolution string
	)

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a flagged duplicate",
		Long:  "Record the decision for a flagged near-duplicate: replace, keep or cancel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runKnowledgeResolve(cmd, args[0], existingID, resolution, outputJSON)
		},
	}

	cmd.Flags().StringVar(&existingID, "existing", "", "ID of the existing near-duplicate entry (required)")
	cmd.Flags().StringVar(&resolution, "resolution", "", "Decision: replace, keep or cancel (required)")
	cmd.MarkFlagRequired("existing")
	cmd.MarkFlagRequired("resolution")

	return cmd
}

func runKnowledgeResolve(cmd *cobra.Command, id, existingID, resolution string, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	_, err = api.Post("/v1/knowledge/"+url.PathEscape(id)+"/duplicate", map[string]interface{}{
		"existing_id": existingID,
		"resolution":  resolution,
	})
	if err != nil {
		return err
	}

	if outputJSON {
		printJSON(map[string]string{"id": id, "resolution": resolution})
		return nil
	}

	fmt.Printf("Recorded %s for entry %s\n", resolution, id)
	return nil
}

func KnowledgeDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a knowledge entry",
		Long:  "Soft-delete an entry and remove its vectors from retrieval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runKnowledgeDelete(cmd, args[0], outputJSON)
		},
	}

	return cmd
}

func runKnowledgeDelete(cmd *cobra.Command, id string, outputJSON bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	if _, err := api.Delete("/v1/knowledge/" + url.PathEscape(id)); err != nil {
		return err
	}

	if outputJSON {
		printJSON(map[string]interface{}{"id": id, "deleted": true})
		return nil
	}

	fmt.Printf("Entry %s deleted\n", id)
	return nil
}

func printEntry(entry *EntryResponse) {
	fmt.Printf("ID:      %s\n", entry.ID)
	fmt.Printf("Title:   %s\n", entry.Title)
	fmt.Printf("Status:  %s\n", entry.Status)
	fmt.Printf("Version: %d\n", entry.Version)
	if entry.DriftFlag != "" {
		fmt.Printf("Drift:   %s\n", entry.DriftFlag)
	}
	if entry.LastEmbeddedAt != "" {
		fmt.Printf("Embedded: %s\n", entry.LastEmbeddedAt)
	}
	fmt.Printf("Updated: %s\n", entry.UpdatedAt)
	fmt.Println()
	fmt.Println(entry.Content)
}

func printAdvisories(result *MutationResponse) {
	for _, warning := range result.Warnings {
		fmt.Printf("Warning: %s\n", warning)
	}
	if result.Duplicate != nil {
		fmt.Printf("Possible duplicate of %s (similarity %.2f). Resolve with 'guardrailctl knowledge resolve'.\n",
			result.Duplicate.ExistingID, result.Duplicate.Score)
	}
	if result.BudgetSoftWarning {
		fmt.Println("Note: organization is approaching its daily AI budget")
	}
}

func printJSON(v interface{}) {
	jsonBytes, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(jsonBytes))
}
