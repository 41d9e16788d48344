package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/handle"
	"github.com/kestrelworks/handlebar/internal/timeparsing"
	"github.com/kestrelworks/handlebar/internal/types"
	"github.com/kestrelworks/handlebar/internal/ui"
)

var handlesCmd = &cobra.Command{
	Use:   "handles",
	Short: "Create and inspect query handles",
	Long: `Query handles map opaque tokens to previously discovered item sets.

Handles live in process memory and expire after their TTL (default 1 hour).
Single-invocation workflows combine discovery and action in one command; see
'hb bulk --wiql' and 'hb run'.`,
}

var handlesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a handle from a WIQL query or an explicit id list",
	Run: func(cmd *cobra.Command, args []string) {
		wiql, _ := cmd.Flags().GetString("wiql")
		idsArg, _ := cmd.Flags().GetString("ids")
		ttlArg, _ := cmd.Flags().GetString("ttl")
		desc, _ := cmd.Flags().GetString("description")

		be, err := newBackend()
		if err != nil {
			FatalError("%v", err)
		}

		id, entry, err := createHandle(rootCtx, be, wiql, idsArg, ttlArg, desc)
		if err != nil {
			FatalError("%v", err)
		}

		if jsonOutput {
			outputJSON(entry)
			return
		}
		fmt.Printf("%s %s (%d items, expires %s)\n",
			ui.RenderOK(ui.IconOK), ui.RenderAccent(id), len(entry.ItemIDs),
			entry.ExpiresAt.Format(time.RFC3339))
	},
}

var handlesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live handles in this process",
	Run: func(cmd *cobra.Command, args []string) {
		entries := store.List()
		if jsonOutput {
			outputJSON(entries)
			return
		}
		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("no live handles"))
			return
		}
		for _, e := range entries {
			fmt.Printf("%s  %d items  %d ops  expires %s\n",
				ui.RenderAccent(e.ID), len(e.ItemIDs), len(e.Ledger),
				e.ExpiresAt.Format(time.RFC3339))
		}
	},
}

var handlesShowCmd = &cobra.Command{
	Use:   "show <handle>",
	Short: "Show one handle's items and operation history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		entry, err := store.Get(args[0])
		if err != nil {
			FatalError("%v", err)
		}
		if jsonOutput {
			outputJSON(entry)
			return
		}

		fmt.Printf("%s  source=%s  created %s  expires %s\n",
			ui.RenderAccent(entry.ID), entry.Query.Source,
			entry.CreatedAt.Format(time.RFC3339), entry.ExpiresAt.Format(time.RFC3339))
		for i, id := range entry.ItemIDs {
			line := fmt.Sprintf("[%d] #%d", i, id)
			if ctx, ok := entry.Context[id]; ok {
				line += fmt.Sprintf(" %s (%s, %s)", ctx.Title, ctx.Type, ctx.State)
			}
			fmt.Println("  " + line)
		}
		if len(entry.Ledger) > 0 {
			fmt.Println(ui.RenderHeader("history"))
			for _, rec := range entry.Ledger {
				fmt.Printf("  seq %d  %s  %d items  %s\n",
					rec.Seq, rec.Type, len(rec.Changes), rec.At.Format(time.RFC3339))
			}
		}
	},
}

// createHandle discovers items via WIQL or an explicit id list and stores a
// handle over them, capturing per-item context for criteria selectors.
func createHandle(ctx context.Context, be backend.Backend, wiql, idsArg, ttlArg, desc string) (string, *handle.Entry, error) {
	if (wiql == "") == (idsArg == "") {
		return "", nil, fmt.Errorf("exactly one of --wiql or --ids is required")
	}

	var ttl time.Duration
	if ttlArg != "" {
		d, err := timeparsing.ParseDuration(ttlArg)
		if err != nil {
			return "", nil, fmt.Errorf("invalid --ttl: %w", err)
		}
		ttl = d
	}

	var ids []int
	var meta types.QueryMetadata
	var err error
	if wiql != "" {
		ids, err = be.QueryWorkItemIDs(ctx, wiql)
		if err != nil {
			return "", nil, fmt.Errorf("discovery query failed: %w", err)
		}
		meta = types.QueryMetadata{Source: "wiql", Query: wiql, Description: desc, ExecutedAt: time.Now()}
	} else {
		ids, err = parseIDList(idsArg)
		if err != nil {
			return "", nil, err
		}
		meta = types.QueryMetadata{Source: "ids", Description: desc, ExecutedAt: time.Now()}
	}
	if len(ids) == 0 {
		return "", nil, fmt.Errorf("discovery matched no items")
	}

	itemContext, err := fetchItemContext(ctx, be, ids)
	if err != nil {
		return "", nil, err
	}

	id := store.Create(ids, meta, ttl, itemContext)
	entry, err := store.Get(id)
	if err != nil {
		return "", nil, err
	}
	return id, entry, nil
}

// fetchItemContext captures the per-item fields criteria selectors filter on.
func fetchItemContext(ctx context.Context, be backend.Backend, ids []int) (map[int]types.ItemContext, error) {
	items, err := be.GetWorkItemsBatch(ctx, ids, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch item context: %w", err)
	}
	out := make(map[int]types.ItemContext, len(items))
	for _, wi := range items {
		out[wi.ID] = types.ItemContext{
			Title:         backend.StringField(wi.Fields, backend.FieldTitle),
			Type:          backend.StringField(wi.Fields, backend.FieldWorkItemType),
			State:         backend.StringField(wi.Fields, backend.FieldState),
			Assignee:      backend.StringField(wi.Fields, backend.FieldAssignedTo),
			Tags:          splitTagList(backend.StringField(wi.Fields, backend.FieldTags)),
			AreaPath:      backend.StringField(wi.Fields, backend.FieldAreaPath),
			IterationPath: backend.StringField(wi.Fields, backend.FieldIteration),
			LastChange:    parseFieldTime(backend.StringField(wi.Fields, backend.FieldChangedDate)),
		}
	}
	return out, nil
}

func parseIDList(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid work item id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitTagList(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, ";") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func parseFieldTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func init() {
	handlesCreateCmd.Flags().String("wiql", "", "WIQL discovery query")
	handlesCreateCmd.Flags().String("ids", "", "Comma-separated work item ids")
	handlesCreateCmd.Flags().String("ttl", "", "Handle lifetime (e.g. 90m, 2h, 1d; default 1h)")
	handlesCreateCmd.Flags().String("description", "", "Human description stored with the handle")

	handlesCmd.AddCommand(handlesCreateCmd, handlesListCmd, handlesShowCmd)
	rootCmd.AddCommand(handlesCmd)
}
