package ui

import (
	"fmt"
	"strings"

	"github.com/kestrelworks/handlebar/internal/types"
)

func statusIcon(s types.OutcomeStatus) string {
	switch s {
	case types.OutcomeSucceeded:
		return RenderOK(IconOK)
	case types.OutcomeFailed:
		return RenderErr(IconErr)
	default:
		return RenderMuted(IconSkip)
	}
}

// RenderActionResult renders a bulk action's outcome for the terminal.
func RenderActionResult(r *types.ActionResult) string {
	var b strings.Builder

	summary := r.Summary
	switch {
	case r.Failed > 0:
		summary = RenderErr(summary)
	case r.DryRun:
		summary = RenderAccent(summary)
	default:
		summary = RenderOK(summary)
	}
	b.WriteString(summary)
	b.WriteString("\n")

	for _, line := range r.Preview {
		fmt.Fprintf(&b, "  %s\n", RenderMuted(line))
	}
	for _, it := range r.Items {
		if it.Status == types.OutcomeSucceeded {
			continue
		}
		fmt.Fprintf(&b, "  %s #%d: %s\n", statusIcon(it.Status), it.ItemID, it.Reason)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "%s %s\n", RenderWarn(IconWarn), w)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "%s %s\n", RenderErr(IconErr), e)
	}
	return b.String()
}

// RenderUndoResult renders an undo's outcome for the terminal.
func RenderUndoResult(r *types.UndoResult) string {
	var b strings.Builder
	if r.Success() {
		b.WriteString(RenderOK(r.Summary))
	} else {
		b.WriteString(RenderErr(r.Summary))
	}
	b.WriteString("\n")

	for _, line := range r.Planned {
		fmt.Fprintf(&b, "  %s\n", RenderMuted(line))
	}
	for _, it := range r.Items {
		if it.Status == types.OutcomeSucceeded {
			continue
		}
		fmt.Fprintf(&b, "  %s #%d: %s\n", statusIcon(it.Status), it.ItemID, it.Reason)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "%s %s\n", RenderWarn(IconWarn), w)
	}
	return b.String()
}

// RenderAnalysis renders one item's forensic analysis.
func RenderAnalysis(a *types.ForensicAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d (%s, %s): %d revisions, %d changes, %s, %d already reverted\n",
		RenderHeader("item"), a.ItemID, a.CurrentType, a.CurrentState,
		a.RevisionsAnalyzed, len(a.Changes),
		renderRevertCount(a.NeedingRevert), a.AlreadyReverted)

	for _, c := range a.Changes {
		marker := RenderMuted(IconSkip)
		if c.NeedsRevert {
			marker = RenderWarn(IconWarn)
		}
		switch c.ChangeType {
		case types.ChangeLinkAdd:
			fmt.Fprintf(&b, "  %s rev %d %s: added link %s (now %s)\n",
				marker, c.Revision, RenderMuted(c.Actor), c.NewValue, c.CurrentValue)
		case types.ChangeLinkRemove:
			fmt.Fprintf(&b, "  %s rev %d %s: removed link %s (now %s)\n",
				marker, c.Revision, RenderMuted(c.Actor), c.OldValue, c.CurrentValue)
		default:
			fmt.Fprintf(&b, "  %s rev %d %s: %s %q -> %q (now %q)\n",
				marker, c.Revision, RenderMuted(c.Actor), c.Field, c.OldValue, c.NewValue, c.CurrentValue)
		}
	}

	if !a.Diagnostics.RelationsAvailable {
		fmt.Fprintf(&b, "  %s relation history unavailable; link changes were not analyzed\n", RenderWarn(IconWarn))
	}
	if a.Diagnostics.NormalizationCollisions > 0 {
		fmt.Fprintf(&b, "  %s %d relation URL(s) collided during normalization\n",
			RenderWarn(IconWarn), a.Diagnostics.NormalizationCollisions)
	}
	return b.String()
}

func renderRevertCount(n int) string {
	s := fmt.Sprintf("%d needing revert", n)
	if n > 0 {
		return RenderWarn(s)
	}
	return RenderOK(s)
}

// RenderRevertResults renders forensic revert outcomes.
func RenderRevertResults(results []types.RevertResult) string {
	var b strings.Builder
	for _, r := range results {
		switch r.Status {
		case types.OutcomeSkipped:
			fmt.Fprintf(&b, "%s #%d: %s\n", RenderMuted(IconSkip), r.ItemID, r.Reason)
		case types.OutcomeFailed:
			fmt.Fprintf(&b, "%s #%d: %s\n", RenderErr(IconErr), r.ItemID, r.Reason)
		default:
			verb := "applied"
			if r.DryRun {
				verb = "planned"
			}
			fmt.Fprintf(&b, "%s #%d: %d correction(s) %s\n", RenderOK(IconOK), r.ItemID, r.Applied, verb)
			for _, line := range r.Planned {
				fmt.Fprintf(&b, "    %s\n", RenderMuted(line))
			}
		}
	}
	return b.String()
}
