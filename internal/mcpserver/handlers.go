package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kustodia/escrowd/internal/escrow"
	"github.com/kustodia/escrowd/internal/eventlog"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow shows one record.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := escrowIDArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow %d: %v", id, err)), nil
	}
	return mcp.NewToolResultText(formatRecord(rec)), nil
}

// HandleListEscrows lists records in one status.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", string(escrow.StatusPending))
	limit := req.GetInt("limit", 0)

	recs, err := h.client.ListEscrows(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	if len(recs) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No %s escrows.", status)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s escrow(s):\n\n", len(recs), status)
	for _, r := range recs {
		fmt.Fprintf(&sb, "#%d  %s %s  %s -> %s  deadline %s\n",
			r.ID, amountString(r), r.Asset, r.Payer, r.Payee, r.Deadline.UTC().Format(time.RFC3339))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleEscrowHistory shows every event of one record.
func (h *Handlers) HandleEscrowHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := escrowIDArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	events, err := h.client.EscrowEvents(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history for escrow %d: %v", id, err)), nil
	}
	if len(events) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Escrow %d has no recorded events.", id)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "History of escrow %d:\n\n", id)
	writeEvents(&sb, events)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRecentEvents pages the global event log.
func (h *Handlers) HandleRecentEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	after := req.GetInt("after", 0)
	if after < 0 {
		return mcp.NewToolResultError("after must not be negative"), nil
	}
	limit := req.GetInt("limit", 0)

	page, err := h.client.Events(ctx, int64(after), limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read events: %v", err)), nil
	}
	if len(page.Events) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No events after sequence %d.", after)), nil
	}

	var sb strings.Builder
	writeEvents(&sb, page.Events)
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore events available. next_after: %d\n", page.NextAfter)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCustodyBalances shows per-asset custody figures.
func (h *Handlers) HandleCustodyBalances(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	assets, err := h.client.Custody(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read custody: %v", err)), nil
	}
	if len(assets) == 0 {
		return mcp.NewToolResultText("Custody is empty."), nil
	}

	var sb strings.Builder
	unbalanced := 0
	for _, a := range assets {
		mark := "ok"
		if !a.Balanced {
			mark = "MISMATCH"
			unbalanced++
		}
		fmt.Fprintf(&sb, "%s  custody %s  active %s  [%s]\n", a.Asset, a.Balance, a.Active, mark)
	}
	if unbalanced > 0 {
		fmt.Fprintf(&sb, "\n%d asset(s) out of balance. Escalate to an operator.\n", unbalanced)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandlePauseStatus reports the pause switch.
func (h *Handlers) HandlePauseStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.client.PauseState(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read pause state: %v", err)), nil
	}
	if !st.Paused {
		return mcp.NewToolResultText("escrowd is running. Mutations are accepted."), nil
	}
	text := "escrowd is PAUSED. All state-changing operations are refused."
	if st.UpdatedBy != "" {
		text += fmt.Sprintf("\nPaused by %s at %s.", st.UpdatedBy, st.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReconciliationReport shows the latest reconciliation run.
func (h *Handlers) HandleReconciliationReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep, err := h.client.Reconciliation(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read reconciliation report: %v", err)), nil
	}
	r := rep.Report
	if r == nil {
		return mcp.NewToolResultError("Reconciliation response carried no report"), nil
	}

	var sb strings.Builder
	verdict := "HEALTHY"
	if !rep.Healthy {
		verdict = "FAILED"
	}
	fmt.Fprintf(&sb, "Reconciliation %s (ran %s, took %s)\n", verdict, r.RanAt.UTC().Format(time.RFC3339), r.Duration)
	for _, m := range r.Mismatches {
		fmt.Fprintf(&sb, "- custody mismatch %s: custody %s, active %s\n", m.Asset, m.Custody, m.Active)
	}
	for _, v := range r.Violations {
		fmt.Fprintf(&sb, "- invariant violation: %s\n", v)
	}
	for _, oc := range r.OnChain {
		if !oc.Match {
			fmt.Fprintf(&sb, "- on-chain shortfall %s: ledger %s, chain %s, short %s\n", oc.Asset, oc.Ledger, oc.OnChain, oc.Shortfall)
		}
	}
	if len(r.Overdue) > 0 {
		ids := make([]string, len(r.Overdue))
		for i, id := range r.Overdue {
			ids[i] = fmt.Sprint(id)
		}
		fmt.Fprintf(&sb, "Overdue funded escrows: %s\n", strings.Join(ids, ", "))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Argument and formatting helpers ---

func escrowIDArg(req mcp.CallToolRequest) (uint64, error) {
	v, err := req.RequireFloat("escrow_id")
	if err != nil {
		return 0, fmt.Errorf("escrow_id is required")
	}
	if v < 0 || v != math.Trunc(v) || v > math.MaxInt64 {
		return 0, fmt.Errorf("escrow_id must be a non-negative integer")
	}
	return uint64(v), nil
}

func amountString(r *escrow.Record) string {
	if r.Amount == nil {
		return "0"
	}
	return r.Amount.String()
}

func formatRecord(r *escrow.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow #%d\n", r.ID)
	fmt.Fprintf(&sb, "Status: %s\n", r.Status)
	fmt.Fprintf(&sb, "Payer: %s\n", r.Payer)
	fmt.Fprintf(&sb, "Payee: %s\n", r.Payee)
	fmt.Fprintf(&sb, "Amount: %s (asset %s)\n", amountString(r), r.Asset)
	fmt.Fprintf(&sb, "Deadline: %s\n", r.Deadline.UTC().Format(time.RFC3339))
	if r.DisputeStatus != escrow.DisputeNone {
		fmt.Fprintf(&sb, "Dispute: %s\n", r.DisputeStatus)
	}
	if r.DisputeReason != "" {
		fmt.Fprintf(&sb, "Dispute reason: %s\n", r.DisputeReason)
	}
	if r.DisputeCount > 0 {
		fmt.Fprintf(&sb, "Disputes opened: %d\n", r.DisputeCount)
	}
	if r.Vertical != "" {
		fmt.Fprintf(&sb, "Vertical: %s\n", r.Vertical)
	}
	if r.Reference != "" {
		fmt.Fprintf(&sb, "Reference: %s\n", r.Reference)
	}
	if r.Conditions != "" {
		fmt.Fprintf(&sb, "Conditions: %s\n", r.Conditions)
	}
	fmt.Fprintf(&sb, "Created: %s\n", r.CreatedAt.UTC().Format(time.RFC3339))
	return sb.String()
}

// eventDetail pulls the human-relevant fields out of an event payload.
type eventDetail struct {
	Reason     string `json:"reason"`
	FavorPayee *bool  `json:"favorPayee"`
	Recipient  string `json:"recipient"`
	TxHash     string `json:"txHash"`
}

func writeEvents(sb *strings.Builder, events []*eventlog.Event) {
	for _, ev := range events {
		fmt.Fprintf(sb, "[%d] %s  escrow %d  by %s  at %s",
			ev.Seq, ev.Type, ev.EscrowID, ev.Actor, ev.Timestamp.UTC().Format(time.RFC3339))

		var d eventDetail
		if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &d) == nil {
			if d.Reason != "" {
				fmt.Fprintf(sb, "  reason %q", d.Reason)
			}
			if d.FavorPayee != nil {
				if *d.FavorPayee {
					sb.WriteString("  for payee")
				} else {
					sb.WriteString("  for payer")
				}
			}
			if d.Recipient != "" {
				fmt.Fprintf(sb, "  paid to %s", d.Recipient)
			}
			if d.TxHash != "" {
				fmt.Fprintf(sb, "  tx %s", d.TxHash)
			}
		}
		sb.WriteString("\n")
	}
}
