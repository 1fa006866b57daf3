package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server. Every tool is read-only.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up one escrow record by id. Shows parties, asset, amount in smallest units, "+
			"deadline, lifecycle status and dispute state."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Numeric escrow id (ids start at 0)")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrow records in a given status, oldest first."),
	mcp.WithString("status",
		mcp.Description("Lifecycle status to list (default 'pending')"),
		mcp.Enum("pending", "funded", "disputed", "released", "cancelled", "resolved_for_payee", "resolved_for_payer")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 50)")),
)

var ToolEscrowHistory = mcp.NewTool("escrow_history",
	mcp.WithDescription(
		"Show every lifecycle event recorded for one escrow: creation, funding, disputes, "+
			"resolution, release or cancellation, with the acting identity and time."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Numeric escrow id")),
)

var ToolRecentEvents = mcp.NewTool("recent_events",
	mcp.WithDescription(
		"Page through the global event log in sequence order. Pass the returned next_after "+
			"value back to continue."),
	mcp.WithNumber("after",
		mcp.Description("Only events with a sequence number greater than this (default 0)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 50)")),
)

var ToolCustodyBalances = mcp.NewTool("custody_balances",
	mcp.WithDescription(
		"Show how much of each asset the escrow holds in custody next to the total of funded "+
			"and disputed records. The two figures must always match."),
)

var ToolPauseStatus = mcp.NewTool("pause_status",
	mcp.WithDescription(
		"Report whether escrowd is paused. While paused every state-changing operation is refused."),
)

var ToolReconciliationReport = mcp.NewTool("reconciliation_report",
	mcp.WithDescription(
		"Show the latest reconciliation run: custody mismatches, record invariant violations, "+
			"overdue funded escrows and on-chain shortfalls. Requires an administrator key."),
)
