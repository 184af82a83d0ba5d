package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Fraudscan MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAnalyzeTransactions = mcp.NewTool("analyze_transactions",
	mcp.WithDescription(
		"Analyze a batch of financial transactions for fraud indicators. "+
			"Detects high transaction velocity, unusually large amounts, physically impossible "+
			"travel between transaction locations, and unusual merchant category diversity. "+
			"Returns a risk score (0-100), a risk level (low/medium/high), and per-pattern alerts."),
	mcp.WithArray("transactions",
		mcp.Required(),
		mcp.Description("Transactions to analyze. Each needs 'id', 'amount', and an RFC 3339 'timestamp'; "+
			"optionally 'location' ({\"lat\": ..., \"lng\": ...}), 'merchant_category', and 'ip_address'.")),
	mcp.WithNumber("timeframe_hours",
		mcp.Description("Window in hours the batch is assumed to span, used for velocity scoring (default 24).")),
)

var ToolVerifyLocation = mcp.NewTool("verify_location",
	mcp.WithDescription(
		"Check whether a user could physically travel between two observed locations in the "+
			"elapsed time. Returns the great-circle distance, implied velocity, a plausibility "+
			"verdict with confidence, and the estimated travel mode (ground/high_speed_rail/air/impossible)."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("Identifier of the user whose movement is being checked")),
	mcp.WithNumber("lat_a",
		mcp.Required(),
		mcp.Description("Latitude of the first observation, in degrees")),
	mcp.WithNumber("lng_a",
		mcp.Required(),
		mcp.Description("Longitude of the first observation, in degrees")),
	mcp.WithString("timestamp_a",
		mcp.Required(),
		mcp.Description("RFC 3339 timestamp of the first observation (e.g. '2026-01-15T10:00:00Z')")),
	mcp.WithNumber("lat_b",
		mcp.Required(),
		mcp.Description("Latitude of the second observation, in degrees")),
	mcp.WithNumber("lng_b",
		mcp.Required(),
		mcp.Description("Longitude of the second observation, in degrees")),
	mcp.WithString("timestamp_b",
		mcp.Required(),
		mcp.Description("RFC 3339 timestamp of the second observation")),
)

var ToolGetUsage = mcp.NewTool("get_usage",
	mcp.WithDescription(
		"Report your API key's billed usage: total units and calls over a window, "+
			"broken down by endpoint. Analysis calls bill one unit per 10 transactions; "+
			"location verifications bill one unit each."),
	mcp.WithNumber("days",
		mcp.Description("Window size in days, 1-365 (default 30)")),
)
