package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the guildgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolLookupIdentity = mcp.NewTool("lookup_identity",
	mcp.WithDescription(
		"Look up a member identity: account age, trust, ban status and every suspected or confirmed alt link. "+
			"Use this first when a moderator asks about a specific user."),
	mcp.WithString("identity_id",
		mcp.Required(),
		mcp.Description("The platform user ID (e.g. a Discord snowflake)")),
)

var ToolListAttempts = mcp.NewTool("list_attempts",
	mcp.WithDescription(
		"List an identity's admission attempts in a guild, newest first, with score, action and flags."),
	mcp.WithString("guild_id",
		mcp.Required(),
		mcp.Description("The guild ID")),
	mcp.WithString("identity_id",
		mcp.Required(),
		mcp.Description("The platform user ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of attempts to return (default 10)")),
)

var ToolGetReputation = mcp.NewTool("get_reputation",
	mcp.WithDescription(
		"Get an identity's reputation in a guild: score, tier and the trust/activity/tenure/conduct breakdown."),
	mcp.WithString("guild_id",
		mcp.Required(),
		mcp.Description("The guild ID")),
	mcp.WithString("identity_id",
		mcp.Required(),
		mcp.Description("The platform user ID")),
)

var ToolRaidStatus = mcp.NewTool("raid_status",
	mcp.WithDescription(
		"Show whether a guild is in raid lockdown, its threat level and when the lockdown ends."),
	mcp.WithString("guild_id",
		mcp.Required(),
		mcp.Description("The guild ID")),
)

var ToolConfirmAltLink = mcp.NewTool("confirm_alt_link",
	mcp.WithDescription(
		"Confirm that two identities belong to the same person after manual review. "+
			"Confirmed links carry full weight in future admission scoring."),
	mcp.WithString("identity_a",
		mcp.Required(),
		mcp.Description("First identity ID")),
	mcp.WithString("identity_b",
		mcp.Required(),
		mcp.Description("Second identity ID")),
)

var ToolRecordBan = mcp.NewTool("record_ban",
	mcp.WithDescription(
		"Record a ban against an identity. Severity never decreases; repeated bans accumulate. "+
			"Banned identities and their linked alts score higher in every guild."),
	mcp.WithString("identity_id",
		mcp.Required(),
		mcp.Description("The banned user ID")),
	mcp.WithString("guild_id",
		mcp.Required(),
		mcp.Description("The guild that issued the ban")),
	mcp.WithString("severity",
		mcp.Required(),
		mcp.Description("Ban severity"),
		mcp.Enum("low", "medium", "high", "critical")),
	mcp.WithString("reason",
		mcp.Description("Why the identity was banned")),
)

var ToolAddThreatActor = mcp.NewTool("add_threat_actor",
	mcp.WithDescription(
		"Add an identity, device fingerprint or network origin to the known threat-actor list. "+
			"Raw device and network values are hashed before storage."),
	mcp.WithString("kind",
		mcp.Required(),
		mcp.Description("What the value identifies"),
		mcp.Enum("identity", "device", "network")),
	mcp.WithString("value",
		mcp.Required(),
		mcp.Description("Identity ID, fingerprint or network origin")),
	mcp.WithString("reason",
		mcp.Description("Why this actor is listed")),
)

var ToolQueryAudit = mcp.NewTool("query_audit",
	mcp.WithDescription(
		"Search the audit log of evaluations, fallbacks, bans, raid transitions and notification failures."),
	mcp.WithString("guild_id",
		mcp.Description("Filter by guild")),
	mcp.WithString("identity_id",
		mcp.Description("Filter by identity")),
	mcp.WithString("kind",
		mcp.Description("Filter by entry kind (e.g. 'evaluation', 'infra_failure', 'raid_transition')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries (default 20)")),
)
