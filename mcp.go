package safequery

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterMCPTools registers plan_query, ask, execute_sql and allowlist as
// MCP tools on the given MCP server.
func RegisterMCPTools(mcpServer *server.MCPServer, sq *SafeQuery) {
	planTool := mcp.NewTool("plan_query",
		mcp.WithDescription("Plan a natural-language analytics question into one read-only SQL statement over the allowlisted tables. Does not touch the database."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question, e.g. 'how many orders per month in 2018'"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Preview row limit for non-aggregate plans"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(planTool, sq.loggedToolHandler("plan_query", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query parameter is required"), nil
		}
		stmt, err := sq.Plan(PlanInput{Query: query, Limit: req.GetInt("limit", 0)})
		if err != nil {
			return sq.toolError(err), nil
		}
		return jsonResult(stmt, "plan")
	}))

	askTool := mcp.NewTool("ask",
		mcp.WithDescription("Plan a natural-language analytics question and execute it read-only. Returns the plan and the rows."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question, e.g. 'quantos pedidos em 2017'"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Preview row limit for non-aggregate plans"),
		),
		mcp.WithNumber("max_rows",
			mcp.Description("Row cap for the result"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Statement timeout override"),
		),
		mcp.WithBoolean("include_explain",
			mcp.Description("Attach the JSON query plan to the result metadata"),
		),
		mcp.WithBoolean("dry_run",
			mcp.Description("Return the query plan instead of rows"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(askTool, sq.loggedToolHandler("ask", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query parameter is required"), nil
		}
		answer, err := sq.Ask(ctx, AskInput{
			Query:          query,
			Limit:          req.GetInt("limit", 0),
			MaxRows:        req.GetInt("max_rows", 0),
			TimeoutSeconds: req.GetInt("timeout_seconds", 0),
			IncludeExplain: req.GetBool("include_explain", false),
			DryRun:         req.GetBool("dry_run", false),
		})
		if err != nil {
			if answer != nil && answer.Plan != nil {
				return sq.planToolError(err, answer.Plan), nil
			}
			return sq.toolError(err), nil
		}
		return jsonResult(answer, "answer")
	}))

	executeTool := mcp.NewTool("execute_sql",
		mcp.WithDescription("Execute one read-only SELECT over the allowlisted tables. The statement is checked by the safety gate and the allowlist before it runs."),
		mcp.WithString("sql",
			mcp.Required(),
			mcp.Description("A single SELECT or WITH ... SELECT statement without a semicolon"),
		),
		mcp.WithNumber("max_rows",
			mcp.Description("Row cap for the result"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Statement timeout override"),
		),
		mcp.WithBoolean("include_explain",
			mcp.Description("Attach the JSON query plan to the result metadata"),
		),
		mcp.WithBoolean("dry_run",
			mcp.Description("Return the query plan instead of rows"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(executeTool, sq.loggedToolHandler("execute_sql", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, err := req.RequireString("sql")
		if err != nil {
			return mcp.NewToolResultError("sql parameter is required"), nil
		}
		res, err := sq.Execute(ctx, ExecuteInput{
			SQL:            sql,
			MaxRows:        req.GetInt("max_rows", 0),
			TimeoutSeconds: req.GetInt("timeout_seconds", 0),
			IncludeExplain: req.GetBool("include_explain", false),
			DryRun:         req.GetBool("dry_run", false),
		})
		if err != nil {
			return sq.toolError(err), nil
		}
		return jsonResult(res, "query result")
	}))

	allowlistTool := mcp.NewTool("allowlist",
		mcp.WithDescription("List the tables and columns that can be queried."),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(allowlistTool, sq.loggedToolHandler("allowlist", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(AllowlistOutput{Tables: sq.Allowlist()}, "allowlist")
	}))
}

// toolError renders err for the agent: the public message plus any
// matching error-prompt guidance. Database messages are never included.
func (s *SafeQuery) toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(s.errorText(err))
}

func (s *SafeQuery) errorText(err error) string {
	msg := PublicMessage(err)
	if guidance := s.Guidance(err); guidance != "" {
		msg += "\n\n" + guidance
	}
	return msg
}

// planToolError is toolError for a failure after planning: the plan that
// was attempted follows the message so the agent can adjust the question.
func (s *SafeQuery) planToolError(err error, plan *Statement) *mcp.CallToolResult {
	msg := s.errorText(err)
	if planJSON, merr := json.Marshal(plan); merr == nil {
		msg += "\n\nplan: " + string(planJSON)
	}
	return mcp.NewToolResultError(msg)
}

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError("failed to marshal " + what), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// loggedToolHandler wraps a tool handler to log request and response lengths.
func (s *SafeQuery) loggedToolHandler(tool string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		reqLen := requestLength(req)
		result, err := handler(ctx, req)
		respLen := resultLength(result)
		s.logger.Info().
			Str("tool", tool).
			Int("request_bytes", reqLen).
			Int("response_bytes", respLen).
			Bool("is_error", result != nil && result.IsError).
			Msg("tool call")
		return result, err
	}
}

// requestLength returns the JSON-encoded byte length of the request arguments.
func requestLength(req mcp.CallToolRequest) int {
	args := req.GetArguments()
	if len(args) == 0 {
		return 0
	}
	b, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return len(b)
}

// resultLength returns the total byte length of text content in a CallToolResult.
func resultLength(result *mcp.CallToolResult) int {
	if result == nil {
		return 0
	}
	total := 0
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			total += len(tc.Text)
		}
	}
	return total
}
