// Package safequery answers bounded analytical questions over PostgreSQL
// without letting the asker run arbitrary SQL.
//
// A natural-language request is planned into one SELECT that references only
// allowlisted tables and columns. Every statement, planned or supplied by
// the caller, then passes a syntactic safety gate and an identifier check
// before it reaches the database, where it runs in a read-only transaction
// with a server-side statement timeout and a client-side row cap. Statements
// that keep failing are short-circuited by a per-statement circuit breaker.
//
// # Library Usage
//
//	sq, err := safequery.New(ctx, connString, safequery.Config{
//		Pool: safequery.PoolConfig{MaxConns: 10},
//		Allowlist: safequery.AllowlistConfig{
//			Tables: map[string][]string{
//				"orders": {"order_id", "order_status", "order_purchase_timestamp"},
//			},
//		},
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sq.Close(ctx)
//
//	answer, err := sq.Ask(ctx, safequery.AskInput{Query: "pedidos por mês em 2018"})
//	switch {
//	case errors.Is(err, safequery.ErrInvalidRequest):
//		// rejected before any database access
//	case errors.Is(err, safequery.ErrCircuitOpen):
//		// same statement failed repeatedly; wait for the cooldown
//	case errors.Is(err, safequery.ErrExecutionFailure):
//		// answer.Result.Warnings names the error class
//	}
//
//	// Or register as MCP tools
//	safequery.RegisterMCPTools(mcpServer, sq)
//
// # Hooks
//
// Commands configured under hooks.before_execute receive the SQL as JSON on
// stdin and may reject or rewrite it; rewritten SQL is still gated.
// hooks.after_execute commands receive the JSON result and may reject or
// replace it.
package safequery
