package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UsePrimaryKey is the context key for the "use_primary" boolean value.
	// It signals the router that reads in this context must be served by the
	// primary alias, bypassing replicas. This gives read-your-writes consistency
	// for the remainder of a request after it has written.
	UsePrimaryKey = ContextKey("use_primary")

	// CorrelationIDKey holds the correlation id of the current request or task.
	CorrelationIDKey = ContextKey("correlation_id")

	// ParentCorrelationIDKey holds the id of the request that spawned a background task.
	ParentCorrelationIDKey = ContextKey("parent_correlation_id")
)
