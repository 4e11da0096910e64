// Package correlation carries request correlation identifiers through
// contexts, HTTP requests and background tasks.
//
// An ID is attached to the request context at the edge (see Middleware) and
// read by every downstream database call and log statement. Work spawned from
// a request gets a child ID through ChildOf or Detach so that a causality
// chain can be rebuilt from logs alone.
package correlation

import (
	"context"

	"github.com/google/uuid"
	"github.com/migadu/dbrouter/consts"
)

// Header is the HTTP header used to carry the correlation id.
const Header = "X-Correlation-ID"

const (
	minLength = 8
	maxLength = 64
)

// New returns a freshly generated correlation id.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s is a well-formed correlation id: 8-64 characters
// drawn from ASCII letters, digits, hyphen and underscore.
func Valid(s string) bool {
	if len(s) < minLength || len(s) > maxLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// FromContext returns the correlation id attached to ctx.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(consts.CorrelationIDKey).(string)
	return id, ok && id != ""
}

// ParentFromContext returns the parent correlation id attached to ctx, if any.
func ParentFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(consts.ParentCorrelationIDKey).(string)
	return id, ok && id != ""
}

// IDOrEmpty is FromContext without the boolean, convenient for log fields and errors.
func IDOrEmpty(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id
}

// WithID attaches id to ctx.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, consts.CorrelationIDKey, id)
}

// Ensure returns ctx unchanged if it already carries an id, otherwise a
// context with a new one.
func Ensure(ctx context.Context) context.Context {
	if _, ok := FromContext(ctx); ok {
		return ctx
	}
	return WithID(ctx, New())
}

// ChildOf returns a new id for a sub-operation of parent. The child embeds the
// first segment of the parent so related lines group together when sorted.
func ChildOf(parent string) string {
	child := uuid.NewString()
	if parent == "" {
		return child
	}
	prefix := parent
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return prefix + "-" + child
}

// WithChild derives a context carrying a child id of the current one and
// records the current id as the parent.
func WithChild(ctx context.Context) context.Context {
	parent, ok := FromContext(ctx)
	if !ok {
		return WithID(ctx, New())
	}
	ctx = context.WithValue(ctx, consts.ParentCorrelationIDKey, parent)
	return WithID(ctx, ChildOf(parent))
}

// Detach returns a context for a background task spawned from ctx. It is not
// cancelled with ctx and carries a child of ctx's correlation id.
func Detach(ctx context.Context) context.Context {
	bg := context.WithoutCancel(ctx)
	return WithChild(bg)
}
