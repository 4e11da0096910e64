package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValid(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"abcdefgh", true},
		{"req_123-ABC", true},
		{uuid.NewString(), true},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
		{"short", false},
		{"", false},
		{"has space in it", false},
		{"semi;colon12", false},
		{"ünïcode-id", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Valid(tt.id), "Valid(%q)", tt.id)
	}
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithID(context.Background(), "order-12345")
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "order-12345", id)
	assert.Equal(t, "order-12345", IDOrEmpty(ctx))

	assert.Equal(t, ctx, Ensure(ctx))
	fresh := Ensure(context.Background())
	assert.True(t, Valid(IDOrEmpty(fresh)))
}

func TestChildOf(t *testing.T) {
	child := ChildOf("parent-id-123")
	assert.True(t, strings.HasPrefix(child, "parent-i-"))
	assert.True(t, Valid(child))
	assert.NotEqual(t, ChildOf("parent-id-123"), child)

	assert.True(t, Valid(ChildOf("")))
}

func TestDetachSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(WithID(context.Background(), "request-0001"))
	bg := Detach(ctx)
	cancel()

	select {
	case <-bg.Done():
		t.Fatal("detached context was cancelled with its parent")
	case <-time.After(10 * time.Millisecond):
	}

	parent, ok := ParentFromContext(bg)
	require.True(t, ok)
	assert.Equal(t, "request-0001", parent)

	id, ok := FromContext(bg)
	require.True(t, ok)
	assert.NotEqual(t, "request-0001", id)
	assert.True(t, Valid(id))
}

func TestMiddleware(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IDOrEmpty(r.Context())
	}))

	t.Run("valid header is echoed unchanged", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/internal/db-health", nil)
		req.Header.Set(Header, "checkout_7f3a-0001")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "checkout_7f3a-0001", rec.Header().Get(Header))
		assert.Equal(t, "checkout_7f3a-0001", seen)
	})

	for name, header := range map[string]string{
		"absent":    "",
		"too short": "abc",
		"bad chars": "drop table;--x",
	} {
		t.Run(name+" header is replaced with a uuid", func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set(Header, header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get(Header)
			_, err := uuid.Parse(got)
			require.NoError(t, err)
			assert.Equal(t, got, seen)
		})
	}
}
