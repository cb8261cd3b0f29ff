package requestid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithId(t *testing.T) {
	ctx := context.Background()
	_, ok := FromContext(ctx)
	assert.False(t, ok)
	assert.Equal(t, "missing", FromContextOrMissing(ctx))

	ctx = WithId(ctx, "first")
	id, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "first", id)

	ctx = WithId(ctx, "second")
	assert.Equal(t, "second", FromContextOrMissing(ctx))
}

func TestMiddleware(t *testing.T) {
	tests := map[string]struct {
		header     string
		replace    bool
		expectSame bool
	}{
		"generates id when missing":     {},
		"keeps existing id":             {header: "abc", expectSame: true},
		"replaces existing if required": {header: "abc", replace: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var seen string
			handler := Middleware(tc.replace, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = FromContextOrMissing(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set(HeaderKey, tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.NotEqual(t, "missing", seen)
			assert.Equal(t, seen, rec.Header().Get(HeaderKey))
			if tc.expectSame {
				assert.Equal(t, tc.header, seen)
			} else {
				assert.NotEqual(t, tc.header, seen)
			}
		})
	}
}
