package identity

import (
	"context"
	"testing"
)

func TestCaller(t *testing.T) {
	tests := []struct {
		name string
		ctx  func() context.Context
		want string
	}{
		{
			name: "anonymous",
			ctx:  context.Background,
			want: Anonymous,
		},
		{
			name: "session only",
			ctx:  func() context.Context { return WithSession(context.Background(), "s1") },
			want: "session:s1",
		},
		{
			name: "api key beats session",
			ctx: func() context.Context {
				return WithAPIKey(WithSession(context.Background(), "s1"), "k1")
			},
			want: "api_key:k1",
		},
		{
			name: "user beats everything",
			ctx: func() context.Context {
				ctx := WithSession(context.Background(), "s1")
				ctx = WithAPIKey(ctx, "k1")
				return WithUserID(ctx, "u1")
			},
			want: "user:u1",
		},
		{
			name: "empty user id ignored",
			ctx:  func() context.Context { return WithUserID(context.Background(), "") },
			want: Anonymous,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Caller(tt.ctx()); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestAccessors(t *testing.T) {
	ctx := WithUserID(context.Background(), "u1")
	if id, ok := UserID(ctx); !ok || id != "u1" {
		t.Errorf("expected u1, got %q (ok=%v)", id, ok)
	}
	if _, ok := Session(ctx); ok {
		t.Error("expected no session")
	}
	if _, ok := APIKey(ctx); ok {
		t.Error("expected no api key")
	}
}
