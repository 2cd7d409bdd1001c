package common

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID_KeepsValidInbound(t *testing.T) {
	assert.Equal(t, "req-42.a_b", RequestID("req-42.a_b"))
}

func TestRequestID_ReplacesInvalidInbound(t *testing.T) {
	for _, in := range []string{"", "has space", "line\nbreak", "中文", strings.Repeat("x", MaxRequestIDLen+1)} {
		rid := RequestID(in)
		_, err := uuid.Parse(rid)
		require.NoError(t, err, "inbound %q", in)
	}
	assert.True(t, ValidRequestID(strings.Repeat("x", MaxRequestIDLen)))
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	assert.Equal(t, "abc", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}
