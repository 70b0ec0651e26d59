package httpserver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommandName(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"CreateUser", "Echo", "book-limits", "Create_Payment2"} {
		assert.True(t, ValidateCommandName(name).Valid, "name %q", name)
	}

	cases := []struct {
		name     string
		wantCode string
	}{
		{"", "REQUIRED"},
		{"9Lives", "INVALID_FORMAT"},
		{"bad.name", "INVALID_FORMAT"},
		{"spaced name", "INVALID_FORMAT"},
		{"-leading", "INVALID_FORMAT"},
		{strings.Repeat("a", 101), "TOO_LONG"},
	}
	for _, c := range cases {
		vr := ValidateCommandName(c.name)
		require.False(t, vr.Valid, "name %q", c.name)
		require.Len(t, vr.Errors, 1)
		assert.Equal(t, c.wantCode, vr.Errors[0].Code, "name %q", c.name)
		assert.Equal(t, "name", vr.Errors[0].Field)
	}
}

func TestValidateIdempotencyKey(t *testing.T) {
	t.Parallel()
	for _, key := range []string{"k1", "order:2026-08-24:7", strings.Repeat("x", 200)} {
		assert.True(t, ValidateIdempotencyKey(key).Valid, "key %q", key)
	}

	vr := ValidateIdempotencyKey("")
	require.False(t, vr.Valid)
	assert.Equal(t, "REQUIRED", vr.Errors[0].Code)

	vr = ValidateIdempotencyKey(strings.Repeat("x", 201))
	require.False(t, vr.Valid)
	assert.Equal(t, "TOO_LONG", vr.Errors[0].Code)

	vr = ValidateIdempotencyKey("line\nbreak")
	require.False(t, vr.Valid)
	assert.Equal(t, "INVALID_FORMAT", vr.Errors[0].Code)
}

func TestValidateProcessType(t *testing.T) {
	t.Parallel()
	assert.True(t, ValidateProcessType("SubmitPayment").Valid)
	assert.False(t, ValidateProcessType("").Valid)
	assert.False(t, ValidateProcessType("1BadType").Valid)
	assert.False(t, ValidateProcessType(strings.Repeat("p", 101)).Valid)
}

func TestParseLimit(t *testing.T) {
	t.Parallel()
	n, vr := parseLimit("", 50)
	require.True(t, vr.Valid)
	assert.Equal(t, 50, n)

	n, vr = parseLimit("25", 50)
	require.True(t, vr.Valid)
	assert.Equal(t, 25, n)

	for _, raw := range []string{"0", "-1", "501", "twenty"} {
		_, vr = parseLimit(raw, 50)
		assert.False(t, vr.Valid, "limit %q", raw)
	}
}
