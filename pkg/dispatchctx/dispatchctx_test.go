package dispatchctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	ctx := WithSessionID(context.Background(), "kitchen")
	ctx = WithUtteranceID(ctx, "u-1")
	ctx = WithSkillID(ctx, "weather")

	assert.Equal(t, "kitchen", SessionIDFromContext(ctx))
	assert.Equal(t, "u-1", UtteranceIDFromContext(ctx))
	assert.Equal(t, "weather", SkillIDFromContext(ctx))
}

func TestEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, SessionIDFromContext(ctx))
	assert.Empty(t, UtteranceIDFromContext(ctx))
	assert.Empty(t, SkillIDFromContext(ctx))
	assert.Nil(t, LogAttrs(ctx))
}

func TestOverwrite(t *testing.T) {
	ctx := WithSkillID(context.Background(), "parent")
	ctx = WithSkillID(ctx, "child")
	assert.Equal(t, "child", SkillIDFromContext(ctx))
}

func TestLogAttrs(t *testing.T) {
	ctx := WithSessionID(context.Background(), "s")
	ctx = WithSkillID(ctx, "k")

	assert.Equal(t, []any{"session_id", "s", "skill_id", "k"}, LogAttrs(ctx))
}
