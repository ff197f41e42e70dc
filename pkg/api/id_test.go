package api_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/switchyard/pkg/api"
)

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, api.StepName("charge-card"),
		api.SanitizeID(api.StepName(" Charge Card! ")))
	assert.Equal(t, "a.b_c+d", api.SanitizeID("A.B_C+D"))
}

func TestTraceContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, api.TraceIDFrom(ctx))

	ctx, id := api.EnsureTraceID(ctx)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, api.TraceIDFrom(ctx))

	same, again := api.EnsureTraceID(ctx)
	assert.Equal(t, id, again)
	assert.Equal(t, ctx, same)

	ctx = api.WithTraceID(context.Background(), "fixed")
	assert.Equal(t, api.TraceID("fixed"), api.TraceIDFrom(ctx))
}

func TestNewTraceIDUnique(t *testing.T) {
	assert.NotEqual(t, api.NewTraceID(), api.NewTraceID())
	assert.NotEqual(t, api.NewID(), api.NewID())
}
