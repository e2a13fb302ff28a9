package companycontext

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
)

func TestCompanyIDRoundTrip(t *testing.T) {
	ctx := WithCompanyID(context.Background(), snowflake.ID(42))
	id, ok := CompanyIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, snowflake.ID(42), id)

	_, ok = CompanyIDFromContext(context.Background())
	assert.False(t, ok)
}

func TestActorDefaultsToSystem(t *testing.T) {
	actor := ActorFromContext(context.Background())
	assert.Equal(t, ActorTypeSystem, actor.Type)

	ctx := WithActor(context.Background(), Actor{Type: ActorTypeOperator, ID: " ops-1 "})
	actor = ActorFromContext(ctx)
	assert.Equal(t, "ops-1", actor.ID)
}
