package tenant

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
)

func TestParse(t *testing.T) {
	t.Run("version 4 passes", func(t *testing.T) {
		want := uuid.New()
		got, err := Parse(want.String())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("garbage is invalid", func(t *testing.T) {
		_, err := Parse("acme-corp")
		require.Error(t, err)
		assert.True(t, problem.IsKind(err, problem.KindInvalidTenantID))
	})

	t.Run("version 1 is invalid", func(t *testing.T) {
		_, err := Parse("c232ab00-9414-11ec-b3c8-9f68deced846")
		require.Error(t, err)
		assert.True(t, problem.IsKind(err, problem.KindInvalidTenantID))
	})

	t.Run("nil uuid is invalid", func(t *testing.T) {
		_, err := Parse(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, problem.IsKind(err, problem.KindInvalidTenantID))
	})
}

func TestContextRoundTrip(t *testing.T) {
	id := uuid.New()
	ctx := WithTenant(context.Background(), id)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestCheckOwnership(t *testing.T) {
	owner := uuid.New()
	doc := models.Document{ID: uuid.New(), TenantID: owner}

	assert.NoError(t, CheckOwnership(owner, doc))

	err := CheckOwnership(uuid.New(), doc)
	require.Error(t, err)
	assert.True(t, problem.IsKind(err, problem.KindForbidden))
}

func TestFilterOwned(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()
	sessions := []models.CrawlSession{
		{ID: uuid.New(), TenantID: owner},
		{ID: uuid.New(), TenantID: other},
		{ID: uuid.New(), TenantID: owner},
	}

	owned := FilterOwned(owner, sessions)
	require.Len(t, owned, 2)
	for _, s := range owned {
		assert.Equal(t, owner, s.TenantID)
	}

	assert.Empty(t, FilterOwned(uuid.New(), sessions))
}

func TestScopedFilter(t *testing.T) {
	id := uuid.New()
	clause, arg := ScopedFilter(id)
	assert.Equal(t, "tenant_id = ?", clause)
	assert.Equal(t, id, arg)
}
