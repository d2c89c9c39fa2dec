package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/activitycore/pkg/config"
	"github.com/agenticwork/activitycore/pkg/store"
)

func TestEnsureDefaultRefusesToStartWithoutOne(t *testing.T) {
	st := newTestStore(t)
	err := EnsureDefault(context.Background(), st, false)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestEnsureDefaultSeedsLocalDeployments(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, EnsureDefault(ctx, st, true))
	def, err := st.DefaultTemplate(ctx)
	require.NoError(t, err)
	assert.True(t, def.IsDefault)
	assert.True(t, def.IsActive)
	assert.NotEmpty(t, def.Content)

	// A seeded store resolves without further configuration.
	r := NewRouter(routingConfig(config.SemanticDisabled), st, nil, nil)
	res, err := r.Resolve(ctx, "u1", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, res.Source)
}

func TestEnsureDefaultKeepsExistingTemplate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedDefault(t, st)

	require.NoError(t, EnsureDefault(ctx, st, true))
	def, err := st.DefaultTemplate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t-def", def.ID, "an existing default is never overwritten")
}

func TestEnsureDefaultRejectsAdminCategorizedDefault(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveTemplate(ctx, store.Template{
		ID: "t-bad", Name: "Bad Default", Category: "admin",
		Content: "elevated", IsDefault: true, IsActive: true,
	}))

	err := EnsureDefault(ctx, st, true)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
