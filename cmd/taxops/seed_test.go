package main

import (
	"context"
	"database/sql"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tributo-cl/backoffice/pkg/domain"
	"github.com/tributo-cl/backoffice/pkg/process"
	"github.com/tributo-cl/backoffice/pkg/store"
)

func testStore(t *testing.T) *store.ProcessStore {
	t.Helper()
	raw, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })
	db := &store.DB{DB: raw, Dialect: store.SQLite}
	require.NoError(t, db.Migrate(context.Background()))
	return store.NewProcessStore(db)
}

// The embedded catalog and the in-code factory describe the same
// canonical templates.
func TestCatalogMatchesFactory(t *testing.T) {
	bundles, err := loadCatalog()
	require.NoError(t, err)

	factory := process.TemplateFactory{}.All()
	require.Len(t, bundles, len(factory))

	for i, b := range bundles {
		f := factory[i]
		assert.Equal(t, f.Template.Name, b.Template.Name)
		assert.Equal(t, f.Template.Version, b.Template.Version)
		assert.Equal(t, f.Template.ProcessType, b.Template.ProcessType)
		assert.Equal(t, f.Template.RecurrenceType, b.Template.RecurrenceType)
		assert.Equal(t, f.Template.RecurrenceConfig, b.Template.RecurrenceConfig)
		require.Len(t, b.Tasks, len(f.Tasks), b.Template.Name)
		for j, task := range b.Tasks {
			assert.Equal(t, f.Tasks[j].Title, task.Title)
			assert.Equal(t, f.Tasks[j].ExecutionOrder, task.ExecutionOrder)
			assert.Equal(t, f.Tasks[j].TaskType, task.TaskType)
			assert.Equal(t, f.Tasks[j].DueDateOffsetDays, task.DueDateOffsetDays)
			assert.Equal(t, f.Tasks[j].CanRunParallel, task.CanRunParallel)
			assert.Equal(t, f.Tasks[j].IsOptional, task.IsOptional)
		}
	}
}

func TestSeedTemplatesCreatesThenSkips(t *testing.T) {
	ctx := context.Background()
	processes := testStore(t)

	res, err := seedTemplates(ctx, processes, false, false, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Created)
	assert.Zero(t, res.Updated)

	stored, err := processes.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	firstIDs := map[string]string{}
	for _, tmpl := range stored {
		firstIDs[tmpl.Name] = tmpl.ID
	}

	// Same versions on the second run: everything is kept.
	res, err = seedTemplates(ctx, processes, false, false, io.Discard)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, 4, res.Skipped)

	stored, err = processes.ListTemplates(ctx)
	require.NoError(t, err)
	for _, tmpl := range stored {
		assert.Equal(t, firstIDs[tmpl.Name], tmpl.ID)
	}
}

func TestSeedTemplatesUpgradesOlderVersion(t *testing.T) {
	ctx := context.Background()
	processes := testStore(t)

	_, err := seedTemplates(ctx, processes, false, false, io.Discard)
	require.NoError(t, err)

	existing, err := processes.FindTemplateByName(ctx, "F29 - Declaración Mensual IVA")
	require.NoError(t, err)
	_, err = processes.DB().ExecContext(ctx,
		`UPDATE process_templates SET version = '0.9.0' WHERE id = $1`, existing.ID)
	require.NoError(t, err)

	res, err := seedTemplates(ctx, processes, false, false, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 3, res.Skipped)

	after, err := processes.FindTemplateByName(ctx, "F29 - Declaración Mensual IVA")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, after.ID)
	assert.Equal(t, "1.0.0", after.Version)

	tasks, err := processes.ListTemplateTasks(ctx, after.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 6)
}

func TestSeedTemplatesClearDropsStrays(t *testing.T) {
	ctx := context.Background()
	processes := testStore(t)

	_, err := seedTemplates(ctx, processes, false, false, io.Discard)
	require.NoError(t, err)
	require.NoError(t, processes.SaveTemplate(ctx, &domain.ProcessTemplateConfig{
		Name:        "Plantilla Huérfana",
		ProcessType: domain.ProcessDocumentSync,
		Status:      domain.TemplateActive,
	}))

	res, err := seedTemplates(ctx, processes, true, false, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Created)

	stored, err := processes.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}
