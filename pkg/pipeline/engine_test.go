package pipeline_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snorkysnark/ralsei-dev/pkg/models"
	"github.com/snorkysnark/ralsei-dev/pkg/pipeline"
	"github.com/snorkysnark/ralsei-dev/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

// simpleCreate declares a table-creating task with a trivial template and
// the given dependencies.
func simpleCreate(name string, inputs ...string) *pipeline.CreateTableSQL {
	return pipeline.NewCreateTableSQL(name, models.NewTable(name),
		"CREATE TABLE {{.table}} (x integer)", inputs...)
}

func allRows(t *testing.T, db storage.DB, table string) []models.Row {
	t.Helper()
	rows, err := db.Query(context.Background(), fmt.Sprintf("SELECT * FROM %q", table))
	require.NoError(t, err)
	defer rows.Close()
	var out []models.Row
	for rows.Next() {
		row, err := rows.Scan()
		require.NoError(t, err)
		out = append(out, row)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestRunAllScenario(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()

	downloadCalls := 0
	parseCalls := 0

	sources := pipeline.NewMapToNewTable("sources", models.NewTable("sources"),
		[]models.Column{
			models.NewColumn("id", "integer PRIMARY KEY"),
			models.NewColumn("name", "text NOT NULL"),
			models.NewColumn("url", "text NOT NULL"),
		},
		func(ctx context.Context, _ models.Row) (pipeline.RowSeq, error) {
			return pipeline.RowsOf(
				models.Row{"id": 1, "name": "one", "url": "http://one"},
				models.Row{"id": 2, "name": "two", "url": "http://two"},
				models.Row{"id": 3, "name": "three", "url": "http://three"},
			), nil
		},
	)
	download := pipeline.NewMapToNewColumns("download", "sources",
		[]models.Column{models.NewColumn("html", "text")},
		[]string{"id"},
		func(ctx context.Context, in models.Row) (models.Row, error) {
			downloadCalls++
			return models.Row{"html": fmt.Sprintf("<html>%v</html>", in["name"])}, nil
		},
	)
	parse := pipeline.NewMapToNewTable("parse", models.NewTable("orgs_raw"),
		[]models.Column{
			models.NewColumn("source", "text"),
			models.NewColumn("org", "text"),
		},
		func(ctx context.Context, in models.Row) (pipeline.RowSeq, error) {
			parseCalls++
			return pipeline.RowsOf(
				models.Row{"source": in["name"], "org": "org-a"},
				models.Row{"source": in["name"], "org": "org-b"},
			), nil
		},
		pipeline.MapFrom("download"),
	)

	p, err := pipeline.New(sources, download, parse)
	require.NoError(t, err)
	eng := pipeline.NewEngine(db, p, logger{})

	require.NoError(t, eng.RunAll(ctx))
	assert.Equal(t, 3, downloadCalls)
	assert.Equal(t, 3, parseCalls)
	assert.Len(t, allRows(t, db, "sources"), 3)
	assert.Len(t, allRows(t, db, "orgs_raw"), 6)

	// every source row carries the downloaded html and the done marker
	for _, row := range allRows(t, db, "sources") {
		assert.NotNil(t, row["html"])
		assert.Equal(t, true, row["__download_done"])
	}

	// a second run performs zero writes and invokes no row function
	writes := db.Writes()
	require.NoError(t, eng.RunAll(ctx))
	assert.Equal(t, writes, db.Writes())
	assert.Equal(t, 3, downloadCalls)
	assert.Equal(t, 3, parseCalls)
}

func TestResumableRowTask(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()

	items := pipeline.NewCreateTableSQL("items", models.NewTable("items"), `
CREATE TABLE {{.table}} ("id" integer, "val" text)
{%split%}
INSERT INTO {{.table}} ("id", "val") VALUES (1, 'a'), (2, 'b'), (3, 'c')
`)
	var processed []interface{}
	failOnce := true
	enrich := pipeline.NewMapToNewColumns("enrich", "items",
		[]models.Column{models.NewColumn("out", "text")},
		[]string{"id"},
		func(ctx context.Context, in models.Row) (models.Row, error) {
			if failOnce && fmt.Sprint(in["id"]) == "2" {
				failOnce = false
				return nil, fmt.Errorf("transient fetch failure")
			}
			processed = append(processed, in["id"])
			return models.Row{"out": fmt.Sprintf("%v!", in["val"])}, nil
		},
	)

	p, err := pipeline.New(items, enrich)
	require.NoError(t, err)
	eng := pipeline.NewEngine(db, p, logger{})

	// first run aborts at row 2; row 1 is already committed and marked done
	err = eng.RunAll(ctx)
	require.Error(t, err)
	execErr := &pipeline.ExecutionError{}
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "enrich", execErr.Task)
	assert.Equal(t, []interface{}{int64(1)}, processed)

	done, err := enrich.IsComplete(ctx, db)
	require.NoError(t, err)
	assert.False(t, done)

	// the retry processes exactly the remaining rows
	require.NoError(t, eng.RunAll(ctx))
	assert.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, processed)
	for _, row := range allRows(t, db, "items") {
		assert.Equal(t, fmt.Sprintf("%v!", row["val"]), row["out"])
		assert.Equal(t, true, row["__enrich_done"])
	}
}

func TestDeleteFromCascades(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()

	p, err := pipeline.New(
		simpleCreate("a"),
		simpleCreate("b", "a"),
		simpleCreate("c", "b"),
	)
	require.NoError(t, err)
	eng := pipeline.NewEngine(db, p, logger{})
	require.NoError(t, eng.RunAll(ctx))

	require.NoError(t, eng.DeleteFrom(ctx, "a"))
	for _, name := range []string{"a", "b", "c"} {
		task, ok := p.Task(name)
		require.True(t, ok)
		done, err := task.IsComplete(ctx, db)
		require.NoError(t, err)
		assert.False(t, done, "task %s should be incomplete after cascade", name)
	}

	// descendants drop before the task itself: c, then b, then a
	var drops []string
	for _, stmt := range db.Statements() {
		var table string
		if _, err := fmt.Sscanf(stmt, "DROP TABLE IF EXISTS %q", &table); err == nil {
			drops = append(drops, table)
		}
	}
	assert.Equal(t, []string{"c", "b", "a"}, drops)
}

func TestDeleteFromFailureStopsCascade(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()

	p, err := pipeline.New(
		simpleCreate("a"),
		simpleCreate("b", "a"),
		simpleCreate("c", "b"),
	)
	require.NoError(t, err)
	eng := pipeline.NewEngine(db, p, logger{})
	require.NoError(t, eng.RunAll(ctx))

	db.FailOn(`DROP TABLE IF EXISTS "b"`, "permission denied")
	err = eng.DeleteFrom(ctx, "a")
	delErr := &pipeline.DeletionError{}
	require.ErrorAs(t, err, &delErr)
	assert.Equal(t, "b", delErr.Task)

	// c is gone, b and a survive the aborted cascade
	cDone, _ := mustTask(t, p, "c").IsComplete(ctx, db)
	bDone, _ := mustTask(t, p, "b").IsComplete(ctx, db)
	aDone, _ := mustTask(t, p, "a").IsComplete(ctx, db)
	assert.False(t, cDone)
	assert.True(t, bDone)
	assert.True(t, aDone)
}

func mustTask(t *testing.T, p *pipeline.Pipeline, name string) pipeline.Task {
	t.Helper()
	task, ok := p.Task(name)
	require.True(t, ok)
	return task
}

func TestCycleRejected(t *testing.T) {
	_, err := pipeline.New(
		simpleCreate("x", "y"),
		simpleCreate("y", "x"),
	)
	graphErr := &pipeline.GraphError{}
	assert.ErrorAs(t, err, &graphErr)
}

func TestUnknownInputRejected(t *testing.T) {
	_, err := pipeline.New(simpleCreate("a", "ghost"))
	graphErr := &pipeline.GraphError{}
	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, "a", graphErr.Task)
}

func TestDuplicateNameRejected(t *testing.T) {
	_, err := pipeline.New(simpleCreate("a"), simpleCreate("a"))
	graphErr := &pipeline.GraphError{}
	assert.ErrorAs(t, err, &graphErr)
}

func TestDeterministicOrder(t *testing.T) {
	p, err := pipeline.New(simpleCreate("p"), simpleCreate("q"))
	require.NoError(t, err)
	tasks := p.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "p", tasks[0].Name())
	assert.Equal(t, "q", tasks[1].Name())
}

func TestSplitStatementSequence(t *testing.T) {
	ctx := context.Background()

	newPipeline := func() (*pipeline.Pipeline, *pipeline.CreateTableSQL) {
		seeded := pipeline.NewCreateTableSQL("seeded", models.NewTable("seeded"), `
CREATE TABLE {{.table}} ("id" integer, "kind" text)
{%split%}
INSERT INTO {{.table}} ("id", "kind") VALUES (1, 'seed'), (2, 'seed')
`)
		p, err := pipeline.New(seeded)
		require.NoError(t, err)
		return p, seeded
	}

	t.Run("BothEffectsAfterOneRun", func(t *testing.T) {
		db := storage.NewMemDB()
		p, _ := newPipeline()
		eng := pipeline.NewEngine(db, p, logger{})
		require.NoError(t, eng.RunAll(ctx))
		assert.Len(t, allRows(t, db, "seeded"), 2)
	})

	t.Run("FailedSeedRollsBackCreate", func(t *testing.T) {
		db := storage.NewMemDB()
		p, seeded := newPipeline()
		eng := pipeline.NewEngine(db, p, logger{})

		db.FailOn(`INSERT INTO "seeded"`, "constraint violation")
		require.Error(t, eng.RunAll(ctx))

		// the statement sequence is transactional: no half-created table,
		// so the task still reports incomplete and the retry redoes both
		exists, err := db.TableExists(ctx, models.NewTable("seeded"))
		require.NoError(t, err)
		assert.False(t, exists)
		done, err := seeded.IsComplete(ctx, db)
		require.NoError(t, err)
		assert.False(t, done)

		require.NoError(t, eng.RunAll(ctx))
		assert.Len(t, allRows(t, db, "seeded"), 2)
	})
}

func TestRunAllStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()

	p, err := pipeline.New(
		simpleCreate("first"),
		pipeline.NewCreateTableSQL("broken", models.NewTable("broken"),
			"CREATE TABLE {{.missing}} (x integer)", "first"),
		simpleCreate("last", "broken"),
	)
	require.NoError(t, err)
	eng := pipeline.NewEngine(db, p, logger{})

	err = eng.RunAll(ctx)
	tmplErr := &pipeline.TemplateError{}
	require.ErrorAs(t, err, &tmplErr)
	assert.Equal(t, "broken", tmplErr.Task)

	// the walk stopped: earlier work is committed, later tasks never ran
	firstDone, _ := mustTask(t, p, "first").IsComplete(ctx, db)
	lastDone, _ := mustTask(t, p, "last").IsComplete(ctx, db)
	assert.True(t, firstDone)
	assert.False(t, lastDone)
}

func TestRunTask(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()

	p, err := pipeline.New(simpleCreate("a"), simpleCreate("b", "a"))
	require.NoError(t, err)
	eng := pipeline.NewEngine(db, p, logger{})

	// runs the named task regardless of its dependency's state
	require.NoError(t, eng.RunTask(ctx, "b"))
	bDone, _ := mustTask(t, p, "b").IsComplete(ctx, db)
	aDone, _ := mustTask(t, p, "a").IsComplete(ctx, db)
	assert.True(t, bDone)
	assert.False(t, aDone)

	// already complete: skipped, no extra writes
	writes := db.Writes()
	require.NoError(t, eng.RunTask(ctx, "b"))
	assert.Equal(t, writes, db.Writes())

	graphErr := &pipeline.GraphError{}
	assert.ErrorAs(t, eng.RunTask(ctx, "nope"), &graphErr)
}

func TestWorkerPoolRun(t *testing.T) {
	ctx := context.Background()

	t.Run("CompletesChains", func(t *testing.T) {
		db := storage.NewMemDB()
		p, err := pipeline.New(
			simpleCreate("a"),
			simpleCreate("a2", "a"),
			simpleCreate("a3", "a2"),
			simpleCreate("b"),
			simpleCreate("b2", "b"),
		)
		require.NoError(t, err)
		eng := pipeline.NewEngine(db, p, logger{}, pipeline.Workers(3))
		require.NoError(t, eng.RunAll(ctx))
		for _, task := range p.Tasks() {
			done, err := task.IsComplete(ctx, db)
			require.NoError(t, err)
			assert.True(t, done, "task %s", task.Name())
		}
	})

	t.Run("FirstFailureStopsAdmission", func(t *testing.T) {
		db := storage.NewMemDB()
		p, err := pipeline.New(
			simpleCreate("a"),
			simpleCreate("bad", "a"),
			simpleCreate("after", "bad"),
		)
		require.NoError(t, err)
		db.FailOn(`CREATE TABLE "bad"`, "boom")

		eng := pipeline.NewEngine(db, p, logger{}, pipeline.Workers(2))
		err = eng.RunAll(ctx)
		require.Error(t, err)

		aDone, _ := mustTask(t, p, "a").IsComplete(ctx, db)
		badDone, _ := mustTask(t, p, "bad").IsComplete(ctx, db)
		afterDone, _ := mustTask(t, p, "after").IsComplete(ctx, db)
		assert.True(t, aDone)
		assert.False(t, badDone)
		assert.False(t, afterDone)

		// the failed task stays retryable
		require.NoError(t, eng.RunAll(ctx))
		badDone, _ = mustTask(t, p, "bad").IsComplete(ctx, db)
		assert.True(t, badDone)
	})
}

func TestDescribe(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()

	p, err := pipeline.New(simpleCreate("a"), simpleCreate("b", "a"))
	require.NoError(t, err)
	eng := pipeline.NewEngine(db, p, logger{})
	require.NoError(t, eng.RunTask(ctx, "a"))

	statuses, err := eng.Describe(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Name)
	assert.True(t, statuses[0].Complete)
	assert.Equal(t, "b", statuses[1].Name)
	assert.False(t, statuses[1].Complete)
}
