package replicate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoschek/wbackup-zfs/internal/run"
)

func TestDeleteMissingSnapshots_DestroysByGUID(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", "1\t100\ttank2/foo@s1\n2\t200\ttank2/foo@s2\n99\t300\ttank2/foo@stale\n"),
		snapsRule("tank1/foo", "1\t10\ttank1/foo@s1\n2\t20\ttank1/foo@s2\n"),
	}}
	w := newWorld(t, fake, &Options{})

	err := w.repl.DeleteMissingSnapshots(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.NoError(t, err)
	assert.True(t, fake.called("destroy tank2/foo@stale"))
	assert.False(t, fake.called("destroy tank2/foo@s1"))
}

func TestDeleteMissingSnapshots_SameGUIDDifferentNameSurvives(t *testing.T) {
	// A renamed source snapshot keeps its GUID, so the destination copy is
	// still backed by source data and must not be pruned.
	fake := &fakeRunner{rules: []respRule{
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", "1\t100\ttank2/foo@oldname\n"),
		snapsRule("tank1/foo", "1\t10\ttank1/foo@newname\n"),
	}}
	w := newWorld(t, fake, &Options{})

	err := w.repl.DeleteMissingSnapshots(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.NoError(t, err)
	assert.False(t, fake.called("destroy"))
}

func TestDeleteMissingSnapshots_HonorsSnapshotFilter(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", "98\t100\ttank2/foo@daily_old\n99\t200\ttank2/foo@hourly_old\n"),
		snapsRule("tank1/foo", "1\t10\ttank1/foo@daily_new\n"),
	}}
	opts := &Options{SnapshotFilter: snapshotFilter(t, "daily_.*")}
	w := newWorld(t, fake, opts)

	err := w.repl.DeleteMissingSnapshots(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.NoError(t, err)
	assert.True(t, fake.called("destroy tank2/foo@daily_old"))
	assert.False(t, fake.called("hourly_old"), "snapshots outside the filter are out of scope either way")
}

func TestDeleteMissingSnapshots_MissingDestinationIsNoOp(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		notExistRule("tank2/foo"),
	}}
	w := newWorld(t, fake, &Options{})

	err := w.repl.DeleteMissingSnapshots(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.NoError(t, err)
	assert.False(t, fake.called("destroy"))
}

func TestDeleteMissingSnapshots_DryRunDestroysNothing(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", "99\t300\ttank2/foo@stale\n"),
		snapsRule("tank1/foo", "1\t10\ttank1/foo@s1\n"),
	}}
	w := newWorld(t, fake, &Options{})
	w.run.DryRun = run.DryRunSend

	err := w.repl.DeleteMissingSnapshots(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.NoError(t, err)
	assert.False(t, fake.called("destroy"))
}

func srcItemsFor(t *testing.T, rels ...string) []WorkItem {
	t.Helper()
	src := mustRef(t, "tank1")
	dst := mustRef(t, "tank2")
	items := make([]WorkItem, len(rels))
	for i, rel := range rels {
		items[i] = WorkItem{Src: src.Child(rel), Dst: dst.Child(rel), Rel: rel}
	}
	return items
}

func TestDeleteMissingDatasets_DestroysOrphans(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		existsRule("tank2"),
		{match: "-s name -r tank2", out: "tank2\ntank2/a\ntank2/gone\ntank2/gone/child\n"},
		{match: "list -t snapshot -r -Hp -o name -s name tank2", out: "tank2@s1\ntank2/a@s1\ntank2/gone@s1\n"},
	}}
	inc, exc := emptyLists(t)
	opts := &Options{Recursive: true, DatasetInclude: inc, DatasetExclude: exc}
	w := newWorld(t, fake, opts)

	err := w.repl.DeleteMissingDatasets(context.Background(),
		Pair{Src: mustRef(t, "tank1"), Dst: mustRef(t, "tank2")},
		srcItemsFor(t, "", "a"))
	require.NoError(t, err)
	assert.True(t, fake.called("destroy -r tank2/gone"))
	assert.False(t, fake.called("destroy -r tank2/gone/child"), "the subtree goes with its root")
	assert.False(t, fake.called("destroy -r tank2/a"))
}

func TestDeleteMissingDatasets_SnapshotlessSubtreePruned(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		existsRule("tank2"),
		{match: "-s name -r tank2", out: "tank2\ntank2/a\ntank2/empty\n"},
		{match: "list -t snapshot -r -Hp -o name -s name tank2", out: "tank2@s1\ntank2/a@s1\n"},
	}}
	inc, exc := emptyLists(t)
	opts := &Options{Recursive: true, DatasetInclude: inc, DatasetExclude: exc}
	w := newWorld(t, fake, opts)

	err := w.repl.DeleteMissingDatasets(context.Background(),
		Pair{Src: mustRef(t, "tank1"), Dst: mustRef(t, "tank2")},
		srcItemsFor(t, "", "a", "empty"))
	require.NoError(t, err)
	assert.True(t, fake.called("destroy -r tank2/empty"),
		"a destination dataset whose whole subtree has no snapshot is pruned")
	assert.False(t, fake.called("destroy -r tank2/a"))
	assert.False(t, fake.calledExact("zfs destroy -r tank2"), "the root pair survives while the source has it")
}

func TestDeleteMissingDatasets_HonorsDatasetFilter(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		existsRule("tank2"),
		{match: "-s name -r tank2", out: "tank2\ntank2/gone\ntank2/excluded\n"},
		{match: "list -t snapshot -r -Hp -o name -s name tank2", out: "tank2@s1\n"},
	}}
	inc, exc := datasetLists(t, nil, []string{"excluded"})
	opts := &Options{Recursive: true, DatasetInclude: inc, DatasetExclude: exc}
	w := newWorld(t, fake, opts)

	err := w.repl.DeleteMissingDatasets(context.Background(),
		Pair{Src: mustRef(t, "tank1"), Dst: mustRef(t, "tank2")},
		srcItemsFor(t, ""))
	require.NoError(t, err)
	assert.True(t, fake.called("destroy -r tank2/gone"))
	assert.False(t, fake.called("destroy -r tank2/excluded"), "the filter gates reconciliation too")
}
