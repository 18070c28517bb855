package replicate

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoschek/wbackup-zfs/internal/cmdrun"
	"github.com/whoschek/wbackup-zfs/internal/run"
	"github.com/whoschek/wbackup-zfs/internal/zfs"
)

const (
	srcSnaps123 = "1\t10\ttank1/foo@s1\n2\t20\ttank1/foo@s2\n3\t30\ttank1/foo@s3\n"
	srcSnaps14  = "1\t10\ttank1/foo@s1\n2\t20\ttank1/foo@s2\n3\t30\ttank1/foo@s3\n4\t40\ttank1/foo@s4\n"
	dstSnaps123 = "1\t100\ttank2/foo@s1\n2\t200\ttank2/foo@s2\n3\t300\ttank2/foo@s3\n"
)

func TestReplicate_InitialFullSend(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps123),
		booksRule("tank1/foo", ""),
		notExistRule("tank2/foo"),
		existsRule("tank2"),
		bookmarksEnabledRule(),
	}}
	w := newWorld(t, fake, &Options{})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status, "err: %v", out.Err)

	// Full send of the oldest snapshot first, then one incremental
	// covering the intermediates up to the latest.
	require.Len(t, fake.pipelines, 2)
	first := pipelineText(fake.pipelines[0])
	assert.Contains(t, first, "send tank1/foo@s1")
	assert.NotContains(t, first, "-I")
	second := pipelineText(fake.pipelines[1])
	assert.Contains(t, second, "-I tank1/foo@s1 tank1/foo@s3")
	assert.Contains(t, second, "receive -u tank2/foo")

	assert.True(t, fake.called("bookmark tank1/foo@s3 tank1/foo#s3"))
}

func TestReplicate_InitialSingleSnapshot(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", "1\t10\ttank1/foo@only\n"),
		booksRule("tank1/foo", ""),
		notExistRule("tank2/foo"),
		existsRule("tank2"),
		bookmarksEnabledRule(),
	}}
	w := newWorld(t, fake, &Options{})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status)
	require.Len(t, fake.pipelines, 1)
}

func TestReplicate_Incremental(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps14),
		booksRule("tank1/foo", ""),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", dstSnaps123),
		bookmarksEnabledRule(),
	}}
	w := newWorld(t, fake, &Options{})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status, "err: %v", out.Err)

	require.Len(t, fake.pipelines, 1)
	text := pipelineText(fake.pipelines[0])
	assert.Contains(t, text, "-I tank1/foo@s3 tank1/foo@s4")
	assert.False(t, fake.called("rollback"))
	assert.False(t, fake.called("destroy"))
	assert.True(t, fake.called("bookmark tank1/foo@s4 tank1/foo#s4"))
}

func TestReplicate_NoStreamUsesSingleStep(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps14),
		booksRule("tank1/foo", ""),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", "1\t100\ttank2/foo@s1\n"),
		bookmarksEnabledRule(),
	}}
	w := newWorld(t, fake, &Options{NoStream: true})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status)

	require.Len(t, fake.pipelines, 1)
	text := pipelineText(fake.pipelines[0])
	assert.Contains(t, text, "-i tank1/foo@s1 tank1/foo@s4")
	assert.NotContains(t, text, "-I")
}

func TestReplicate_UpToDateIsNoOp(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps123),
		booksRule("tank1/foo", ""),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", dstSnaps123),
	}}
	w := newWorld(t, fake, &Options{})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status)
	assert.Empty(t, fake.pipelines, "second run with no source changes transfers nothing")
	assert.False(t, fake.called("bookmark tank1/foo@"))
	assert.False(t, fake.called("destroy"))
}

func TestReplicate_BookmarkAsBaseAfterSnapshotPruned(t *testing.T) {
	// s3 is gone from the source, but its bookmark survives and anchors
	// the incremental.
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", "4\t40\ttank1/foo@s4\n"),
		booksRule("tank1/foo", "3\t30\ttank1/foo#s3\n"),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", dstSnaps123),
		bookmarksEnabledRule(),
	}}
	w := newWorld(t, fake, &Options{})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status, "err: %v", out.Err)

	require.Len(t, fake.pipelines, 1)
	assert.Contains(t, pipelineText(fake.pipelines[0]), "-i tank1/foo#s3 tank1/foo@s4",
		"a bookmark origin requires -i; -I only takes snapshots")
}

func TestReplicate_NoUseBookmarkIgnoresBookmarks(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", "4\t40\ttank1/foo@s4\n"),
		booksRule("tank1/foo", "3\t30\ttank1/foo#s3\n"),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", dstSnaps123),
	}}
	w := newWorld(t, fake, &Options{NoUseBookmark: true, NoCreateBookmark: true})
	w.run.Force = true

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status, "err: %v", out.Err)

	// Without the bookmark there is no common base: full send after
	// destroying the conflicting destination snapshots.
	assert.True(t, fake.called("destroy tank2/foo@s1,s2,s3"))
	require.NotEmpty(t, fake.pipelines)
	assert.Contains(t, pipelineText(fake.pipelines[0]), "send tank1/foo@s4")
}

func TestReplicate_ConflictWithoutForceFails(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps14),
		booksRule("tank1/foo", ""),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", dstSnaps123+"99\t400\ttank2/foo@s5\n"),
	}}
	w := newWorld(t, fake, &Options{})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusFailed, out.Status)
	assert.True(t, IsPolicyConflict(out.Err))
	assert.True(t, out.DstExists)
	assert.Empty(t, fake.pipelines, "nothing is transferred past a conflict")
	assert.False(t, fake.called("rollback"))
	assert.False(t, fake.called("destroy"))
}

func TestReplicate_ConflictWithForceRollsBack(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps14),
		booksRule("tank1/foo", ""),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", dstSnaps123+"99\t400\ttank2/foo@s5\n"),
		bookmarksEnabledRule(),
	}}
	w := newWorld(t, fake, &Options{})
	w.run.Force = true

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status, "err: %v", out.Err)

	rollback := fake.callIndex("rollback -r tank2/foo@s3")
	require.GreaterOrEqual(t, rollback, 0, "conflicting @s5 is discarded by rolling back to the base")
	require.Len(t, fake.pipelines, 1)
	assert.Contains(t, pipelineText(fake.pipelines[0]), "-I tank1/foo@s3 tank1/foo@s4")
}

func TestReplicate_ForceUnmountAddsDashF(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps14),
		booksRule("tank1/foo", ""),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", dstSnaps123+"99\t400\ttank2/foo@s5\n"),
		bookmarksEnabledRule(),
	}}
	w := newWorld(t, fake, &Options{ForceUnmount: true})
	w.run.Force = true

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status)
	assert.True(t, fake.called("rollback -r -f tank2/foo@s3"))
}

func TestReplicate_ForceRollbackToLatestWithoutFullForce(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps14),
		booksRule("tank1/foo", ""),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", dstSnaps123+"99\t400\ttank2/foo@s5\n"),
		bookmarksEnabledRule(),
	}}
	w := newWorld(t, fake, &Options{ForceRollbackToLatest: true})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status, "err: %v", out.Err)
	assert.True(t, fake.called("rollback -r tank2/foo@s3"))
}

func TestReplicate_ForceOnceBudgetIsSingleUse(t *testing.T) {
	conflict := func() *fakeRunner {
		return &fakeRunner{rules: []respRule{
			probeRule(),
			snapsRule("tank1/foo", srcSnaps14),
			booksRule("tank1/foo", ""),
			existsRule("tank2/foo"),
			snapsRule("tank2/foo", dstSnaps123+"99\t400\ttank2/foo@s5\n"),
			bookmarksEnabledRule(),
		}}
	}

	fake1 := conflict()
	w := newWorld(t, fake1, &Options{})
	w.run.ForceOnce = true

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status, "first conflict is resolved")

	// Same run, second conflicting dataset: the budget is spent.
	fake2 := conflict()
	w.repl.Inv.Runner = fake2
	w.repl.Run.Runner = fake2
	out = w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusFailed, out.Status)
	assert.True(t, IsPolicyConflict(out.Err))
}

func TestReplicate_MissingSnapshotsFail(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", ""),
		booksRule("tank1/foo", ""),
		notExistRule("tank2/foo"),
	}}
	w := newWorld(t, fake, &Options{SkipMissing: SkipMissingFail})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusFailed, out.Status)
	var nse *NoSnapshotsError
	assert.ErrorAs(t, out.Err, &nse)
}

func TestReplicate_MissingSnapshotsSkipDataset(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", ""),
		booksRule("tank1/foo", ""),
		notExistRule("tank2/foo"),
	}}
	w := newWorld(t, fake, &Options{SkipMissing: SkipMissingDataset})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusSkipped, out.Status)
	assert.False(t, out.DstExists)
}

func TestReplicate_MissingSnapshotsContinueCreatesEmptyDataset(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", ""),
		booksRule("tank1/foo", ""),
		notExistRule("tank2/foo"),
	}}
	w := newWorld(t, fake, &Options{SkipMissing: SkipMissingContinue})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status)
	assert.True(t, fake.called("create -p tank2/foo"))
	assert.Empty(t, fake.pipelines)
}

func TestReplicate_MissingSnapshotsContinueWithForceDestroysDstSnapshots(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", ""),
		booksRule("tank1/foo", ""),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", "7\t100\ttank2/foo@stale\n"),
	}}
	w := newWorld(t, fake, &Options{SkipMissing: SkipMissingContinue})
	w.run.Force = true

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status)
	assert.True(t, fake.called("destroy tank2/foo@stale"))
}

func TestReplicate_SnapshotFilter(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", "1\t10\ttank1/foo@daily_1\n2\t20\ttank1/foo@hourly_1\n3\t30\ttank1/foo@daily_2\n"),
		booksRule("tank1/foo", ""),
		notExistRule("tank2/foo"),
		existsRule("tank2"),
		bookmarksEnabledRule(),
	}}
	opts := &Options{}
	opts.SnapshotFilter = snapshotFilter(t, "daily_.*")
	w := newWorld(t, fake, opts)

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status, "err: %v", out.Err)

	all := make([]string, 0, len(fake.pipelines))
	for _, p := range fake.pipelines {
		all = append(all, pipelineText(p))
	}
	joined := strings.Join(all, "\n")
	assert.Contains(t, joined, "daily_1")
	assert.Contains(t, joined, "daily_2")
	assert.NotContains(t, joined, "hourly_1")
}

func TestReplicate_BookmarkIdempotent(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps123),
		booksRule("tank1/foo", "3\t30\ttank1/foo#s3\n"),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", "1\t100\ttank2/foo@s1\n2\t200\ttank2/foo@s2\n"),
		bookmarksEnabledRule(),
	}}
	w := newWorld(t, fake, &Options{})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status, "err: %v", out.Err)
	assert.False(t, fake.called("bookmark tank1/foo@s3"), "existing bookmark of the same GUID is a no-op")
}

func TestReplicate_NoBookmarkWhenPoolLacksFeature(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps123),
		booksRule("tank1/foo", ""),
		notExistRule("tank2/foo"),
		existsRule("tank2"),
		{match: "feature@bookmarks", out: "disabled\n"},
	}}
	w := newWorld(t, fake, &Options{})

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status)
	assert.False(t, fake.called("bookmark tank1/foo@"))
}

func TestReplicate_DryRunSendMutatesNothing(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps14),
		booksRule("tank1/foo", ""),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", dstSnaps123+"99\t400\ttank2/foo@s5\n"),
	}}
	w := newWorld(t, fake, &Options{})
	w.run.Force = true
	w.run.DryRun = run.DryRunSend

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status, "err: %v", out.Err)
	assert.Empty(t, fake.pipelines)
	assert.False(t, fake.called("rollback"))
	assert.False(t, fake.called("destroy"))
	assert.False(t, fake.called("bookmark tank1/foo@"))
}

func TestReplicate_DryRunRecvAppendsN(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps14),
		booksRule("tank1/foo", ""),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", dstSnaps123),
	}}
	w := newWorld(t, fake, &Options{})
	w.run.DryRun = run.DryRunRecv

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status, "err: %v", out.Err)
	require.Len(t, fake.pipelines, 1)
	assert.Contains(t, pipelineText(fake.pipelines[0]), "receive -n -u tank2/foo")
	assert.False(t, fake.called("bookmark tank1/foo@"), "recv dry run still creates no bookmark")
}

func TestReplicate_TransientTransferFailureIsRetried(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps14),
		booksRule("tank1/foo", ""),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", dstSnaps123),
		bookmarksEnabledRule(),
	}}
	// The receive loses a race with a concurrent pruner once, then the
	// retry lands.
	fake.pipeErrs = []error{&cmdrun.PipelineError{
		Stage:    "zfs receive",
		ExitCode: 1,
		Stderr:   "cannot open 'tank2/foo': dataset does not exist",
	}}
	w := newWorld(t, fake, &Options{})
	w.repl.Retry.Policy.Retries = 2

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusDone, out.Status, "err: %v", out.Err)
	assert.Len(t, fake.pipelines, 2, "the transfer is re-attempted after the transient failure")
}

func TestReplicate_FatalTransferFailureNotRetried(t *testing.T) {
	fake := &fakeRunner{rules: []respRule{
		probeRule(),
		snapsRule("tank1/foo", srcSnaps14),
		booksRule("tank1/foo", ""),
		existsRule("tank2/foo"),
		snapsRule("tank2/foo", dstSnaps123),
	}}
	fake.pipeErr = &cmdrun.PipelineError{
		Stage:    "zfs receive",
		ExitCode: 1,
		Stderr:   "cannot receive: invalid option 'Z'",
	}
	w := newWorld(t, fake, &Options{})
	w.repl.Retry.Policy.Retries = 5

	out := w.repl.ReplicateDataset(context.Background(), item(t, "tank1/foo", "tank2/foo"))
	require.Equal(t, StatusFailed, out.Status)
	assert.Len(t, fake.pipelines, 1, "a fatal stderr pattern is not worth re-attempting")
}

func TestPlanSteps(t *testing.T) {
	s := func(name string, guid, txg uint64) zfs.SnapshotEntry {
		return zfs.SnapshotEntry{Dataset: "p/d", Name: name, GUID: guid, CreateTXG: txg}
	}

	t.Run("initial multi-snapshot", func(t *testing.T) {
		steps := planSteps(nil, []zfs.SnapshotEntry{s("a", 1, 1), s("b", 2, 2)}, false)
		require.Len(t, steps, 2)
		assert.Equal(t, "", steps[0].base)
		assert.Equal(t, "a", steps[0].target.Name)
		assert.Equal(t, "p/d@a", steps[1].base)
		assert.True(t, steps[1].intermediates)
	})

	t.Run("initial no-stream", func(t *testing.T) {
		steps := planSteps(nil, []zfs.SnapshotEntry{s("a", 1, 1), s("b", 2, 2)}, true)
		require.Len(t, steps, 1)
		assert.Equal(t, "b", steps[0].target.Name)
	})

	t.Run("incremental up to date", func(t *testing.T) {
		base := &zfs.CommonBase{Source: s("b", 2, 2), DestName: "b"}
		assert.Nil(t, planSteps(base, []zfs.SnapshotEntry{s("a", 1, 1), s("b", 2, 2)}, false))
	})

	t.Run("incremental", func(t *testing.T) {
		base := &zfs.CommonBase{Source: s("a", 1, 1), DestName: "a"}
		steps := planSteps(base, []zfs.SnapshotEntry{s("a", 1, 1), s("b", 2, 2)}, false)
		require.Len(t, steps, 1)
		assert.Equal(t, "p/d@a", steps[0].base)
		assert.Equal(t, "b", steps[0].target.Name)
		assert.True(t, steps[0].intermediates)
	})
}
