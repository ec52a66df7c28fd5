package peertaskqueue

import (
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func testCid(t *testing.T, data string) cid.Cid {
	t.Helper()
	return blocks.NewBlock([]byte(data)).Cid()
}

func TestPushPopRoundRobin(t *testing.T) {
	q := New(0)
	q.PushTask("a", Task{Topic: testCid(t, "1"), Priority: 1, WorkSize: 10})
	q.PushTask("b", Task{Topic: testCid(t, "2"), Priority: 1, WorkSize: 10})

	first, _ := q.PopTasks(10)
	second, _ := q.PopTasks(10)
	require.NotEqual(t, first, second, "expected round robin across peers")
}

func TestPushMergesSameTopic(t *testing.T) {
	q := New(0)
	c := testCid(t, "1")
	q.PushTask("a", Task{Topic: c, Priority: 1, WorkSize: 10})
	q.PushTask("a", Task{Topic: c, Priority: 5, WorkSize: 10})

	_, tasks := q.PopTasks(1000)
	require.Len(t, tasks, 1, "expected merged single task")
	require.Equal(t, int32(5), tasks[0].Priority, "expected merged priority 5")
	require.Equal(t, 20, tasks[0].WorkSize, "expected summed work size 20")
}

func TestPopRespectsPriorityOrder(t *testing.T) {
	q := New(0)
	q.PushTask("a", Task{Topic: testCid(t, "low"), Priority: 1, WorkSize: 1})
	q.PushTask("a", Task{Topic: testCid(t, "high"), Priority: 10, WorkSize: 1})

	_, tasks := q.PopTasks(1000)
	require.Len(t, tasks, 2, "expected both tasks in one pop")
	require.Equal(t, int32(10), tasks[0].Priority, "expected highest priority task first")
}

func TestFreezeExcludesFromScheduling(t *testing.T) {
	q := New(0)
	q.PushTask("a", Task{Topic: testCid(t, "1"), Priority: 1, WorkSize: 1})
	q.Freeze("a")

	peer, tasks := q.PopTasks(10)
	require.Empty(t, peer, "expected frozen peer to be skipped entirely")
	require.Nil(t, tasks)
}

func TestThawReenablesScheduling(t *testing.T) {
	q := New(0)
	q.PushTask("a", Task{Topic: testCid(t, "1"), Priority: 1, WorkSize: 1})
	q.Freeze("a")
	q.Thaw("a")

	peer, tasks := q.PopTasks(10)
	require.Equal(t, "a", string(peer), "expected thawed peer to be scheduled again")
	require.Len(t, tasks, 1)
}

func TestFreezeCooldownGrowsOnRepeatedFailure(t *testing.T) {
	q := New(0)
	q.Freeze("a")
	first := q.partnerFor("a").cooldown
	q.Freeze("a")
	second := q.partnerFor("a").cooldown
	require.Greater(t, second, first, "expected cooldown to grow")
	require.LessOrEqual(t, second, maxCooldown, "cooldown must never exceed the cap")
}

func TestTasksDoneResetsCooldown(t *testing.T) {
	q := New(0)
	q.Freeze("a")
	require.NotZero(t, q.partnerFor("a").cooldown, "expected a nonzero cooldown after freeze")
	q.TasksDone("a", nil)
	require.Zero(t, q.partnerFor("a").cooldown, "expected TasksDone to clear the cooldown")
}

func TestRemoveDropsTask(t *testing.T) {
	q := New(0)
	c := testCid(t, "1")
	q.PushTask("a", Task{Topic: c, Priority: 1, WorkSize: 1})
	q.Remove("a", c)

	peer, tasks := q.PopTasks(10)
	require.Empty(t, peer, "expected removed task to never be popped")
	require.Empty(t, tasks)
}

func TestEvictionDropsLowestPriorityFromWorstUnprotectedPeer(t *testing.T) {
	q := New(15)
	q.PushTask("a", Task{Topic: testCid(t, "1"), Priority: 1, WorkSize: 10})
	q.PushTask("a", Task{Topic: testCid(t, "2"), Priority: 10, WorkSize: 10})

	_, lowStillThere := q.partnerFor("a").tasks[testCid(t, "1")]
	require.False(t, lowStillThere, "expected the lowest priority task to have been evicted")
	_, highStillThere := q.partnerFor("a").tasks[testCid(t, "2")]
	require.True(t, highStillThere, "expected the higher priority task to survive eviction")
}

func TestProtectedPeerExemptFromEviction(t *testing.T) {
	q := New(10)
	q.Protect("a", true)
	q.PushTask("a", Task{Topic: testCid(t, "1"), Priority: 1, WorkSize: 50})

	_, ok := q.partnerFor("a").tasks[testCid(t, "1")]
	require.True(t, ok, "protected peer's task should survive even over the high-water mark")
}

func TestClearDropsAllState(t *testing.T) {
	q := New(0)
	q.PushTask("a", Task{Topic: testCid(t, "1"), Priority: 1, WorkSize: 1})
	q.Clear("a")
	require.Equal(t, 0, q.PeerCount())
}

func TestPopTasksEmptyQueue(t *testing.T) {
	q := New(0)
	peer, tasks := q.PopTasks(10)
	require.Empty(t, peer)
	require.Nil(t, tasks)
}

func TestFrozenHeadDoesNotStarveOtherPeers(t *testing.T) {
	q := New(0)
	q.PushTask("a", Task{Topic: testCid(t, "1"), Priority: 1, WorkSize: 1})
	q.PushTask("b", Task{Topic: testCid(t, "2"), Priority: 1, WorkSize: 1})
	q.Freeze("a")

	peer, tasks := q.PopTasks(10)
	require.Equal(t, "b", string(peer), "expected the non-frozen peer to be reachable behind the frozen head")
	require.Len(t, tasks, 1)
}

func TestPushTaskSignalsWork(t *testing.T) {
	q := New(0)
	q.PushTask("a", Task{Topic: testCid(t, "1"), Priority: 1, WorkSize: 1})

	select {
	case <-q.Work():
	default:
		t.Fatal("expected PushTask to signal Work")
	}
}

func TestNextWakeBoundsFrozenPending(t *testing.T) {
	q := New(0)
	require.Zero(t, q.NextWake(), "expected no wake deadline with nothing frozen")

	q.PushTask("a", Task{Topic: testCid(t, "1"), Priority: 1, WorkSize: 1})
	q.Freeze("a")
	require.Greater(t, q.NextWake(), time.Duration(0), "expected a bounded wake deadline for a frozen, pending peer")
}

func TestOnEvictedReceivesDroppedTopics(t *testing.T) {
	q := New(15)
	var gotPeer string
	var gotTopics []cid.Cid
	q.OnEvicted = func(peer string, topics []cid.Cid) {
		gotPeer = peer
		gotTopics = topics
	}

	low := testCid(t, "1")
	q.PushTask("a", Task{Topic: low, Priority: 1, WorkSize: 10})
	q.PushTask("a", Task{Topic: testCid(t, "2"), Priority: 10, WorkSize: 10})

	require.Equal(t, "a", gotPeer)
	require.Equal(t, []cid.Cid{low}, gotTopics)
}
