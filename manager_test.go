package nlock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dijkstracula/go-nlock/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const waitTimeout = 5 * time.Second

// waitQueued blocks until the chain for res in slot has at least n objects,
// i.e. until a blocked request has registered itself.
func waitQueued(t testing.TB, m *Manager, res any, slot, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		l := 0
		m.inspect(res, slot, func(c *chain) { l = c.length() })
		return l >= n
	}, waitTimeout, time.Millisecond, "request never queued")
}

func liveChains(m *Manager) int {
	st := m.Stats()
	n := st.InfoChains
	for _, c := range st.Chains {
		n += c
	}
	return n
}

func TestReleaseRemovesChain(t *testing.T) {
	m := New()
	n := graph.NewCluster()
	t1, t2 := NewOwner(), NewOwner()

	k, err := m.RequestLock(t1, n, graph.Children, true)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().Chains[graph.Children])

	require.NoError(t, m.ReleaseLock(t1, n, graph.Children, k))
	assert.Zero(t, liveChains(m))

	k2, err := m.RequestLock(t2, n, graph.Children, false)
	require.NoError(t, err)
	assert.NotEqual(t, k, k2, "a fresh chain is created after draining")

	var holders map[Owner]int
	require.True(t, m.inspect(n, relationSlot(graph.Children), func(c *chain) {
		holders, _ = c.active()
	}))
	assert.Equal(t, map[Owner]int{t2: 1}, holders)
	require.NoError(t, m.ReleaseLock(t2, n, graph.Children, k2))
}

func TestReentrantShared(t *testing.T) {
	m := New()
	n := graph.NewValueNeuron(1)
	o := NewOwner()

	k1, err := m.RequestLock(o, n, graph.Value, false)
	require.NoError(t, err)
	k2, err := m.RequestLock(o, n, graph.Value, false)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	require.NoError(t, m.ReleaseLock(o, n, graph.Value, k1))
	assert.Equal(t, 1, liveChains(m), "one hold remains")
	require.NoError(t, m.ReleaseLock(o, n, graph.Value, k2))
	assert.Zero(t, liveChains(m))
}

func TestFIFOHandOff(t *testing.T) {
	m := New()
	n := graph.NewNeuron()
	slot := relationSlot(graph.LinksOut)
	b, a, d := NewOwner(), NewOwner(), NewOwner()

	kb, err := m.RequestLock(b, n, graph.LinksOut, true)
	require.NoError(t, err)

	order := make(chan string, 2)
	var wg sync.WaitGroup
	acquire := func(name string, o Owner) {
		defer wg.Done()
		k, err := m.RequestLock(o, n, graph.LinksOut, true)
		if !assert.NoError(t, err) {
			return
		}
		order <- name
		assert.NoError(t, m.ReleaseLock(o, n, graph.LinksOut, k))
	}

	wg.Add(1)
	go acquire("a", a)
	waitQueued(t, m, n, slot, 2)
	wg.Add(1)
	go acquire("d", d)
	waitQueued(t, m, n, slot, 3)

	require.NoError(t, m.ReleaseLock(b, n, graph.LinksOut, kb))
	wg.Wait()
	close(order)

	var got []string
	for s := range order {
		got = append(got, s)
	}
	assert.Equal(t, []string{"a", "d"}, got)
	assert.Zero(t, liveChains(m))
	assert.Zero(t, m.Stats().HandlesInUse)
}

func TestBatchesInOppositeOrderComplete(t *testing.T) {
	m := New()
	r1, r2 := graph.NewValueNeuron(0), graph.NewValueNeuron(0)
	const workers = 16
	const rounds = 200

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		first, second := r1, r2
		if i%2 == 1 {
			first, second = r2, r1
		}
		g.Go(func() error {
			o := NewOwner()
			for j := 0; j < rounds; j++ {
				reqs := []*Request{
					NeuronRequest(first, graph.Value, true),
					NeuronRequest(second, graph.Value, true),
				}
				err := m.Do(o, reqs, func() error {
					first.Value++
					second.Value++
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("batched requests deadlocked")
	}
	assert.Equal(t, int64(workers*rounds), r1.Value)
	assert.Equal(t, int64(workers*rounds), r2.Value)
	assert.Zero(t, liveChains(m))
}

func TestUpgradeSoleReaderKeepsKey(t *testing.T) {
	m := New()
	n := graph.NewValueNeuron(0)
	o := NewOwner()

	k, err := m.RequestLock(o, n, graph.Value, false)
	require.NoError(t, err)
	up, err := m.UpgradeLockForWriting(o, n, graph.Value, k)
	require.NoError(t, err)
	assert.Equal(t, k, up)
	assert.Same(t, k.objs[relationSlot(graph.Value)], up.objs[relationSlot(graph.Value)])
	require.NoError(t, m.ReleaseLock(o, n, graph.Value, up))
}

func TestUpgradeWaitsForOtherReaders(t *testing.T) {
	m := New()
	n := graph.NewValueNeuron(0)
	a, b := NewOwner(), NewOwner()

	ka, err := m.RequestLock(a, n, graph.Value, false)
	require.NoError(t, err)
	kb, err := m.RequestLock(b, n, graph.Value, false)
	require.NoError(t, err)

	var upgraded atomic.Bool
	result := make(chan Key, 1)
	go func() {
		k, err := m.UpgradeLockForWriting(a, n, graph.Value, ka)
		assert.NoError(t, err)
		upgraded.Store(true)
		result <- k
	}()

	waitQueued(t, m, n, relationSlot(graph.Value), 2)
	assert.False(t, upgraded.Load(), "upgrade must wait for the other reader")

	require.NoError(t, m.ReleaseLock(b, n, graph.Value, kb))
	up := <-result
	assert.NotEqual(t, ka, up)

	_, writable := activeOf(t, m, n, graph.Value)
	assert.True(t, writable)
	require.NoError(t, m.ReleaseLock(a, n, graph.Value, up))
	assert.Zero(t, liveChains(m))
}

func activeOf(t *testing.T, m *Manager, n graph.Lockable, rel graph.Relation) (map[Owner]int, bool) {
	t.Helper()
	var (
		holders  map[Owner]int
		writable bool
	)
	require.True(t, m.inspect(n, relationSlot(rel), func(c *chain) {
		holders, writable = c.active()
	}))
	return holders, writable
}

func TestLockdown(t *testing.T) {
	m := New()
	held, fresh := graph.NewNeuron(), graph.NewNeuron()
	o := NewOwner()

	k, err := m.RequestLock(o, held, graph.Parents, false)
	require.NoError(t, err)

	m.LockAll()
	assert.True(t, m.IsLockedDown())
	assert.True(t, m.Stats().LockedDown)

	_, err = m.RequestLock(o, fresh, graph.Parents, false)
	assert.True(t, errors.Is(err, ErrLockedDown))
	_, err = m.RequestLock(o, held, graph.Parents, false)
	assert.True(t, errors.Is(err, ErrLockedDown))
	err = m.RequestLocks(o, []*Request{NeuronRequest(fresh, graph.LinksIn, true)})
	assert.True(t, errors.Is(err, ErrLockedDown))
	_, err = m.RequestInfoLock(o, &graph.LinkInfoList{}, false)
	assert.True(t, errors.Is(err, ErrLockedDown))

	// Held locks can still be upgraded and released.
	k, err = m.UpgradeLockForWriting(o, held, graph.Parents, k)
	require.NoError(t, err)
	require.NoError(t, m.ReleaseLock(o, held, graph.Parents, k))

	m.ReleaseLockAll()
	assert.False(t, m.IsLockedDown())
	k, err = m.RequestLock(o, fresh, graph.Parents, false)
	require.NoError(t, err)
	require.NoError(t, m.ReleaseLock(o, fresh, graph.Parents, k))
}

func TestAllFansOutPerNeuronKind(t *testing.T) {
	tests := []struct {
		name string
		n    graph.Lockable
		want []graph.Relation
	}{
		{"neuron", graph.NewNeuron(), []graph.Relation{graph.Parents, graph.LinksIn, graph.LinksOut}},
		{"value", graph.NewValueNeuron(3), []graph.Relation{graph.Parents, graph.LinksIn, graph.LinksOut, graph.Value}},
		{"cluster", graph.NewCluster(), []graph.Relation{graph.Parents, graph.LinksIn, graph.LinksOut, graph.Children, graph.Value}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			o := NewOwner()
			k, err := m.RequestLock(o, tt.n, graph.All, true)
			require.NoError(t, err)

			st := m.Stats()
			assert.Len(t, st.Chains, len(tt.want))
			for _, r := range tt.want {
				assert.Equal(t, 1, st.Chains[r], "relation %s", r)
				assert.NotNil(t, k.objs[relationSlot(r)])
			}
			assert.Nil(t, k.objs[relationSlot(graph.Processors)])

			// A single relation of an All-locked neuron is contended.
			other := NewOwner()
			got := make(chan Key, 1)
			go func() {
				k, err := m.RequestLock(other, tt.n, graph.LinksIn, false)
				assert.NoError(t, err)
				got <- k
			}()
			waitQueued(t, m, tt.n, relationSlot(graph.LinksIn), 2)

			require.NoError(t, m.ReleaseLock(o, tt.n, graph.All, k))
			ko := <-got
			require.NoError(t, m.ReleaseLock(other, tt.n, graph.LinksIn, ko))
			assert.Zero(t, liveChains(m))
		})
	}
}

func TestInfoListLock(t *testing.T) {
	m := New()
	link := graph.NewLink(graph.NewNeuron(), graph.NewNeuron(), nil)
	a, b := NewOwner(), NewOwner()

	ka, err := m.RequestInfoLock(a, link.Info, true)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().InfoChains)

	// The link's endpoints are independent of its info list.
	kn, err := m.RequestLock(b, link.From, graph.LinksOut, true)
	require.NoError(t, err)
	require.NoError(t, m.ReleaseLock(b, link.From, graph.LinksOut, kn))

	got := make(chan Key, 1)
	go func() {
		k, err := m.RequestInfoLock(b, link.Info, false)
		assert.NoError(t, err)
		got <- k
	}()
	waitQueued(t, m, link.Info, infoSlot, 2)

	link.Info.Items = append(link.Info.Items, graph.NewNeuron())
	k, err := m.UpgradeInfoLockForWriting(a, link.Info, ka)
	require.NoError(t, err)
	assert.Equal(t, ka, k, "already exclusive")
	require.NoError(t, m.ReleaseInfoLock(a, link.Info, ka))

	kb := <-got
	require.NoError(t, m.ReleaseInfoLock(b, link.Info, kb))
	assert.Zero(t, liveChains(m))
}

func TestProtocolViolations(t *testing.T) {
	m := New()
	n := graph.NewValueNeuron(0)
	a, b := NewOwner(), NewOwner()

	err := m.ReleaseLock(a, n, graph.Value, Key{})
	assert.True(t, errors.Is(err, ErrProtocolViolation), "never locked")

	k, err := m.RequestLock(a, n, graph.Value, true)
	require.NoError(t, err)

	err = m.ReleaseLock(b, n, graph.Value, k)
	assert.True(t, errors.Is(err, ErrProtocolViolation), "foreign owner")
	_, err = m.UpgradeLockForWriting(b, n, graph.Value, k)
	assert.True(t, errors.Is(err, ErrProtocolViolation), "foreign upgrade")

	require.NoError(t, m.ReleaseLock(a, n, graph.Value, k))
	err = m.ReleaseLock(a, n, graph.Value, k)
	assert.True(t, errors.Is(err, ErrProtocolViolation), "double release")

	_, err = m.RequestLock(a, n, graph.None, false)
	assert.True(t, errors.Is(err, ErrUnknownRelation))
	_, err = m.RequestLock(a, n, graph.Relation(42), false)
	assert.True(t, errors.Is(err, ErrUnknownRelation))

	err = m.RequestLocks(a, []*Request{{Writable: true}})
	assert.True(t, errors.Is(err, ErrProtocolViolation), "empty request")
	assert.Zero(t, liveChains(m))
}

func TestReleaseLocksChecksBeforeReleasing(t *testing.T) {
	m := New()
	n1, n2 := graph.NewValueNeuron(0), graph.NewValueNeuron(0)
	a, b := NewOwner(), NewOwner()

	reqs := []*Request{NeuronRequest(n1, graph.Value, false), NeuronRequest(n2, graph.Value, false)}
	require.NoError(t, m.RequestLocks(a, reqs))

	// b holds nothing, so nothing may be released on its behalf.
	err := m.ReleaseLocks(b, reqs)
	assert.True(t, errors.Is(err, ErrProtocolViolation))
	assert.Equal(t, 2, liveChains(m))

	require.NoError(t, m.ReleaseLocks(a, reqs))
	for _, r := range reqs {
		assert.True(t, r.Key.IsZero())
	}
	assert.Zero(t, liveChains(m))
}

func TestBatchUpgrade(t *testing.T) {
	m := New()
	c := graph.NewCluster()
	a, b := NewOwner(), NewOwner()

	reqs := []*Request{NeuronRequest(c, graph.Children, false), NeuronRequest(c, graph.Value, false)}
	require.NoError(t, m.RequestLocks(a, reqs))
	before := []Key{reqs[0].Key, reqs[1].Key}

	kb, err := m.RequestLock(b, c, graph.Value, false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.UpgradeLocksForWriting(a, reqs) }()
	waitQueued(t, m, c, relationSlot(graph.Value), 2)

	require.NoError(t, m.ReleaseLock(b, c, graph.Value, kb))
	require.NoError(t, <-done)

	assert.Equal(t, before[0], reqs[0].Key, "sole reader upgrades in place")
	assert.NotEqual(t, before[1], reqs[1].Key, "shared reader had to queue")
	for _, rel := range []graph.Relation{graph.Children, graph.Value} {
		_, writable := activeOf(t, m, c, rel)
		assert.True(t, writable)
	}
	require.NoError(t, m.ReleaseLocks(a, reqs))
	assert.Zero(t, liveChains(m))
}

func TestBatchUpgradeReentrantSharedHold(t *testing.T) {
	m := New()
	n := graph.NewValueNeuron(0)
	a, b := NewOwner(), NewOwner()
	slot := relationSlot(graph.Value)

	reqs := []*Request{
		NeuronRequest(n, graph.Value, false),
		NeuronRequest(n, graph.Value, false),
	}
	require.NoError(t, m.RequestLocks(a, reqs))
	kb, err := m.RequestLock(b, n, graph.Value, false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.UpgradeLocksForWriting(a, reqs) }()
	waitQueued(t, m, n, slot, 2)

	require.NoError(t, m.ReleaseLock(b, n, graph.Value, kb))
	require.NoError(t, <-done)

	assert.Same(t, reqs[0].Key.objs[slot], reqs[1].Key.objs[slot])
	holders, writable := activeOf(t, m, n, graph.Value)
	assert.True(t, writable)
	assert.Equal(t, map[Owner]int{a: 2}, holders)

	require.NoError(t, m.ReleaseLocks(a, reqs))
	assert.Zero(t, liveChains(m))
	assert.Zero(t, m.Stats().HandlesInUse)
}

func TestFailedBatchUpgradeChangesNothing(t *testing.T) {
	m := New()
	n1, n2 := graph.NewValueNeuron(0), graph.NewValueNeuron(0)
	a, b := NewOwner(), NewOwner()
	slot := relationSlot(graph.Value)

	ka, err := m.RequestLock(a, n1, graph.Value, false)
	require.NoError(t, err)
	kb1, err := m.RequestLock(b, n1, graph.Value, false)
	require.NoError(t, err)
	kb2, err := m.RequestLock(b, n2, graph.Value, false)
	require.NoError(t, err)

	// The second key belongs to b, so nothing in the batch may change.
	reqs := []*Request{
		{Neuron: n1, Relation: graph.Value, Key: ka},
		{Neuron: n2, Relation: graph.Value, Key: kb2},
	}
	err = m.UpgradeLocksForWriting(a, reqs)
	assert.True(t, errors.Is(err, ErrProtocolViolation))

	assert.Equal(t, ka, reqs[0].Key)
	assert.Equal(t, kb2, reqs[1].Key)
	holders, writable := activeOf(t, m, n1, graph.Value)
	assert.False(t, writable)
	assert.Equal(t, map[Owner]int{a: 1, b: 1}, holders)
	holders, writable = activeOf(t, m, n2, graph.Value)
	assert.False(t, writable)
	assert.Equal(t, map[Owner]int{b: 1}, holders)
	var l int
	require.True(t, m.inspect(n1, slot, func(c *chain) { l = c.length() }))
	assert.Equal(t, 1, l, "nothing queued")
	assert.Zero(t, m.Stats().HandlesInUse)

	require.NoError(t, m.ReleaseLock(a, n1, graph.Value, ka))
	require.NoError(t, m.ReleaseLock(b, n1, graph.Value, kb1))
	require.NoError(t, m.ReleaseLock(b, n2, graph.Value, kb2))
	assert.Zero(t, liveChains(m))
}

func TestBatchRepeatsAreReentrant(t *testing.T) {
	m := New()
	n := graph.NewValueNeuron(0)
	o := NewOwner()

	reqs := []*Request{
		NeuronRequest(n, graph.Value, false),
		NeuronRequest(n, graph.Value, true),
	}
	require.NoError(t, m.RequestLocks(o, reqs))
	assert.Equal(t, reqs[0].Key, reqs[1].Key)
	holders, writable := activeOf(t, m, n, graph.Value)
	assert.True(t, writable)
	assert.Equal(t, map[Owner]int{o: 2}, holders)

	require.NoError(t, m.ReleaseLocks(o, reqs))
	assert.Zero(t, liveChains(m))
}

func TestDoReleasesOnError(t *testing.T) {
	m := New()
	n := graph.NewNeuron()
	o := NewOwner()
	boom := errors.New("boom")

	err := m.Do(o, []*Request{NeuronRequest(n, graph.All, true)}, func() error {
		assert.Equal(t, 3, liveChains(m))
		return boom
	})
	assert.True(t, errors.Is(err, boom))
	assert.Zero(t, liveChains(m))
}

func TestSharedExclusiveInvariant(t *testing.T) {
	m := New(WithPreloadedHandles(4))
	n := graph.NewCluster()
	const workers = 12
	const rounds = 300

	var readers, writers atomic.Int32
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		writable := i%3 == 0
		g.Go(func() error {
			o := NewOwner()
			for j := 0; j < rounds; j++ {
				k, err := m.RequestLock(o, n, graph.Children, writable)
				if err != nil {
					return err
				}
				if writable {
					w := writers.Add(1)
					assert.Equal(t, int32(1), w)
					assert.Zero(t, readers.Load())
					writers.Add(-1)
				} else {
					readers.Add(1)
					assert.Zero(t, writers.Load())
					readers.Add(-1)
				}
				if err := m.ReleaseLock(o, n, graph.Children, k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	st := m.Stats()
	assert.Zero(t, liveChains(m))
	assert.Zero(t, st.HandlesInUse)
	assert.LessOrEqual(t, st.FreeHandles, 4)
}

func TestPreloadedHandles(t *testing.T) {
	m := New()
	assert.Equal(t, DefaultPreloadedHandles, m.PreloadedHandles())
	m.SetPreloadedHandles(3)
	assert.Equal(t, 3, m.PreloadedHandles())
	assert.Equal(t, 3, m.Stats().FreeHandles)

	m = New(WithConfig(&Config{PreloadedHandles: 7}))
	assert.Equal(t, 7, m.PreloadedHandles())
}

type op int

const (
	Read  op = 1
	Write op = 2
)

// This test ensures that readers queued together behind a writer are let in
// together once it leaves, and that a writer queued behind them only runs
// after all of them.
func TestDrainReads(t *testing.T) {
	m := New()
	n := graph.NewValueNeuron(0)
	slot := relationSlot(graph.Value)
	const readers = 5

	x := NewOwner()
	kx, err := m.RequestLock(x, n, graph.Value, true)
	require.NoError(t, err)

	ch := make(chan op, readers+1)
	var inside sync.WaitGroup
	inside.Add(readers)
	leave := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := NewOwner()
			k, err := m.RequestLock(o, n, graph.Value, false)
			if !assert.NoError(t, err) {
				inside.Done()
				return
			}
			ch <- Read
			inside.Done()
			<-leave
			assert.NoError(t, m.ReleaseLock(o, n, graph.Value, k))
		}()
	}
	// All readers share the one queued object behind the writer.
	require.Eventually(t, func() bool {
		waiting := 0
		m.inspect(n, slot, func(c *chain) {
			if c.head.next != nil {
				waiting = len(c.head.next.holders)
			}
		})
		return waiting == readers
	}, waitTimeout, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		o := NewOwner()
		k, err := m.RequestLock(o, n, graph.Value, true)
		if !assert.NoError(t, err) {
			return
		}
		ch <- Write
		assert.NoError(t, m.ReleaseLock(o, n, graph.Value, k))
	}()
	waitQueued(t, m, n, slot, 3)

	// Unleash the hounds! Every reader gets in before the writer.
	require.NoError(t, m.ReleaseLock(x, n, graph.Value, kx))
	inside.Wait()
	close(leave)
	wg.Wait()
	close(ch)

	var seen []op
	for o := range ch {
		seen = append(seen, o)
	}
	require.Len(t, seen, readers+1)
	assert.Equal(t, Write, seen[readers], "saw a write before all reads")
	assert.Zero(t, liveChains(m))
	assert.Zero(t, m.Stats().HandlesInUse)
}
