// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package stress drives a lock manager with concurrent processors that read
// and rewrite a generated graph, interleaved with flush windows, and checks
// that no update was lost.
package stress

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dijkstracula/go-nlock"
	"github.com/dijkstracula/go-nlock/graph"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const lockedDownBackoff = 50 * time.Microsecond

// Result summarises a run.
type Result struct {
	Reads      int64
	Writes     int64
	Upgrades   int64
	AllWrites  int64
	InfoWrites int64
	Retries    int64
	Flushes    int64

	// Expected is the number of increments made; Total is the sum of all
	// neuron values afterwards. They match when no update was lost.
	Expected int64
	Total    int64
}

// Runner owns the graph a run works on.
type Runner struct {
	m   *nlock.Manager
	cfg Config
	log *zap.Logger
	rng *rand.Rand

	nodes  []graph.Lockable
	values []*int64
	links  []*graph.Link

	reads, writes, upgrades, allWrites, infoWrites atomic.Int64
	retries, flushes, expected                     atomic.Int64
}

// NewRunner builds a graph of cfg.Neurons nodes, every fourth one a cluster,
// linked in a ring.
func NewRunner(m *nlock.Manager, cfg Config, seed int64, log *zap.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{m: m, cfg: cfg, log: log, rng: rand.New(rand.NewSource(seed))}
	for i := 0; i < cfg.Neurons; i++ {
		if i%4 == 0 {
			c := graph.NewCluster()
			r.nodes = append(r.nodes, c)
			r.values = append(r.values, &c.Value)
			continue
		}
		v := graph.NewValueNeuron(0)
		r.nodes = append(r.nodes, v)
		r.values = append(r.values, &v.Value)
	}
	for i := range r.nodes {
		r.links = append(r.links, graph.NewLink(r.nodes[i], r.nodes[(i+1)%len(r.nodes)], nil))
	}
	return r, nil
}

// Run executes the configured processors until they finish or ctx ends.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	g, gctx := errgroup.WithContext(ctx)

	var workers sync.WaitGroup
	stop := make(chan struct{})
	workers.Add(r.cfg.Processors)
	for i := 0; i < r.cfg.Processors; i++ {
		seed := r.rng.Int63()
		g.Go(func() error {
			defer workers.Done()
			return r.process(gctx, rand.New(rand.NewSource(seed)))
		})
	}
	go func() {
		workers.Wait()
		close(stop)
	}()
	if r.cfg.FlushInterval > 0 {
		g.Go(func() error {
			return r.flushLoop(gctx, stop)
		})
	}

	err := g.Wait()
	res := r.result()
	if err != nil {
		return res, err
	}
	if res.Total != res.Expected {
		return res, fmt.Errorf("lost updates: values sum to %d, expected %d", res.Total, res.Expected)
	}
	st := r.m.Stats()
	if live := len(st.Chains) + st.InfoChains; live != 0 {
		return res, fmt.Errorf("%d relation kinds still have live chains after the run", live)
	}
	return res, nil
}

func (r *Runner) result() Result {
	return Result{
		Reads:      r.reads.Load(),
		Writes:     r.writes.Load(),
		Upgrades:   r.upgrades.Load(),
		AllWrites:  r.allWrites.Load(),
		InfoWrites: r.infoWrites.Load(),
		Retries:    r.retries.Load(),
		Flushes:    r.flushes.Load(),
		Expected:   r.expected.Load(),
		Total:      r.sum(),
	}
}

func (r *Runner) sum() int64 {
	var total int64
	for _, v := range r.values {
		total += *v
	}
	return total
}

// process is one logical processor. Operations refused by a lockdown are
// retried after a short pause.
func (r *Runner) process(ctx context.Context, rng *rand.Rand) error {
	owner := nlock.NewOwner()
	for i := 0; i < r.cfg.Operations; i++ {
		op := r.pick(rng)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := op(owner, rng)
			if err == nil {
				break
			}
			if !errors.Is(err, nlock.ErrLockedDown) {
				return err
			}
			r.retries.Add(1)
			time.Sleep(lockedDownBackoff)
		}
	}
	return nil
}

type operation func(nlock.Owner, *rand.Rand) error

func (r *Runner) pick(rng *rand.Rand) operation {
	if rng.Intn(100) >= r.cfg.WritePercent {
		return r.read
	}
	switch rng.Intn(4) {
	case 0:
		return r.upgradeWrite
	case 1:
		return r.allWrite
	case 2:
		return r.infoWrite
	default:
		return r.batchWrite
	}
}

func (r *Runner) batch(rng *rand.Rand, writable bool) []*nlock.Request {
	idx := rng.Perm(len(r.nodes))[:r.cfg.BatchSize]
	reqs := make([]*nlock.Request, len(idx))
	for i, n := range idx {
		reqs[i] = nlock.NeuronRequest(r.nodes[n], graph.Value, writable)
	}
	return reqs
}

func (r *Runner) valueOf(n graph.Lockable) *int64 {
	for i, node := range r.nodes {
		if node == n {
			return r.values[i]
		}
	}
	return nil
}

func (r *Runner) read(o nlock.Owner, rng *rand.Rand) error {
	reqs := r.batch(rng, false)
	return r.m.Do(o, reqs, func() error {
		var total int64
		for _, req := range reqs {
			total += *r.valueOf(req.Neuron)
		}
		if total < 0 {
			return fmt.Errorf("observed negative total %d", total)
		}
		r.reads.Add(1)
		return nil
	})
}

func (r *Runner) batchWrite(o nlock.Owner, rng *rand.Rand) error {
	reqs := r.batch(rng, true)
	return r.m.Do(o, reqs, func() error {
		for _, req := range reqs {
			*r.valueOf(req.Neuron)++
			r.expected.Add(1)
		}
		r.writes.Add(1)
		return nil
	})
}

func (r *Runner) upgradeWrite(o nlock.Owner, rng *rand.Rand) error {
	i := rng.Intn(len(r.nodes))
	n := r.nodes[i]
	key, err := r.m.RequestLock(o, n, graph.Value, false)
	if err != nil {
		return err
	}
	key, err = r.m.UpgradeLockForWriting(o, n, graph.Value, key)
	if err != nil {
		return err
	}
	*r.values[i]++
	r.expected.Add(1)
	r.upgrades.Add(1)
	return r.m.ReleaseLock(o, n, graph.Value, key)
}

func (r *Runner) allWrite(o nlock.Owner, rng *rand.Rand) error {
	i := rng.Intn(len(r.nodes))
	n := r.nodes[i]
	key, err := r.m.RequestLock(o, n, graph.All, true)
	if err != nil {
		return err
	}
	*r.values[i]++
	r.expected.Add(1)
	r.allWrites.Add(1)
	return r.m.ReleaseLock(o, n, graph.All, key)
}

func (r *Runner) infoWrite(o nlock.Owner, rng *rand.Rand) error {
	l := r.links[rng.Intn(len(r.links))]
	key, err := r.m.RequestInfoLock(o, l.Info, true)
	if err != nil {
		return err
	}
	l.Info.Items = append(l.Info.Items, graph.NewNeuron())
	r.infoWrites.Add(1)
	return r.m.ReleaseInfoLock(o, l.Info, key)
}

// flushLoop periodically locks the manager down, waits for every chain to
// drain and checks the graph while nobody can touch it.
func (r *Runner) flushLoop(ctx context.Context, stop <-chan struct{}) error {
	t := time.NewTicker(r.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-t.C:
			if err := r.flush(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) flush(ctx context.Context) error {
	r.m.LockAll()
	defer r.m.ReleaseLockAll()

	for {
		st := r.m.Stats()
		if len(st.Chains) == 0 && st.InfoChains == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(lockedDownBackoff):
		}
	}

	if total, want := r.sum(), r.expected.Load(); total != want {
		return fmt.Errorf("flush saw values summing to %d, expected %d", total, want)
	}
	r.flushes.Add(1)
	r.log.Debug("flushed", zap.Int64("total", r.expected.Load()))
	return nil
}
