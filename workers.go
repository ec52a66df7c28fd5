package bitswap

import (
	"context"
	"time"

	inflect "github.com/chuckpreslar/inflect"
	"github.com/ipfs/go-cid"
	"github.com/jbenet/goprocess"
)

// provideWorkers bounds how many concurrent Provide calls this instance
// issues to the routing system, mirroring the teacher's fixed
// provideWorkers constant in workers.go.
const provideWorkers = 4

const provideTimeout = 15 * time.Second

const statsInterval = 10 * time.Second

// startWorkers spawns the background goroutines that drain the server
// engine's outbox onto the wire and advertise newly-available blocks to
// the routing system, following the teacher's workers.go shape: one
// goroutine per concern, supervised by a shared goprocess.
func (bs *Bitswap) startWorkers(px goprocess.Process) {
	for i := 0; i < bs.cfg.ServerTaskWorkerCount; i++ {
		px.Go(func(goprocess.Process) { bs.taskWorker() })
	}

	px.Go(func(goprocess.Process) { bs.provideCollector() })
	for i := 0; i < provideWorkers; i++ {
		px.Go(func(goprocess.Process) { bs.provideWorker() })
	}

	px.Go(func(goprocess.Process) { bs.statsWorker() })
}

// taskWorker drains the decision engine's outbox and hands each envelope
// to the destination peer's outbound queue, recording send accounting
// and releasing the envelope's peer-task-queue slot once it has been
// handed off (§4.4 "Envelope scheduling").
func (bs *Bitswap) taskWorker() {
	defer log.Debug("bitswap task worker shutting down")
	for {
		select {
		case env, ok := <-bs.engine.Outbox():
			if !ok {
				return
			}
			mq := bs.pm.queueFor(env.Peer)
			mq.enqueueEnvelope(env.Message)
			if err := bs.engine.MessageSent(env.Peer, env.Message); err != nil {
				log.Debugf("bitswap: accounting for sent message to %s: %s", env.Peer, err)
			}
			env.Sent()
		case <-bs.ctx.Done():
			return
		}
	}
}

// provideWorker issues the actual Provide call for each key handed to it
// by provideCollector, bounded by provideTimeout so a slow routing
// system can never stall block ingestion (teacher's provideWorker).
func (bs *Bitswap) provideWorker() {
	for {
		select {
		case k, ok := <-bs.provideKeys:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(bs.ctx, provideTimeout)
			if err := bs.net.Provide(ctx, k); err != nil {
				log.Debugf("bitswap: providing %s: %s", k, err)
			}
			cancel()
		case <-bs.ctx.Done():
			return
		}
	}
}

// provideCollector buffers newBlocks into an unbounded FIFO of CIDs and
// drains it onto provideKeys, so a burst of HasBlock calls never blocks
// on provideWorkers being busy -- matches the teacher's provideCollector
// in workers.go line for line in shape, generalized from u.Key to cid.Cid.
func (bs *Bitswap) provideCollector() {
	defer close(bs.provideKeys)

	var toProvide []cid.Cid
	var nextKey cid.Cid
	var keysOut chan cid.Cid

	for {
		select {
		case blk, ok := <-bs.newBlocks:
			if !ok {
				return
			}
			if keysOut == nil {
				nextKey = blk.Cid()
				keysOut = bs.provideKeys
			} else {
				toProvide = append(toProvide, blk.Cid())
			}
		case keysOut <- nextKey:
			if len(toProvide) > 0 {
				nextKey = toProvide[0]
				toProvide = toProvide[1:]
			} else {
				keysOut = nil
			}
		case <-bs.ctx.Done():
			return
		}
	}
}

// statsWorker periodically logs this instance's aggregate outstanding
// wantlist size, matching the teacher's rebroadcastWorker's periodic
// "%d keys in bitswap wantlist" tick (session-based broadcast already
// replaces the teacher's rebroadcast-on-timer; only the stats tick
// survives here).
func (bs *Bitswap) statsWorker() {
	tick := time.NewTicker(statsInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			n := 0
			for _, p := range bs.pm.ConnectedPeers() {
				if mq := bs.pm.existingQueue(p); mq != nil {
					n += mq.wl.Len()
				}
			}
			if bs.metrics != nil {
				bs.metrics.WantlistSize.Set(float64(n))
			}
			if n > 0 {
				log.Debugf("%d %s outstanding across connected peers", n, inflect.FromNumber("keys", n))
			}
		case <-bs.ctx.Done():
			return
		}
	}
}
