// Package main runs a whole quarry cluster inside one process: every
// rank is a goroutine, wired together over the in-memory mesh transport.
// It exists to demonstrate and exercise the runtime end to end - task
// submission, matching, stealing, shared data, notifications, and
// checkpointing - without an external launcher.
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                 quarrysim                    │
//	├──────────────────────────────────────────────┤
//	│  rank 0..W-1   worker goroutines (client)    │
//	│  rank W..N-1   server goroutines (engine)    │
//	│  comm.Mesh     in-process transport          │
//	└──────────────────────────────────────────────┘
//
// Configuration:
//   - QUARRY_RANKS: total ranks (default: 6)
//   - QUARRY_SERVERS: server ranks at the top of the range (default: 2)
//   - QUARRY_TASKS: tasks submitted per worker (default: 20)
//   - QUARRY_CHECKPOINT: checkpoint file path (default: none)
//
// The process exits non-zero if any rank reported a failure.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"

	"github.com/dreamware/quarry/internal/client"
	"github.com/dreamware/quarry/internal/comm"
	"github.com/dreamware/quarry/internal/layout"
	"github.com/dreamware/quarry/internal/server"
	"github.com/dreamware/quarry/internal/types"
	"github.com/dreamware/quarry/internal/xpt"
)

// logFatal is a variable to allow intercepting fatal errors in tests.
var logFatal = log.Fatalf

const workTypes = 1

func main() {
	ranks := getenvInt("QUARRY_RANKS", 6)
	servers := getenvInt("QUARRY_SERVERS", 2)
	tasksPerWorker := getenvInt("QUARRY_TASKS", 20)
	xptFile := os.Getenv("QUARRY_CHECKPOINT")

	if servers <= 0 || servers >= ranks {
		logFatal("need 0 < QUARRY_SERVERS < QUARRY_RANKS (got %d of %d)", servers, ranks)
	}
	workers := ranks - servers
	log.Printf("quarrysim: %d ranks (%d workers, %d servers)", ranks, workers, servers)

	reportHostmap(ranks, servers)

	mesh := comm.NewMesh(ranks)
	serverErrs := make(chan error, servers)

	for rank := workers; rank < ranks; rank++ {
		l, err := layout.New(ranks, servers, rank)
		if err != nil {
			logFatal("layout: %v", err)
		}
		srv, err := server.New(server.Config{
			Layout:    l,
			Transport: mesh.Port(rank),
			WorkTypes: workTypes,
		})
		if err != nil {
			logFatal("server %d: %v", rank, err)
		}
		go func(rank int) {
			serverErrs <- srv.Serve()
		}(rank)
	}

	var wg sync.WaitGroup
	for rank := 0; rank < workers; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			runWorker(mesh, ranks, servers, rank, tasksPerWorker, xptFile)
		}(rank)
	}
	wg.Wait()

	failed := false
	for i := 0; i < servers; i++ {
		if err := <-serverErrs; err != nil {
			log.Printf("server exited with: %v", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
	log.Printf("quarrysim: done")
}

// runWorker drives one worker rank: submit a batch of tasks, then
// consume tasks until shutdown, recording each result in a shared
// container (and optionally in the checkpoint log).
func runWorker(mesh *comm.Mesh, ranks, servers, rank, tasks int, xptFile string) {
	l, err := layout.New(ranks, servers, rank)
	if err != nil {
		logFatal("worker %d layout: %v", rank, err)
	}
	c := client.New(l, mesh.Port(rank))

	var ckpt *xpt.Checkpoint
	if xptFile != "" {
		ckpt, err = xpt.Init(xpt.Config{
			Filename:  xptFile,
			Rank:      rank,
			Ranks:     ranks,
			Policy:    xpt.PeriodicFlush,
			MaxInline: 256,
		})
		if err != nil {
			logFatal("worker %d checkpoint: %v", rank, err)
		}
	}

	// Rank 0 owns the shared results container.
	const resultsID = 1
	if rank == 0 {
		if _, err := c.Create(resultsID, types.TypeContainer,
			types.Extra{Valid: true, KeyType: types.TypeString, ValType: types.TypeInteger},
			comm.CreateProps{ReadRefcount: 1, WriteRefcount: 1, Permanent: true}); err != nil {
			logFatal("worker 0: create results container: %v", err)
		}
	}

	for i := 0; i < tasks; i++ {
		payload := []byte(fmt.Sprintf("%d:%d", rank, i))
		if err := c.Put(payload, comm.RankAny, rank, 0, int32(i%3), 1); err != nil {
			logFatal("worker %d: put: %v", rank, err)
		}
	}

	done := 0
	for {
		work, err := c.Get(0)
		if err == client.ErrShutdown {
			break
		}
		if err != nil {
			logFatal("worker %d: get: %v", rank, err)
		}
		done++

		// Record the result under the task's own key. Another worker may
		// have raced us to it only in replays; rejection is fine then.
		key := work.Payload
		val, err := types.Pack(types.NewInteger(int64(rank)))
		if err != nil {
			logFatal("worker %d: pack: %v", rank, err)
		}
		err = c.Store(resultsID, key, types.TypeInteger, val, comm.Refcounts{}, comm.Refcounts{})
		if err != nil && err != client.ErrRejected {
			logFatal("worker %d: store result: %v", rank, err)
		}
		if ckpt != nil {
			if err := ckpt.Write(key, val, xpt.PersistRecord, true); err != nil {
				logFatal("worker %d: checkpoint: %v", rank, err)
			}
		}
	}

	if err := c.Finalize(); err != nil {
		logFatal("worker %d: finalize: %v", rank, err)
	}
	if ckpt != nil {
		if err := ckpt.Close(); err != nil {
			logFatal("worker %d: checkpoint close: %v", rank, err)
		}
	}
	log.Printf("worker[%d] processed %d tasks", rank, done)
}

// reportHostmap wires the hostname map the way a multi-host launcher
// would; in-process, every rank shares one host.
func reportHostmap(ranks, servers int) {
	mode, err := layout.GetHostmapMode()
	if err != nil {
		logFatal("hostmap: %v", err)
	}
	if mode == layout.HostmapDisabled {
		return
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	names := make([]string, ranks)
	for i := range names {
		names[i] = host
	}
	hm := layout.NewHostmap(names)
	l, err := layout.New(ranks, servers, 0)
	if err != nil {
		logFatal("layout: %v", err)
	}
	switch mode {
	case layout.HostmapLeaders:
		log.Printf("hostmap: leaders %v", hm.Leaders(l))
	default:
		log.Printf("hostmap: %d host(s): %v", hm.Size(), hm.Hosts())
	}
}

// getenvInt reads an integer environment variable with a default.
func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logFatal("bad integer in %s: %q", k, v)
	}
	return n
}
