// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package runtime

import (
	"sort"
	"sync"
	"time"

	"github.com/kraklabs/krakdb/internal/eval"
)

// runningQuery is one registry entry.
type runningQuery struct {
	Id      uint64
	Script  string
	Started time.Time
	poison  *eval.Poison
}

// running maps query ids to poison tokens so that ::kill can reach
// them.
type running struct {
	mu      sync.Mutex
	nextId  uint64
	queries map[uint64]*runningQuery
}

func newRunning() *running {
	return &running{queries: map[uint64]*runningQuery{}}
}

// register enters a query and returns its id.
func (r *running) register(script string, poison *eval.Poison) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextId++
	id := r.nextId
	r.queries[id] = &runningQuery{
		Id:      id,
		Script:  script,
		Started: time.Now(),
		poison:  poison,
	}
	return id
}

func (r *running) unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queries, id)
}

// kill flips the poison of a running query; it reports whether the id
// was live.
func (r *running) kill(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[id]
	if ok {
		q.poison.Cancel()
	}
	return ok
}

// list snapshots the registry ordered by id.
func (r *running) list() []*runningQuery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*runningQuery, 0, len(r.queries))
	for _, q := range r.queries {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}
