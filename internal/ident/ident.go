// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ident issues 64-bit time-sortable identifiers for events,
// executions, and catalog entries. IDs from one generator are strictly
// increasing, which gives the per-process event ordering the broker
// replays against.
package ident

import (
	"hash/fnv"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
)

// Generator wraps a snowflake node. Construct once at process start and
// pass it to the stores; no package-level singleton.
type Generator struct {
	node *snowflake.Node
}

// NewGenerator creates a generator for the given node id (0..1023).
func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &Generator{node: node}, nil
}

// NewID returns the next identifier.
func (g *Generator) NewID() int64 {
	return g.node.Generate().Int64()
}

// DefaultNodeID derives a node id from NOETL_NODE_ID, falling back to a
// hostname hash so distinct hosts land on distinct nodes.
func DefaultNodeID() int64 {
	if v := os.Getenv("NOETL_NODE_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 && n < 1024 {
			return n
		}
	}
	host, _ := os.Hostname()
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	return int64(h.Sum32() % 1024)
}
