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

package queue

import (
	"context"
	"sync"
	"time"

	"noetl/pkg/log"
)

// Sweeper periodically returns expired leases to ready so crashed
// workers cannot strand items past their visibility timeout.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *log.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper; interval <= 0 defaults to 5s.
func NewSweeper(store Store, interval time.Duration, logger *log.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.Component("sweeper"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := s.store.Sweep(ctx)
				if err != nil {
					s.logger.Error("sweep failed", "error", err)
					continue
				}
				if swept > 0 {
					s.logger.Info("returned expired leases to ready", "count", swept)
				}
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight pass.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
