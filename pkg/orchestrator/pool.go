/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: pool.go
Description: Multi-device fan-out. One orchestrator per (AVD, device) pair runs its batch in a
worker pool whose capacity equals the device count. A fatal app error stops every device since
they all share the same APK; other device failures are collected without disturbing the rest.
*/

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/mobile"
	"golang.org/x/sync/errgroup"
)

// Pool runs the batches of several devices in parallel
type Pool struct {
	orchestrators []*Orchestrator
}

func NewPool(orchestrators ...*Orchestrator) *Pool {
	return &Pool{orchestrators: orchestrators}
}

func (p *Pool) Size() int { return len(p.orchestrators) }

// Run blocks until every batch has finished and returns the per-device results
// in orchestrator order together with the joined device errors.
func (p *Pool) Run(ctx context.Context) ([]*BatchResult, error) {
	if len(p.orchestrators) == 0 {
		return nil, errors.New("no devices to run on")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]*BatchResult, len(p.orchestrators))
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(len(p.orchestrators))
	for i, o := range p.orchestrators {
		i, o := i, o
		g.Go(func() error {
			result, err := o.RunBatch(ctx)
			results[i] = result
			if err != nil {
				if errors.Is(err, mobile.ErrNoTelemetry) {
					cancel()
				}
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", o.cfg.Device, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return results, errors.Join(errs...)
}
