package config

import (
	"context"
	"fmt"

	"github.com/specialistvlad/dmriprepgo/internal/bids"
)

// Layout returns the BIDS layout of execution.bids_dir, indexing the dataset
// on first use. An index already persisted under bids_database_dir is
// reused. Safe for concurrent use.
func (c *Config) Layout(ctx context.Context) (*bids.Layout, error) {
	c.layoutOnce.Do(func() {
		c.layout, c.layoutErr = c.LoadLayout(ctx)
	})
	return c.layout, c.layoutErr
}

// LoadLayout indexes execution.bids_dir like Layout but leaves nothing
// cached on c, so the layout is released once the caller drops it.
func (c *Config) LoadLayout(ctx context.Context) (*bids.Layout, error) {
	if c.Execution.BIDSDir == "" {
		return nil, fmt.Errorf("%w: bids_dir is not set", ErrInvalid)
	}
	return bids.Load(ctx, c.Execution.BIDSDir, bids.Options{
		DatabaseDir: c.Execution.BIDSDatabaseDir,
		Workers:     c.Executor.NProcs,
	})
}

// SetLayout injects an already built layout, bypassing indexing.
func (c *Config) SetLayout(l *bids.Layout) {
	c.layoutOnce.Do(func() {})
	c.layout = l
}
