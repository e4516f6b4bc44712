// Package app wires the client together: persisted identity, service
// table, discovery engine, session registry and tunnel connection manager.
package app

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"

	"github.com/camtun/camtun/internal/config"
	"github.com/camtun/camtun/internal/discovery"
	"github.com/camtun/camtun/internal/session"
	"github.com/camtun/camtun/internal/state"
	"github.com/camtun/camtun/internal/svctable"
	"github.com/camtun/camtun/internal/tunnel"
	"github.com/camtun/camtun/internal/util"
)

// Client is the assembled edge client.
type Client struct {
	cfg      config.Config
	ident    *state.State
	table    *svctable.Table
	engine   *discovery.Engine
	registry *session.Registry
	manager  *tunnel.Manager
}

// New loads persisted state and assembles the client. Corrupt or missing
// state costs only a fresh identity, never startup.
func New(cfg config.Config) *Client {
	cfg = cfg.WithDefaults()
	clk := clock.New()

	ident := state.Load(cfg.StateFile)
	table := svctable.NewFrom(ident.Services)
	if n := table.Len(); n > 0 {
		util.LogInfo("restored %d cached services", n)
	}

	engine := discovery.New(cfg, table, clk)
	manager := tunnel.NewManager(cfg, clk, table, engine, ident)
	registry := session.NewRegistry(table, manager, cfg.MaxSessions, cfg.MaxSessionsPerService, cfg.DialTimeout)
	manager.SetRegistry(registry)

	c := &Client{
		cfg:      cfg,
		ident:    ident,
		table:    table,
		engine:   engine,
		registry: registry,
		manager:  manager,
	}
	manager.OnDiff(func(svctable.Diff) { c.persist() })
	return c
}

// Run starts discovery and the tunnel loop, blocking until ctx is
// cancelled. Shutdown is graceful and bounded: open sessions get a
// best-effort SESSION_CLOSE before the connection drops.
func (c *Client) Run(ctx context.Context) error {
	util.LogInfo("client %s starting (relay %s:%d)", c.ident.ClientID, c.cfg.RelayHost, c.cfg.RelayPort)
	c.persist()

	util.StartStatsReporter(ctx)
	go c.engine.Run(ctx)

	err := c.manager.Run(ctx)
	c.persist()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// persist writes identity plus the current table snapshot to the state
// file. Failures are logged, never fatal.
func (c *Client) persist() {
	c.ident.Services = c.table.Snapshot()
	if err := state.Save(c.cfg.StateFile, c.ident); err != nil {
		util.LogWarning("persisting state to %s failed: %v", c.cfg.StateFile, err)
	}
}
