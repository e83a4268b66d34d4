package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentgrid/internal/adapter/gateway"
	"agentgrid/internal/infra/config"
	"agentgrid/internal/infra/metrics"
	"agentgrid/internal/infra/middleware"
	"agentgrid/internal/usecase/agent"
	"agentgrid/internal/usecase/agents/echo"
	"agentgrid/internal/usecase/delivery"
	"agentgrid/internal/usecase/dispatch"
	"agentgrid/internal/usecase/hub"
	"agentgrid/internal/usecase/journal"
	"agentgrid/internal/usecase/scheduling"
	"agentgrid/internal/usecase/session"
)

// RuntimeComponents holds the running node: agent services, the session
// router, the delivery backplane, the scheduler and the gateway.
type RuntimeComponents struct {
	Services  *agent.Services
	Router    *session.Router
	Backplane *delivery.Backplane
	Scheduler *scheduling.Scheduler
	Gateway   *gateway.Server // nil when the gateway is disabled
	Kinds     []string
}

// initRuntime wires every agent kind over store and the cluster transport.
func initRuntime(ctx context.Context, cfg *config.Config, store eventStore, cl *ClusterComponents, log *slog.Logger) (*RuntimeComponents, error) {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	// 1. Agent services
	agentCfg := agent.Config{
		Journal: journal.Config{
			PageSize:      cfg.EventLog.PageSize,
			SnapshotEvery: cfg.EventLog.SnapshotEvery,
		},
		Dispatch: dispatch.Config{HopLimit: cfg.EventLog.HopLimit},
	}
	if cfg.EventLog.SnapshotEvery > 0 {
		agentCfg.Snapshots = store
	}
	svc := agent.NewServices(cl.Transport, store, agentCfg, log, m)
	comp := &RuntimeComponents{Services: svc}

	// 2. Business kinds
	if err := echo.Register(svc); err != nil {
		return nil, fmt.Errorf("echo: %w", err)
	}
	comp.Kinds = append(comp.Kinds, echo.Kind)

	// 3. Session router
	forwarder := session.NewForwarder(cl.Transport, session.BreakerConfig{
		MaxFailures: cfg.Session.Breaker.MaxFailures,
		Timeout:     cfg.Session.Breaker.Timeout,
		Interval:    cfg.Session.Breaker.Interval,
	}, log)
	router, err := session.NewRouter(svc, cl.Servers, forwarder, session.Config{
		FailureThreshold: cfg.Session.FailureThreshold,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("session router: %w", err)
	}
	comp.Router = router
	comp.Kinds = append(comp.Kinds, session.Kind)

	// 4. Scheduler and delivery backplane
	comp.Scheduler = scheduling.NewScheduler(log)
	opts := []delivery.Option{delivery.WithTicker(comp.Scheduler)}
	if cl.Leaser != nil {
		opts = append(opts, delivery.WithLeaser(cl.Leaser))
	}
	bp, err := delivery.New(svc, router, delivery.Config{
		Interval:    cfg.Delivery.Interval,
		BatchSize:   cfg.Delivery.BatchSize,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Backoff:     cfg.Delivery.Backoff,
		LeaseTTL:    cfg.Cluster.LeaseTTL,
	}, log, opts...)
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}
	comp.Backplane = bp
	comp.Kinds = append(comp.Kinds, delivery.Kind)

	comp.Scheduler.RegisterAction(scheduling.ActionAgentSweep, func(ctx context.Context) error {
		_, err := bp.Sweep(ctx)
		return err
	})
	if err := comp.Scheduler.AddTask(scheduling.ScheduledTask{
		Name:     "delivery-sweep",
		Schedule: "@every 5m",
		Action:   scheduling.ActionAgentSweep,
	}); err != nil {
		return nil, err
	}
	comp.Scheduler.RegisterAction(scheduling.ActionOutboxRecover, func(ctx context.Context) error {
		_, err := bp.Recover(ctx)
		return err
	})
	if err := comp.Scheduler.AddTask(scheduling.ScheduledTask{
		Name:     "delivery-recover",
		Schedule: "@every 1m",
		Action:   scheduling.ActionOutboxRecover,
	}); err != nil {
		return nil, err
	}

	// 5. Gateway
	if !cfg.Gateway.Enabled {
		return comp, nil
	}
	gw := gateway.NewServer(gatewayConfig(cfg.Gateway), cl.Transport, router, cl.Servers,
		gateway.NewStaticTokenAuth(tokenEntries(cfg.Gateway.Auth.Tokens)), m, log)
	gateway.RegisterHubHandlers(gw, hub.New(svc, bp, log))
	comp.Gateway = gw

	comp.Scheduler.RegisterAction(scheduling.ActionServerHeartbeat, gw.Heartbeat)
	ttl := cfg.Gateway.HeartbeatTTL
	if ttl <= 0 {
		ttl = gateway.DefaultHeartbeatTTL
	}
	if err := comp.Scheduler.AddTask(scheduling.ScheduledTask{
		Name:     "server-heartbeat",
		Schedule: (ttl / 3).String(),
		Action:   scheduling.ActionServerHeartbeat,
	}); err != nil {
		return nil, err
	}
	return comp, nil
}

// Run starts the scheduler, resumes delivery agents left with queued
// messages, and serves the gateway until ctx is done.
func (c *RuntimeComponents) Run(ctx context.Context) error {
	if err := c.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if _, err := c.Backplane.Recover(ctx); err != nil {
		return fmt.Errorf("recover outboxes: %w", err)
	}
	if c.Gateway == nil {
		<-ctx.Done()
		return nil
	}
	return c.Gateway.Start(ctx)
}

// Close stops the gateway first so its termination notice reaches the
// session agents, then deactivates every agent.
func (c *RuntimeComponents) Close(ctx context.Context) error {
	var errs []error
	if c.Gateway != nil {
		errs = append(errs, c.Gateway.Stop(ctx))
	}
	errs = append(errs, c.Scheduler.Stop())
	errs = append(errs, c.Services.Runtime.Close(ctx))
	return errors.Join(errs...)
}

func gatewayConfig(c config.GatewayConfig) gateway.Config {
	return gateway.Config{
		Addr:           c.Addr,
		ServerID:       c.ServerID,
		SendBuffer:     c.SendBuffer,
		RPCPerSecond:   c.RPCPerSecond,
		RPCBurst:       c.RPCBurst,
		HeartbeatTTL:   c.HeartbeatTTL,
		AllowedOrigins: c.AllowedOrigins,
		ConnectLimit: middleware.ConnectLimitConfig{
			PerMinute:      c.ConnectLimit.PerMinute,
			Burst:          c.ConnectLimit.Burst,
			TrustedProxies: c.ConnectLimit.TrustedProxies,
			IdleAfter:      c.ConnectLimit.IdleAfter,
		},
	}
}

func tokenEntries(tokens []config.TokenConfig) []gateway.TokenEntry {
	out := make([]gateway.TokenEntry, len(tokens))
	for i, t := range tokens {
		out[i] = gateway.TokenEntry{Token: t.Token, Name: t.Name, Roles: t.Roles}
	}
	return out
}
