package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowbridge-io/flowbridge/pkg/bridge"
	"github.com/flowbridge-io/flowbridge/pkg/eventbus"
)

// Runner wires the connection manager to the bus, logs every bridge
// event and blocks until the process is signaled.
type Runner struct {
	manager   *bridge.ConnectionManager
	bus       *eventbus.WatermillBus
	workflows []string
	logger    *slog.Logger
}

func NewRunner(
	manager *bridge.ConnectionManager,
	bus *eventbus.WatermillBus,
	workflows []string,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		manager:   manager,
		bus:       bus,
		workflows: workflows,
		logger:    logger.With("module", "runner"),
	}
}

func (r *Runner) Run(ctx context.Context) error {
	r.bus.HandleAll(r.logEvent)

	if err := r.bus.Subscribe(ctx); err != nil {
		return err
	}

	if err := r.manager.Start(ctx); err != nil {
		if errors.Is(err, bridge.ErrAuthentication) {
			return err
		}

		// A failed dial keeps reconnecting in the background.
		r.logger.WarnContext(ctx, "Initial connection failed, retrying", "error", err)
	}

	for _, workflowID := range r.workflows {
		if err := r.manager.SubscribeToWorkflow(workflowID); err != nil {
			r.logger.WarnContext(ctx, "Workflow subscription deferred until connect",
				"workflow_id", workflowID, "error", err)
		}
	}

	r.logger.InfoContext(ctx, "FlowBridge started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	r.logger.InfoContext(ctx, "Shutting down FlowBridge...")

	r.manager.Stop()

	return r.bus.Close()
}

func (r *Runner) logEvent(ctx context.Context, event eventbus.Event) error {
	switch ev := event.(type) {
	case *bridge.AlertRaised:
		r.logger.WarnContext(ctx, "Alert",
			"alert_type", string(ev.Alert.Type),
			"severity", string(ev.Alert.Severity),
			"execution_id", ev.Alert.ExecutionID,
			"message", ev.Alert.Message,
		)
	case *bridge.HealthChecked:
		r.logger.InfoContext(ctx, "Health check",
			"status", string(ev.Health.Status), "score", ev.Health.Score)
	case *bridge.ProgressTick:
		r.logger.DebugContext(ctx, "Progress",
			"execution_id", ev.Progress.ExecutionID,
			"progress", ev.Progress.OverallProgress,
			"estimated_duration", ev.Progress.EstimatedDuration,
		)
	default:
		r.logger.InfoContext(ctx, "Bridge event", "event_type", string(event.GetType()))
	}

	return nil
}
