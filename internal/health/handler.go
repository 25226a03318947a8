package health

import (
	"context"
	"errors"

	"github.com/mcpnexus/nexus/internal/repository"
	"github.com/mcpnexus/nexus/internal/workqueue"
)

// ProbePayload is the task payload for an asynchronous health probe.
type ProbePayload struct {
	ServerID  string `json:"server_id"`
	CheckType string `json:"check_type"`
}

// RegisterHandler binds the health probe task kind on the processor. Each
// probe is an independent unit of work: a slow server delays nobody else.
func (a *Aggregator) RegisterHandler(p *workqueue.Processor) {
	p.Register(workqueue.KindHealthProbe, func(ctx context.Context, task *workqueue.Task) error {
		var payload ProbePayload
		if err := workqueue.DecodePayload(task, &payload); err != nil {
			return err
		}
		if payload.CheckType == "" {
			payload.CheckType = CheckTypeScheduled
		}

		// Registration probes set the initial active flag and status
		// message instead of going through transition handling.
		if payload.CheckType == CheckTypeInitial {
			err := a.Initiate(ctx, payload.ServerID)
			if errors.Is(err, repository.ErrNotFound) {
				a.logger.Warn("server not found for initial check", "server_id", payload.ServerID)
				return nil
			}
			return err
		}

		server, err := a.servers.GetByID(payload.ServerID)
		if errors.Is(err, repository.ErrNotFound) {
			// Server was deleted between scheduling and execution.
			a.logger.Warn("server not found for health check", "server_id", payload.ServerID)
			return nil
		}
		if err != nil {
			return err
		}

		_, err = a.CheckServer(ctx, server, payload.CheckType)
		return err
	})
}
