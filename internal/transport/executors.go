package transport

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

var log = slog.Default()

// Executors below are the queue's command objects. Each performs one remote
// mutation against the permanent id the queue passes in. With SkipPermanent
// set, a 4xx response is logged and treated as done so the queue stops
// retrying a request the service will never accept.

// UpdateFields sends the operation payload as a partial update. It serves
// every single-field kind as well as bulk updates.
type UpdateFields struct {
	Client        *Client
	SkipPermanent bool
}

func (u UpdateFields) Execute(ctx context.Context, target types.EntityID, payload types.Payload) error {
	_, err := u.Client.UpdateFields(ctx, target, payload)
	return settle(err, u.SkipPermanent, "update", target)
}

// Delete removes the entry.
type Delete struct {
	Client        *Client
	SkipPermanent bool
}

func (d Delete) Execute(ctx context.Context, target types.EntityID, _ types.Payload) error {
	return settle(d.Client.Delete(ctx, target), d.SkipPermanent, "delete", target)
}

// StopTimer stops the entry's running timer.
type StopTimer struct {
	Client        *Client
	SkipPermanent bool
}

func (s StopTimer) Execute(ctx context.Context, target types.EntityID, _ types.Payload) error {
	_, err := s.Client.StopTimer(ctx, target)
	return settle(err, s.SkipPermanent, "stop", target)
}

// ForKind returns the executor for kind.
func ForKind(c *Client, kind types.Kind, skipPermanent bool) types.Executor {
	switch kind {
	case types.KindDelete:
		return Delete{Client: c, SkipPermanent: skipPermanent}
	case types.KindStopTimer:
		return StopTimer{Client: c, SkipPermanent: skipPermanent}
	default:
		return UpdateFields{Client: c, SkipPermanent: skipPermanent}
	}
}

func settle(err error, skipPermanent bool, action string, target types.EntityID) error {
	if err == nil {
		return nil
	}
	if skipPermanent && IsPermanent(err) {
		log.Warn("Skipping rejected remote mutation", "action", action, "target", target, "error", err)
		return nil
	}
	return err
}
