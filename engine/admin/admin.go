// Package admin distributes administrative commands (index rebuild, cache
// clear) across serving replicas over NATS, and watches the document
// directory to trigger rebuilds when documents change.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vcetai/vcet-assist/engine/rag"
	"github.com/vcetai/vcet-assist/pkg/natsutil"
)

// Subjects.
const (
	SubjectCommands = "vcet.admin.commands"
	SubjectStatus   = "vcet.admin.status"
)

// Op is an administrative operation.
type Op string

const (
	OpRebuild    Op = "rebuild"
	OpClearCache Op = "clear-cache"
)

// ErrUnknownOp is returned for an Op this package does not implement.
var ErrUnknownOp = errors.New("admin: unknown op")

// Command is the message broadcast to every replica.
type Command struct {
	Op       Op        `json:"op"`
	Origin   string    `json:"origin"`
	IssuedAt time.Time `json:"issued_at"`
}

// Status is a replica's reply on SubjectStatus.
type Status struct {
	Node   string     `json:"node"`
	Health rag.Health `json:"health"`
}

// Controller is the local side a command acts on. *rag.Service satisfies it.
type Controller interface {
	Rebuild(ctx context.Context) error
	ClearCache()
	Health() rag.Health
}

// Apply runs op against ctrl.
func Apply(ctx context.Context, ctrl Controller, op Op) error {
	switch op {
	case OpRebuild:
		return ctrl.Rebuild(ctx)
	case OpClearCache:
		ctrl.ClearCache()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
}

// Bus connects a replica to the command subject. A nil *Bus is valid and
// only applies commands locally.
type Bus struct {
	nc             *nats.Conn
	node           string
	ctrl           Controller
	logger         *slog.Logger
	rebuildTimeout time.Duration
	subs           []*nats.Subscription
}

// NewBus creates a Bus for the replica named node. Call Start to receive commands.
func NewBus(nc *nats.Conn, node string, ctrl Controller, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{nc: nc, node: node, ctrl: ctrl, logger: logger, rebuildTimeout: 10 * time.Minute}
}

// Node returns the replica name.
func (b *Bus) Node() string { return b.node }

// Start subscribes to commands and status requests.
func (b *Bus) Start() error {
	cmds, err := natsutil.Subscribe(b.nc, SubjectCommands, b.logger, b.receive)
	if err != nil {
		return fmt.Errorf("admin: subscribe: %w", err)
	}
	status, err := natsutil.Handle(b.nc, SubjectStatus, b.logger, func(context.Context, struct{}) Status {
		return Status{Node: b.node, Health: b.ctrl.Health()}
	})
	if err != nil {
		cmds.Unsubscribe()
		return fmt.Errorf("admin: subscribe: %w", err)
	}
	b.subs = []*nats.Subscription{cmds, status}
	return b.nc.Flush()
}

func (b *Bus) receive(ctx context.Context, cmd Command) {
	if cmd.Origin == b.node {
		return
	}
	log := b.logger.With("op", cmd.Op, "origin", cmd.Origin)
	ctx, cancel := context.WithTimeout(ctx, b.rebuildTimeout)
	defer cancel()
	if err := Apply(ctx, b.ctrl, cmd.Op); err != nil {
		log.Error("admin command failed", "err", err)
		return
	}
	log.Info("admin command applied")
}

// Dispatch applies op locally, then broadcasts it to the other replicas.
// The broadcast is skipped when the local apply fails.
func (b *Bus) Dispatch(ctx context.Context, ctrl Controller, op Op) error {
	if err := Apply(ctx, ctrl, op); err != nil {
		return err
	}
	if b == nil {
		return nil
	}
	return b.Broadcast(ctx, op)
}

// Broadcast publishes op to every replica except this one.
func (b *Bus) Broadcast(ctx context.Context, op Op) error {
	cmd := Command{Op: op, Origin: b.node, IssuedAt: time.Now().UTC()}
	if err := natsutil.Publish(ctx, b.nc, SubjectCommands, cmd); err != nil {
		return fmt.Errorf("admin: broadcast %s: %w", op, err)
	}
	return nil
}

// Close drops the subscriptions.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, s := range b.subs {
		errs = append(errs, s.Unsubscribe())
	}
	b.subs = nil
	return errors.Join(errs...)
}

// Send publishes a command from a process that is not a replica, such as the CLI.
func Send(ctx context.Context, nc *nats.Conn, origin string, op Op) error {
	cmd := Command{Op: op, Origin: origin, IssuedAt: time.Now().UTC()}
	if err := natsutil.Publish(ctx, nc, SubjectCommands, cmd); err != nil {
		return fmt.Errorf("admin: send %s: %w", op, err)
	}
	return nc.Flush()
}

// QueryStatus asks any one replica for its health.
func QueryStatus(ctx context.Context, nc *nats.Conn) (Status, error) {
	st, err := natsutil.Request[struct{}, Status](ctx, nc, SubjectStatus, struct{}{})
	if err != nil {
		return Status{}, fmt.Errorf("admin: status: %w", err)
	}
	return st, nil
}
