package cart

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// LogNotifier only logs signals. It is used when no broker is configured.
type LogNotifier struct{}

// NewLogNotifier returns a LogNotifier.
func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (LogNotifier) NotifyCartClear(ctx context.Context, clientID, orderID string) error {
	zctx.From(ctx).Info("Cart clear signal",
		zap.String("client_id", clientID),
		zap.String("order_id", orderID),
	)
	return nil
}

func (LogNotifier) Close() error { return nil }
