package invocation

import (
	"context"

	"github.com/voicefleet/mcpfleet/internal/config"
	"github.com/voicefleet/mcpfleet/internal/fleet/rpcpool"
)

// PoolAdapter adapts a concrete *rpcpool.Pool to ClientGetter, mirroring
// catalog.PoolAdapter: Pool.GetClient returns *rpcpool.Client, which
// satisfies Caller structurally but not by exact return type.
type PoolAdapter struct{ Pool *rpcpool.Pool }

func (a PoolAdapter) GetClient(ctx context.Context, def config.ServerDefinition, onNotif rpcpool.NotificationHandler) (Caller, error) {
	return a.Pool.GetClient(ctx, def, onNotif)
}
