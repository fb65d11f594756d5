package orchestrator

import (
	"context"
	"time"

	"github.com/BaSui01/queenbee/agent"
	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/types"
	"go.uber.org/zap"
)

// ExecutorKinds are the task kinds the Queen sends to its executor.
var ExecutorKinds = []string{
	string(decision.KindLiquidityRebalance),
	string(decision.KindRewardAdjustment),
	string(decision.KindCampaignAllocation),
	string(decision.KindBridgeTransfer),
}

// NewExecutorBee returns the default executor. It validates and records the
// action; settling it on chain is left to a bee that replaces this one under
// the same name.
func NewExecutorBee(name string, now func() time.Time, logger *zap.Logger) *agent.FuncBee {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	logger = logger.With(zap.String("component", "executor"))
	return agent.NewFuncBee(name, func(ctx context.Context, task agent.Task) (map[string]any, error) {
		action, _ := task.Input["action"].(string)
		amount, _ := task.Input["amount"].(float64)
		if action == "" || amount <= 0 {
			return nil, types.Errorf(types.ErrInvalidRequest, "task %s has no executable action", task.ID)
		}
		logger.Info("executing action",
			zap.String("proposal_id", task.ID),
			zap.String("kind", task.Kind),
			zap.String("action", action),
			zap.Float64("amount", amount),
		)
		return map[string]any{
			"proposal_id": task.ID,
			"action":      action,
			"amount":      amount,
			"executed_at": now().UTC(),
		}, nil
	}, ExecutorKinds...)
}
