package gen

import (
	"fmt"

	"vpnhub/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gen", fx.Provide(NewNode))

// NewNode returns the id generator for this process. NODE_ID must be unique
// per running replica.
func NewNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", cfg.NodeID, err)
	}
	zap.L().Info("snowflake node ready", zap.Int64("node_id", cfg.NodeID))
	return node, nil
}
