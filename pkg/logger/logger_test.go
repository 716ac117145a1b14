package logger

import (
	"testing"

	"vpnhub/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewReplacesGlobals(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	cfg := &config.Config{AppEnv: "production", AppName: "vpnhub"}
	log := New(ConfigParams{Cfg: cfg})

	require.NotNil(t, log)
	require.Same(t, log, zap.L())
}
