package server

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IntelliDetect/pkg/cache"
	"IntelliDetect/pkg/config"
	"IntelliDetect/pkg/logger"
)

func TestStartShutdownWithoutOptionalParts(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	var buf bytes.Buffer
	mc := cache.NewMemoryCache()
	require.NoError(t, mc.Set(context.Background(), "k", 1, 0))

	app := New(cfg, logger.NewWriter(&buf), nil, nil, nil, nil, nil, nil, nil, nil, nil, mc)
	require.NoError(t, app.Start())
	require.NoError(t, app.Shutdown(context.Background()))

	assert.Equal(t, 0, mc.Len())
	assert.Contains(t, buf.String(), "intellidetect started")
	assert.Contains(t, buf.String(), "shutdown complete")
	assert.Equal(t, cfg.Server.ShutdownTimeout, app.shutdownTimeout())
}
