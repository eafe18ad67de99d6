package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExporter_Lifecycle(t *testing.T) {
	e := NewExporter(0, zap.NewNop()) // 端口 0 由内核分配
	require.NoError(t, e.Start())
	defer e.Shutdown(context.Background())

	addr := e.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, body, "/metrics 应输出 Prometheus 文本格式")
}

func TestExporter_DoubleStart(t *testing.T) {
	e := NewExporter(0, zap.NewNop())
	require.NoError(t, e.Start())
	defer e.Shutdown(context.Background())

	assert.Error(t, e.Start(), "重复启动应报错")
}

func TestExporter_ShutdownIdempotent(t *testing.T) {
	e := NewExporter(0, zap.NewNop())
	require.NoError(t, e.Start())

	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))
	assert.Error(t, e.Start(), "关闭后不可再启动")
}
