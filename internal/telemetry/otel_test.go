package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracer_StdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := initTracer("provider-gateway-test", "stdout", "", &buf, nil)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "gateway.request")
	span.End()
	shutdown()

	assert.Contains(t, buf.String(), "gateway.request")
	assert.Contains(t, buf.String(), "provider-gateway-test")
}

func TestInitTracer_None(t *testing.T) {
	shutdown, err := initTracer("svc", "none", "", nil, nil)
	require.NoError(t, err)
	assert.NotPanics(t, assert.PanicTestFunc(shutdown))
}

func TestInitTracer_UnknownExporter(t *testing.T) {
	_, err := initTracer("svc", "jaeger", "", nil, nil)
	assert.Error(t, err)
}
