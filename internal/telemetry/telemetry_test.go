package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetup_WritesSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Setup(true, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "provision.Submit")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "provision.Submit")
}

func TestSetup_Disabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	otel.SetTracerProvider(noop.NewTracerProvider())
	shutdown, err := Setup(false, nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	_, ok := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, ok)
}
