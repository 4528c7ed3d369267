package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{})
	require.NoError(t, err)
	_, span := Tracer().Start(context.Background(), "noop")
	require.False(t, span.SpanContext().IsValid())
	End(span, nil)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitEnabledExportsSpans(t *testing.T) {
	var out bytes.Buffer
	shutdown, err := Init(context.Background(), Options{Enabled: true, ServiceName: "circles-test", Writer: &out})
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "tool.action")
	require.True(t, span.SpanContext().IsValid())
	End(span, errors.New("boom"))

	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, out.String(), "tool.action")

	_, err = Init(context.Background(), Options{})
	require.NoError(t, err)
}
