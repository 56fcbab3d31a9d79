package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSetup_Stdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), "stdout", "graphforge-test", &buf)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "job.submit", attribute.String("job.id", "j-1"))
	End(span, errors.New("boom"))
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "job.submit")
	assert.Contains(t, out, "j-1")
	assert.Contains(t, out, "boom")
}

func TestSetup_None(t *testing.T) {
	shutdown, err := Setup(context.Background(), "", "x", nil)
	require.NoError(t, err)
	_, span := StartSpan(context.Background(), "noop")
	End(span, nil)
	assert.False(t, span.SpanContext().IsValid())
	require.NoError(t, shutdown(context.Background()))
}

func TestSetup_Unknown(t *testing.T) {
	_, err := Setup(context.Background(), "carrier", "x", nil)
	assert.Error(t, err)
}
