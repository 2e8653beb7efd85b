package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupInstallsRecordingProvider(t *testing.T) {
	shutdown := Setup("focusing-manager", "test")
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	_, span := otel.Tracer("tracing-test").Start(context.Background(), "op")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid(), "spans must carry real trace contexts")
	assert.True(t, span.IsRecording())
}
