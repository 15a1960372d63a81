package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

func TestNewDisabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)

	tel.RecordJob(context.Background(), types.JobTypePortScan, types.JobStatusCompleted, time.Second)
	tel.RecordAssets(context.Background(), types.AssetTypeDomain, 3)
	tel.RecordPortsScanned(context.Background(), types.ProtocolTCP, 21)
	assert.NoError(t, tel.Close())
}

func TestNewUnsupportedExporter(t *testing.T) {
	_, err := New(context.Background(), config.TelemetryConfig{
		Enabled:      true,
		ServiceName:  "easm",
		ExporterType: "zipkin",
		SampleRate:   1,
	})
	assert.ErrorContains(t, err, "unsupported exporter type")
}

func TestInstruments(t *testing.T) {
	tel, err := newInstruments(noop.NewMeterProvider().Meter("easm"))
	require.NoError(t, err)

	ctx := context.Background()
	tel.RecordJob(ctx, types.JobTypeDNSEnum, types.JobStatusFailed, 250*time.Millisecond)
	tel.RecordAssets(ctx, types.AssetTypeIPAddress, 0)
	tel.RecordAssets(ctx, types.AssetTypeIPAddress, 2)
	tel.RecordPortsScanned(ctx, types.ProtocolUDP, 19)
	assert.NoError(t, tel.Close())
}
