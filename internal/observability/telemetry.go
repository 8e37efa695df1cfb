package observability

import (
	"context"
	"time"

	"github.com/annel0/cellgrid/internal/config"
	"github.com/annel0/cellgrid/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Shutdown сбрасывает накопленные спаны и останавливает провайдер
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init настраивает OTLP экспортер и глобальный TracerProvider.
// При выключенной телеметрии спаны создаются no-op провайдером по умолчанию.
func Init(ctx context.Context, cfg config.TelemetryConfig, serverID string) (Shutdown, error) {
	if !cfg.Enabled {
		return noop, nil
	}

	// OTLP HTTP экспортер (по умолчанию localhost:4318, OTEL_EXPORTER_OTLP_ENDPOINT)
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("cellgrid.server_id", serverID),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logging.Info("📡 OpenTelemetry инициализирован (service=%s, instance=%s)", cfg.ServiceName, serverID)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}
