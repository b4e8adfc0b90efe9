package server

import (
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/habitat-network/skyfeed/internal/server"

type serverMetrics struct {
	logins       metric.Int64Counter
	feedRequests metric.Int64Counter
}

func newServerMetrics() *serverMetrics {
	meter := otel.Meter(meterName)
	return &serverMetrics{
		logins: counter(meter, "skyfeed.logins", "Authorization flows started, by result"),
		feedRequests: counter(
			meter,
			"skyfeed.feed.requests",
			"Feed pages served, by whether the reader was signed in",
		),
	}
}

func counter(meter metric.Meter, name string, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit("{request}"))
	if err != nil {
		log.Err(err).Str("name", name).Msg("unable to create counter")
		return noop.Int64Counter{}
	}
	return c
}
