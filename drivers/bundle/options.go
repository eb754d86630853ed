// Package bundle registers the drivers shipped with coupler.
package bundle

import (
	"github.com/timzifer/coupler/drivers/kafka"
	"github.com/timzifer/coupler/drivers/mqtt"
	"github.com/timzifer/coupler/drivers/redis"
	"github.com/timzifer/coupler/drivers/simulated"
	"github.com/timzifer/coupler/service"
)

// Options returns service options that register every bundled driver.
func Options() []service.Option {
	return []service.Option{
		WithSimulated(),
		WithMQTT(),
		WithRedis(),
		WithKafka(),
	}
}

// WithSimulated registers the in-memory device driver in polling mode.
func WithSimulated() service.Option {
	return service.WithDriver(simulated.Descriptor(false), simulated.NewFactory())
}

// WithMQTT registers the MQTT driver.
func WithMQTT(opts ...mqtt.Option) service.Option {
	return service.WithDriver(mqtt.Descriptor(), mqtt.NewFactory(opts...))
}

// WithRedis registers the Redis stream driver.
func WithRedis(opts ...redis.Option) service.Option {
	return service.WithDriver(redis.Descriptor(), redis.NewFactory(opts...))
}

// WithKafka registers the Kafka driver.
func WithKafka(opts ...kafka.Option) service.Option {
	return service.WithDriver(kafka.Descriptor(), kafka.NewFactory(opts...))
}
