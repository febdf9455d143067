package common

import (
	redis "github.com/redis/go-redis/v9"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/mq"
)

// NewRedisClient builds the shared redis client from config.
func NewRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// BuildQueue returns the publish side of the configured event sink.
func BuildQueue(cfg *config.Config) mq.Queue {
	switch cfg.Events.GetSink() {
	case "kafka":
		return mq.NewKafka(cfg.Events.KafkaBrokers, cfg.Events.GetKafkaTopic())
	case "redis":
		return mq.NewRedis(NewRedisClient(cfg), cfg.Events.GetRedisStream())
	default:
		return mq.NewNoop()
	}
}

// BuildSource returns the consume side of the configured event sink, or nil
// when no sink is configured.
func BuildSource(cfg *config.Config) mq.Source {
	switch cfg.Events.GetSink() {
	case "kafka":
		return mq.NewKafkaSource(cfg.Events.KafkaBrokers, cfg.Events.GetKafkaTopic(), cfg.Events.GetKafkaGroup())
	case "redis":
		return mq.NewRedisSource(NewRedisClient(cfg), cfg.Events.GetRedisStream())
	default:
		return nil
	}
}
