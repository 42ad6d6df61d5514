package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"custcat-prediction-api/config"
	"custcat-prediction-api/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// PredictionEvent is the message broadcast for every persisted prediction.
type PredictionEvent struct {
	Type       string          `json:"type"`
	ID         uint64          `json:"id"`
	Prediction int             `json:"prediction"`
	Features   models.Features `json:"features"`
	CreatedAt  time.Time       `json:"created_at"`
}

func NewPredictionEvent(p *models.Prediction) PredictionEvent {
	return PredictionEvent{
		Type:       "prediction_created",
		ID:         p.ID,
		Prediction: p.Prediction,
		Features:   p.Features,
		CreatedAt:  p.CreatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev PredictionEvent) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, PredictionEvent) error { return nil }

// RedisPublisher sends events to a Redis pub/sub channel.
type RedisPublisher struct {
	cache   *CacheService
	channel string
	metrics *Metrics
}

func NewRedisPublisher(cache *CacheService, channel string, metrics *Metrics) *RedisPublisher {
	return &RedisPublisher{cache: cache, channel: channel, metrics: metrics}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev PredictionEvent) error {
	if !p.cache.Available() {
		return nil
	}
	err := p.cache.Publish(ctx, p.channel, ev)
	countPublish(p.metrics, "redis", err)
	return err
}

// mqttClient is the subset of mqtt.Client used for publishing.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type MQTTPublisher struct {
	client  mqttClient
	topic   string
	timeout time.Duration
	metrics *Metrics
}

// NewMQTTPublisher connects to the broker at cfg.URL.
func NewMQTTPublisher(cfg config.MQTTConfig, metrics *Metrics, logger *zap.Logger) (*MQTTPublisher, func(), error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID + "-" + time.Now().Format("20060102150405"))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.URL), zap.String("topic", cfg.Topic))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, nil, fmt.Errorf("mqtt connect to %s timed out", cfg.URL)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt connect: %w", err)
	}
	closer := func() { client.Disconnect(250) }
	return newMQTTPublisher(client, cfg.Topic, metrics), closer, nil
}

func newMQTTPublisher(client mqttClient, topic string, metrics *Metrics) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic, timeout: 5 * time.Second, metrics: metrics}
}

func (p *MQTTPublisher) Publish(ctx context.Context, ev PredictionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.topic, 1, false, payload)
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-token.Done():
		err = token.Error()
	case <-time.After(p.timeout):
		err = errors.New("mqtt publish timed out")
	}
	countPublish(p.metrics, "mqtt", err)
	return err
}

// MultiPublisher fans an event out to every sink and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, ev PredictionEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func countPublish(m *Metrics, sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(sink, result).Inc()
}
