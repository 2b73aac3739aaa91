package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/models"
)

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes the rider device's position keyed by ride id.
type KafkaProducer struct {
	writer messageWriter
	userID string
}

func NewKafkaProducer(brokers []string, topic, userID string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, userID: userID}
}

// LocationEvent is the record published per device sample.
type LocationEvent struct {
	RideID    string       `json:"rideId"`
	UserID    string       `json:"userId,omitempty"`
	Location  models.Coord `json:"location"`
	Timestamp time.Time    `json:"timestamp"`
}

// PushLocation satisfies the same contract as the REST location upload.
func (k *KafkaProducer) PushLocation(ctx context.Context, rideID string, loc models.Coord) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(LocationEvent{RideID: rideID, UserID: k.userID, Location: loc, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(rideID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
