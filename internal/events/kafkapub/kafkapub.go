package kafkapub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/nper79/clothing-sub001/pkg/ledger"
)

const defaultTopic = "credit-transactions"

// TransactionMessage is the JSON value written for every recorded transaction.
type TransactionMessage struct {
	TransactionID  string          `json:"transaction_id"`
	UserID         string          `json:"user_id"`
	Delta          int64           `json:"delta"`
	Reason         string          `json:"reason"`
	Metadata       ledger.Metadata `json:"metadata"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

// Publisher implements ledger.TransactionPublisher on a sarama SyncProducer.
// Messages are keyed by user id so each user's transactions stay ordered within a partition.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducerConfig returns the producer settings used in production.
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

// Dial connects a SyncProducer to brokers.
func Dial(brokers []string, topic string) (*Publisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return New(producer, topic), nil
}

// New wraps an existing producer. An empty topic selects the default topic.
func New(producer sarama.SyncProducer, topic string) *Publisher {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = defaultTopic
	}
	return &Publisher{producer: producer, topic: topic}
}

// PublishTransaction sends transaction and waits for the broker acknowledgement.
func (publisher *Publisher) PublishTransaction(ctx context.Context, transaction ledger.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(NewTransactionMessage(transaction))
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", transaction.TransactionID, err)
	}
	message := &sarama.ProducerMessage{
		Topic: publisher.topic,
		Key:   sarama.StringEncoder(transaction.UserID.String()),
		Value: sarama.ByteEncoder(value),
	}
	if _, _, err := publisher.producer.SendMessage(message); err != nil {
		return fmt.Errorf("publish transaction %s: %w", transaction.TransactionID, err)
	}
	return nil
}

// Close shuts the producer down.
func (publisher *Publisher) Close() error {
	return publisher.producer.Close()
}

// NewTransactionMessage converts a ledger transaction into its wire form.
func NewTransactionMessage(transaction ledger.Transaction) TransactionMessage {
	metadata := transaction.Metadata
	if metadata == nil {
		metadata = ledger.Metadata{}
	}
	return TransactionMessage{
		TransactionID:  transaction.TransactionID,
		UserID:         transaction.UserID.String(),
		Delta:          transaction.Delta,
		Reason:         transaction.Reason.String(),
		Metadata:       metadata,
		IdempotencyKey: transaction.IdempotencyKey.String(),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}
