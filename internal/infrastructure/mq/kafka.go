package mq

import (
	"fmt"

	"github.com/IBM/sarama"

	"creditledger/internal/config"
)

// Producer 账本事件投递
type Producer interface {
	SendMessage(topic, key, value string) error
	Close() error
}

// KafkaProducer 基于 sarama 同步生产者
type KafkaProducer struct {
	producer sarama.SyncProducer
}

// NewSaramaConfig 要求所有副本确认，保证 outbox 标记 SENT 前消息已落盘
func NewSaramaConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 3
	c.Producer.Return.Successes = true
	c.Producer.Partitioner = sarama.NewHashPartitioner
	return c
}

// InitKafka 创建 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig) (*KafkaProducer, error) {
	p, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaProducer(p), nil
}

func NewKafkaProducer(p sarama.SyncProducer) *KafkaProducer {
	return &KafkaProducer{producer: p}
}

func (k *KafkaProducer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	_, _, err := k.producer.SendMessage(msg)
	return err
}

func (k *KafkaProducer) Close() error {
	if k.producer == nil {
		return nil
	}
	return k.producer.Close()
}
