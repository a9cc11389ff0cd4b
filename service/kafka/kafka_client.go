package kafka

import (
	"time"

	"github.com/Shopify/sarama"
)

var (
	KafkaClient sarama.Client
	Producer    sarama.SyncProducer
)

func buildBaseConfig() *sarama.Config {
	cfg := sarama.NewConfig()

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // Key 控制分区：同一 channel 落同一分区

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

func InitKafkaClient(brokers []string) error {
	c, err := sarama.NewClient(brokers, buildBaseConfig())
	if err != nil {
		return err
	}
	KafkaClient = c
	return nil
}

func InitSyncProducerFromClient() error {
	p, err := sarama.NewSyncProducerFromClient(KafkaClient)
	if err != nil {
		return err
	}
	Producer = p
	return nil
}

func Close() {
	if Producer != nil {
		_ = Producer.Close()
	}
	if KafkaClient != nil {
		_ = KafkaClient.Close()
	}
}
