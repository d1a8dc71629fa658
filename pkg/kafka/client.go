package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/openloom/plugin-server/pkg/config"
)

const clientID = "plugin-server"

// NewSaramaConfig builds the shared broker configuration: TLS from the
// base64-encoded certificate material and sane producer/consumer defaults.
func NewSaramaConfig(cfg config.KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = clientID
	sc.Version = sarama.V2_6_0_0

	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll

	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRange(),
	}

	if cfg.TLSConfigured() {
		tlsConfig, err := tlsFromBase64(cfg.ClientCertB64, cfg.ClientCertKeyB64, cfg.TrustedCertB64)
		if err != nil {
			return nil, err
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsConfig
	}

	return sc, nil
}

func tlsFromBase64(certB64, keyB64, caB64 string) (*tls.Config, error) {
	certPEM, err := base64.StdEncoding.DecodeString(certB64)
	if err != nil {
		return nil, fmt.Errorf("decoding client cert: %w", err)
	}
	keyPEM, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding client key: %w", err)
	}
	caPEM, err := base64.StdEncoding.DecodeString(caB64)
	if err != nil {
		return nil, fmt.Errorf("decoding trusted cert: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid client certificate data: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no certificates found in trusted cert data")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
	}, nil
}

// NewConsumerGroup joins the configured consumer group against the broker list.
func NewConsumerGroup(cfg config.KafkaConfig) (sarama.ConsumerGroup, error) {
	sc, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(cfg.HostList(), cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("joining consumer group %q: %w", cfg.GroupID, err)
	}
	return group, nil
}
