package kafka

import (
	"encoding/base64"
	"testing"

	"github.com/openloom/plugin-server/pkg/config"
)

func TestNewSaramaConfigPlaintext(t *testing.T) {
	sc, err := NewSaramaConfig(config.KafkaConfig{Hosts: "kafka:9092"})
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	if sc.Net.TLS.Enable {
		t.Fatalf("tls should stay disabled without cert material")
	}
	if !sc.Producer.Return.Successes {
		t.Fatalf("sync producer requires Return.Successes")
	}
}

func TestNewSaramaConfigRejectsBadCerts(t *testing.T) {
	garbage := base64.StdEncoding.EncodeToString([]byte("not a pem"))
	_, err := NewSaramaConfig(config.KafkaConfig{
		Hosts:            "kafka:9092",
		ClientCertB64:    garbage,
		ClientCertKeyB64: garbage,
		TrustedCertB64:   garbage,
	})
	if err == nil {
		t.Fatalf("expected error for invalid certificate material")
	}
}

func TestNewSaramaConfigRejectsBadBase64(t *testing.T) {
	_, err := NewSaramaConfig(config.KafkaConfig{
		Hosts:            "kafka:9092",
		ClientCertB64:    "%%%",
		ClientCertKeyB64: "%%%",
		TrustedCertB64:   "%%%",
	})
	if err == nil {
		t.Fatalf("expected error for invalid base64")
	}
}
