package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrar/internal/platform/config"
)

func TestNew_NoBrokersDisablesKafka(t *testing.T) {
	p, err := New(config.Kafka{Topic: "registrar.audit"})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestNew_BuildsClientWithoutDialing(t *testing.T) {
	p, err := New(config.Kafka{Brokers: "localhost:19092, localhost:19093", Topic: "registrar.audit", ClientID: "test"})
	require.NoError(t, err)
	require.NotNil(t, p)
	p.Close()
}

func TestClientOptions(t *testing.T) {
	bare := clientOptions(config.Kafka{Brokers: "a:9092"})
	full := clientOptions(config.Kafka{Brokers: "a:9092", Topic: "t", ClientID: "c"})
	assert.Len(t, full, len(bare)+2)
}
