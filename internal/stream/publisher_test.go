package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "orders.cdc.3", Subject("orders.cdc", "3"))
}

func TestPartitionForIsStablePerDocument(t *testing.T) {
	p := &Publisher{prefix: "orders.cdc", partitions: []string{"0", "1", "2", "3"}}

	insert := []byte(`{"operationType":"insert","documentKey":{"_id":"abc"},"timestamp":1}`)
	update := []byte(`{"operationType":"update","documentKey":{"_id":"abc"},"timestamp":2}`)
	assert.Equal(t, p.PartitionFor(insert), p.PartitionFor(update))
	assert.Contains(t, p.partitions, p.PartitionFor([]byte("not json")))
}

func TestDurableName(t *testing.T) {
	cfg := JetStreamConfig{Group: "orders.etl group", Partition: "0"}
	assert.Equal(t, "orders_etl_group-0", cfg.Durable())
}
