package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xhttp "SaleOracle/pkg/http"
	applogger "SaleOracle/pkg/logger"
)

func TestRunClosesResourcesInReverseOrder(t *testing.T) {
	log := applogger.Nop()
	srv := xhttp.NewServer(log, nil, xhttp.WithHost("127.0.0.1"), xhttp.WithPort(0))
	app := New(log, srv, nil, time.Second)

	var order []string
	app.AddResource("clickhouse", func() error { order = append(order, "clickhouse"); return nil })
	app.AddResource("kafka-producer", func() error { order = append(order, "kafka-producer"); return errors.New("already closed") })
	app.AddResource("redis", func() error { order = append(order, "redis"); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Equal(t, []string{"redis", "kafka-producer", "clickhouse"}, order)
}
