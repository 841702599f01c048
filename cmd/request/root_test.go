package main

import (
	"context"
	"strings"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectReassemblesParts(t *testing.T) {
	msgs := make(chan amqp091.Delivery, 4)
	msgs <- amqp091.Delivery{CorrelationId: "1", ContentType: multipartIncomplete, Body: []byte("hel")}
	msgs <- amqp091.Delivery{CorrelationId: "other", Body: []byte("xx")}
	msgs <- amqp091.Delivery{CorrelationId: "1", ContentType: multipartIncomplete, Body: []byte("lo ")}
	msgs <- amqp091.Delivery{CorrelationId: "1", Body: []byte("world")}

	out, parts, err := collect(context.Background(), msgs, "1", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 3, parts)
	assert.Equal(t, "hello world", string(out))
}

func TestCollectTimeout(t *testing.T) {
	msgs := make(chan amqp091.Delivery, 1)
	msgs <- amqp091.Delivery{CorrelationId: "1", ContentType: multipartIncomplete, Body: []byte("part")}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, parts, err := collect(ctx, msgs, "1", zerolog.Nop())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, parts)
	assert.Equal(t, "part", string(out))
}

func TestCollectClosedChannel(t *testing.T) {
	msgs := make(chan amqp091.Delivery)
	close(msgs)
	_, _, err := collect(context.Background(), msgs, "1", zerolog.Nop())
	assert.ErrorContains(t, err, "closed")
}

func TestRequestBody(t *testing.T) {
	fileFlag, bodyFlag = "", "inline"
	b, err := requestBody(nil)
	require.NoError(t, err)
	assert.Equal(t, "inline", string(b))

	fileFlag = "-"
	b, err = requestBody(strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", string(b))
	fileFlag = ""
}
