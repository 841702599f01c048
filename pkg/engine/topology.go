package engine

import (
	"time"

	"github.com/pkg/errors"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/ericogr/amqp-engine/pkg/amqp"
)

const (
	// MaxReplyPayloadSize is the largest body of a single reply message.
	MaxReplyPayloadSize = 32768
	// MultipartIncomplete is the content type of every reply chunk except
	// the last one.
	MultipartIncomplete = "multipart/incomplete"
	// autoDeleteExpiry is the x-expires set on auto-delete queues.
	autoDeleteExpiry = 5 * time.Minute
)

// setupTopology queues qos, exchange and queue declarations on ch. Binds and
// consumers follow from each queue's declare-ok.
func (e *Engine) setupTopology(ch *amqp.Channel) error {
	if e.cfg.Prefetch > 0 {
		if err := ch.SetQos(e.cfg.Prefetch); err != nil {
			return errors.Wrap(err, "basic.qos")
		}
	}
	for _, x := range e.exchanges {
		flags := amqp.ExchangeFlags{Durable: x.Durable, AutoDelete: x.AutoDelete, Internal: x.Internal}
		err := ch.DeclareExchange(x.Name, x.Type, flags, nil, func() {
			e.log.Debug().Str("exchange", x.Name).Str("type", x.Type).Msg("exchange declared")
		})
		if err != nil {
			return errors.Wrapf(err, "declare exchange %q", x.Name)
		}
	}
	for _, q := range e.queues {
		flags := amqp.QueueFlags{Durable: q.Durable, AutoDelete: q.AutoDelete}
		err := ch.DeclareQueue(q.Name, flags, queueArgs(q), func(name string, messages, consumers uint32) {
			e.log.Info().Str("queue", name).Uint32("messages", messages).Uint32("consumers", consumers).Msg("queue declared")
			if q.Binding != nil {
				if err := ch.BindQueue(name, q.Binding.Exchange, q.Binding.RoutingKey, nil, nil); err != nil {
					e.fail(errors.Wrapf(err, "bind queue %q", name))
					return
				}
			}
			if _, err := ch.Consume(name, e.dispatcher(ch, q)); err != nil {
				e.fail(errors.Wrapf(err, "consume %q", name))
			}
		})
		if err != nil {
			return errors.Wrapf(err, "declare queue %q", q.Name)
		}
	}
	return nil
}

func queueArgs(q QueueConfig) amqp091.Table {
	args := amqp091.Table{}
	if q.TTL > 0 {
		args["x-message-ttl"] = min(int64(q.TTL), MaxMessageTTL)
	}
	if q.AutoDelete {
		args["x-expires"] = int32(autoDeleteExpiry / time.Millisecond)
	}
	return args
}

// dispatcher hands each delivery on q to its handler together with a
// ReplyFunc bound to ch.
func (e *Engine) dispatcher(ch *amqp.Channel, q QueueConfig) func(amqp.Delivery) {
	return func(d amqp.Delivery) {
		e.log.Debug().Str("queue", q.Name).Uint64("delivery_tag", d.DeliveryTag).Bool("redelivered", d.Redelivered).
			Int("size", len(d.Body)).Msg("delivery")
		if q.Handler == nil {
			e.log.Warn().Str("queue", q.Name).Uint64("delivery_tag", d.DeliveryTag).Msg("no handler, acknowledging without reply")
			if err := ch.Ack(d.DeliveryTag, false); err != nil {
				e.fail(errors.Wrap(err, "ack"))
			}
			return
		}
		q.Handler(d.Body, e.replier(ch, q.Name, d))
	}
}

func (e *Engine) replier(ch *amqp.Channel, queue string, d amqp.Delivery) ReplyFunc {
	done := false
	return func(result []byte) {
		log := e.log.With().Str("queue", queue).Uint64("delivery_tag", d.DeliveryTag).
			Str("correlation_id", d.CorrelationId()).Logger()
		if done {
			log.Warn().Msg("reply called more than once, ignoring")
			return
		}
		done = true
		if !ch.Usable() {
			log.Warn().Err(ErrChannelClosed).Int("size", len(result)).Msg("dropping reply for delivery from a previous connection")
			return
		}
		if err := e.reply(ch, d, result); err != nil {
			e.fail(errors.Wrapf(err, "reply to delivery %d", d.DeliveryTag))
		}
	}
}

// reply publishes result to the delivery's reply-to queue in chunks and then
// acknowledges the delivery.
func (e *Engine) reply(ch *amqp.Channel, d amqp.Delivery, result []byte) error {
	chunks := splitReply(result)
	if d.ReplyTo() == "" && len(chunks) > 0 {
		e.log.Warn().Uint64("delivery_tag", d.DeliveryTag).Int("size", len(result)).Msg("delivery has no reply-to, discarding reply")
		chunks = nil
	}
	for i, chunk := range chunks {
		props := amqp.BasicProperties{CorrelationId: d.CorrelationId()}
		if i < len(chunks)-1 {
			props.ContentType = MultipartIncomplete
		}
		if err := ch.Publish("", d.ReplyTo(), props, chunk, false); err != nil {
			return errors.Wrapf(err, "publish chunk %d/%d", i+1, len(chunks))
		}
	}
	return ch.Ack(d.DeliveryTag, false)
}

// splitReply cuts p into MaxReplyPayloadSize pieces. An empty p yields no
// pieces.
func splitReply(p []byte) [][]byte {
	var chunks [][]byte
	for len(p) > MaxReplyPayloadSize {
		chunks = append(chunks, p[:MaxReplyPayloadSize])
		p = p[MaxReplyPayloadSize:]
	}
	if len(p) > 0 {
		chunks = append(chunks, p)
	}
	return chunks
}
