package sink

import (
	"net"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

type (
	RabbitDestination struct {
		Config
		conn    *amqp.Connection
		channel *amqp.Channel
	}
)

const rabbitExchange = "soar.updates"

func NewRabbitSink(opts ...Option) (*Sink, error) {
	r := &RabbitDestination{}
	r.setupConfig(opts)
	if err := r.connect(); nil != err {
		log.Error().Err(err).Msg("Unable to setup rabbitmq sink")
		return nil, err
	}
	return NewSink(&r.Config, r), nil
}

func (r *RabbitDestination) connect() error {
	var err error
	amqpUrl := "amqp://" + r.user + ":" + r.pass + "@" + net.JoinHostPort(r.host, r.port) + "/" + r.vhost
	if r.conn, err = amqp.Dial(amqpUrl); nil != err {
		return err
	}
	if r.channel, err = r.conn.Channel(); nil != err {
		return err
	}
	// topic exchange, routing key = subject
	return r.channel.ExchangeDeclare(rabbitExchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

func (r *RabbitDestination) PublishJson(subject string, msg []byte) error {
	return r.channel.Publish(rabbitExchange, subject, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        msg,
	})
}

func (r *RabbitDestination) Stop() {
	_ = r.channel.Close()
	_ = r.conn.Close()
}

func (r *RabbitDestination) HealthCheck() bool {
	return nil != r.conn && !r.conn.IsClosed()
}

func (r *RabbitDestination) HealthCheckName() string {
	return "rabbitmq"
}
