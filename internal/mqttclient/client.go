// Package mqttclient implements the managed MQTT broker connection: a
// single Paho client with a lock-free handler registry keyed by topic
// filter (not exact topic, since filters may carry '+'/'#' wildcards) and
// automatic reconnect with re-subscription.
package mqttclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"
	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/ports"
	"github.com/ibs-source/adam-logger/internal/topics"
)

// Client implements ports.MQTTClient using Paho, with a copy-on-write
// handler registry so message dispatch never blocks on a subscribe or
// unsubscribe in flight.
type Client struct {
	client mqttlib.Client
	cfg    *config.MQTTConfig
	logger ports.Logger

	isConnected atomic.Bool
	handlers    atomic.Pointer[map[string]ports.MessageHandler]
}

// New creates an MQTT client wired from cfg, ready to Connect.
func New(cfg *config.MQTTConfig, logger ports.Logger) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		logger: logger.WithFields(ports.Field{Key: "component", Value: "mqtt-client"}),
	}

	initial := make(map[string]ports.MessageHandler)
	c.handlers.Store(&initial)

	opts := mqttlib.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetMaxReconnectInterval(cfg.ReconnectDelay)
	opts.SetAutoReconnect(true)
	opts.SetProtocolVersion(4) // MQTT 3.1.1

	if cfg.TLS && cfg.TLSConfig.CACertFile != "" {
		tlsConf, err := buildTLSConfig(&cfg.TLSConfig, cfg.Broker)
		if err != nil {
			return nil, fmt.Errorf("mqttclient: building TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConf)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqttlib.NewClient(opts)
	return c, nil
}

func (c *Client) onConnect(cli mqttlib.Client) {
	c.isConnected.Store(true)
	c.logger.Info("mqtt connected", ports.Field{Key: "broker", Value: c.cfg.Broker})

	current := c.handlers.Load()
	if current == nil {
		return
	}
	for filter := range *current {
		c.logger.Info("re-subscribing after reconnect", ports.Field{Key: "topic_filter", Value: filter})
		token := cli.Subscribe(filter, c.cfg.DefaultQoS, c.onMessage)
		if ok := token.WaitTimeout(10 * time.Second); !ok || token.Error() != nil {
			c.logger.Error("failed to re-subscribe",
				ports.Field{Key: "topic_filter", Value: filter},
				ports.Field{Key: "error", Value: token.Error()},
			)
		}
	}
}

func (c *Client) onConnectionLost(_ mqttlib.Client, err error) {
	c.isConnected.Store(false)
	c.logger.Warn("mqtt connection lost", ports.Field{Key: "error", Value: err})
}

// Connect establishes the broker connection, honoring ctx's deadline on
// top of a fixed connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()

	deadline := time.Now().Add(10 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	for !token.WaitTimeout(100*time.Millisecond) && time.Now().Before(deadline) && ctx.Err() == nil {
	}

	if err := token.Error(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.isConnected.Store(true)
	return nil
}

// Disconnect quiesces in-flight work for up to timeout, then disconnects.
func (c *Client) Disconnect(timeout time.Duration) {
	if c.client == nil {
		return
	}
	ms := timeout.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	c.client.Disconnect(uint(ms))
	c.isConnected.Store(false)
}

// IsConnected reports whether the broker connection is currently up.
func (c *Client) IsConnected() bool {
	if c.client == nil {
		return false
	}
	return c.client.IsConnected() && c.isConnected.Load()
}

// Subscribe registers handler under topic (an exact topic or a filter
// using '+'/'#' wildcards) and issues the broker subscription.
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, handler ports.MessageHandler) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqttclient: not connected")
	}
	c.addHandler(topic, handler)

	token := c.client.Subscribe(topic, qos, c.onMessage)
	return c.waitForToken(ctx, token, "subscribe "+topic)
}

// Unsubscribe removes one or more topic filters.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqttclient: not connected")
	}
	c.removeHandlers(topics)

	token := c.client.Unsubscribe(topics...)
	return c.waitForToken(ctx, token, "unsubscribe")
}

func (c *Client) waitForToken(ctx context.Context, token mqttlib.Token, op string) error {
	deadline := time.Now().Add(10 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	for {
		if token.WaitTimeout(100 * time.Millisecond) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("%s failed: %w", op, err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s timed out", op)
		}
	}
}

// onMessage dispatches to every handler whose registered filter matches
// the concrete topic the message arrived on. The teacher's equivalent
// looked up handlers by exact topic, which never matches a wildcard
// subscription; this dispatch understands '+'/'#' per the MQTT spec since
// this system's device topics rely on wildcards (SPEC_FULL.md §4.C6). A
// single broker subscription can still be shared by several devices (the
// subscribe-time grouping in topics.Plan); deciding which one device
// actually owns a given message is topics.Resolver's job, applied inside
// the handler itself.
func (c *Client) onMessage(_ mqttlib.Client, msg mqttlib.Message) {
	current := c.handlers.Load()
	if current == nil {
		return
	}
	topic := msg.Topic()
	for filter, handler := range *current {
		if handler == nil {
			continue
		}
		if topics.FilterMatches(filter, topic) {
			handler(topic, msg.Payload())
		}
	}
}

func (c *Client) addHandler(filter string, h ports.MessageHandler) {
	for {
		old := c.handlers.Load()
		var snapshot map[string]ports.MessageHandler
		if old != nil {
			snapshot = *old
		}
		newMap := make(map[string]ports.MessageHandler, len(snapshot)+1)
		for k, v := range snapshot {
			newMap[k] = v
		}
		newMap[filter] = h
		if c.handlers.CompareAndSwap(old, &newMap) {
			return
		}
	}
}

func (c *Client) removeHandlers(filters []string) {
	if len(filters) == 0 {
		return
	}
	toRemove := make(map[string]struct{}, len(filters))
	for _, f := range filters {
		toRemove[f] = struct{}{}
	}
	for {
		old := c.handlers.Load()
		if old == nil {
			return
		}
		snapshot := *old
		newMap := make(map[string]ports.MessageHandler, len(snapshot))
		for k, v := range snapshot {
			if _, drop := toRemove[k]; !drop {
				newMap[k] = v
			}
		}
		if c.handlers.CompareAndSwap(old, &newMap) {
			return
		}
	}
}

func buildTLSConfig(tlsCfg *config.TLSConfig, broker string) (*tls.Config, error) {
	caPool := x509.NewCertPool()
	if tlsCfg.CACertFile != "" {
		caCert, err := os.ReadFile(tlsCfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("append CA cert")
		}
	}

	var certs []tls.Certificate
	if tlsCfg.ClientCertFile != "" {
		clientCert, err := tls.LoadX509KeyPair(tlsCfg.ClientCertFile, tlsCfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		certs = []tls.Certificate{clientCert}
	}

	serverName := broker
	if idx := strings.Index(serverName, "://"); idx != -1 {
		serverName = serverName[idx+3:]
	}
	if idx := strings.LastIndex(serverName, ":"); idx != -1 {
		serverName = serverName[:idx]
	}

	return &tls.Config{
		RootCAs:            caPool,
		Certificates:       certs,
		InsecureSkipVerify: tlsCfg.InsecureSkipVerify,
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
	}, nil
}
