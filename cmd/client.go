// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/minimq/client"
	"github.com/absmach/minimq/codec"
	"github.com/absmach/minimq/config"
	"github.com/spf13/cobra"
)

var (
	brokerAddr   string
	useTLS       bool
	insecureTLS  bool
	logLevel     string
	exchangeName string
	exchangeType string
	routingKey   string
	bindQueues   []string
	consumerID   string
	pollInterval time.Duration
	initialDelay time.Duration
	maxMessages  int
)

var publishCmd = &cobra.Command{
	Use:   "publish [payload...]",
	Short: "Publish payloads to an exchange or queue",
	Long: `Publish payloads to an exchange or, with an empty --exchange, straight to
the queue named by --key through the default exchange.

With --type the exchange is declared first and every --bind queue is bound
to it with --key.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return publish(ctx, args)
	},
}

var consumeCmd = &cobra.Command{
	Use:   "consume <queue>",
	Short: "Poll a queue and print delivered payloads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return consume(ctx, args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{publishCmd, consumeCmd} {
		c.Flags().StringVarP(&brokerAddr, "broker", "b", client.DefaultAddress, "Broker address, or a ws:// URL")
		c.Flags().BoolVar(&useTLS, "tls", false, "Connect over TLS")
		c.Flags().BoolVar(&insecureTLS, "insecure", false, "Skip TLS certificate verification")
		c.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	}

	publishCmd.Flags().StringVarP(&exchangeName, "exchange", "e", "", "Exchange name (empty for the default exchange)")
	publishCmd.Flags().StringVarP(&exchangeType, "type", "t", "", "Declare the exchange first: fanout or direct")
	publishCmd.Flags().StringVarP(&routingKey, "key", "k", "", "Routing key (queue name for the default exchange)")
	publishCmd.Flags().StringSliceVar(&bindQueues, "bind", nil, "Queues to bind to the declared exchange")

	consumeCmd.Flags().StringVar(&consumerID, "id", "", "Consumer identifier (default: hostname and pid)")
	consumeCmd.Flags().DurationVar(&pollInterval, "interval", client.DefaultPollInterval, "Poll interval")
	consumeCmd.Flags().DurationVar(&initialDelay, "delay", client.DefaultInitialDelay, "Delay before the first poll")
	consumeCmd.Flags().IntVarP(&maxMessages, "count", "n", 0, "Exit after this many payloads (0 for no limit)")
}

func clientOptions() *client.Options {
	opts := client.NewOptions().
		SetAddress(brokerAddr).
		SetLogger(newLogger(config.LogConfig{Level: logLevel}, os.Stderr))
	if pollInterval > 0 {
		opts.SetPollInterval(pollInterval).SetInitialDelay(initialDelay)
	}

	var tlsCfg *tls.Config
	if useTLS || strings.HasPrefix(brokerAddr, "wss://") {
		tlsCfg = &tls.Config{InsecureSkipVerify: insecureTLS}
	}
	if strings.HasPrefix(brokerAddr, "ws://") || strings.HasPrefix(brokerAddr, "wss://") {
		return opts.SetDialer(client.WebSocketDialer(tlsCfg))
	}
	return opts.SetTLSConfig(tlsCfg)
}

func parseExchangeType(s string) (codec.ExchangeType, error) {
	switch strings.ToLower(s) {
	case "fanout", "f":
		return codec.Fanout, nil
	case "direct", "d":
		return codec.Direct, nil
	default:
		return 0, fmt.Errorf("invalid exchange type %q (must be fanout or direct)", s)
	}
}

func publish(ctx context.Context, payloads []string) error {
	p, err := client.DialProducer(ctx, clientOptions())
	if err != nil {
		return err
	}
	defer p.Close()

	if exchangeType != "" {
		if exchangeName == "" {
			return errors.New("--type requires --exchange")
		}
		typ, err := parseExchangeType(exchangeType)
		if err != nil {
			return err
		}
		if err := p.Declare(ctx, exchangeName, typ, ""); err != nil {
			return err
		}
		for _, q := range bindQueues {
			if err := p.Bind(ctx, exchangeName, q, routingKey); err != nil {
				return err
			}
		}
	}

	for _, payload := range payloads {
		if err := p.Publish(exchangeName, routingKey, payload); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "published %d payload(s)\n", len(payloads))
	return nil
}

func consume(ctx context.Context, queue string) error {
	id := consumerID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	c, err := client.DialConsumer(ctx, clientOptions(), id, queue)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	received := 0
	return c.Run(ctx, func(_ context.Context, msg client.Message) error {
		fmt.Println(msg.Payload)
		received++
		if maxMessages > 0 && received >= maxMessages {
			cancel()
		}
		return nil
	})
}
