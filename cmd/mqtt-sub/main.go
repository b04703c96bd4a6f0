package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/life-stream-dev/lsmq/client"
	"github.com/life-stream-dev/lsmq/internal/logger"
)

func main() {
	addr := flag.String("addr", "localhost:1883", "broker address")
	clientID := flag.String("id", "sub1-client", "client id")
	username := flag.String("user", "sub1", "user name")
	password := flag.String("password", "sub1", "password")
	filter := flag.String("topic", "topic1", "topic filter to subscribe to")
	qos := flag.Uint("qos", 0, "requested QoS")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()
	if *qos > 2 {
		fmt.Fprintf(os.Stderr, "invalid -qos %d, must be 0, 1 or 2\n", *qos)
		flag.Usage()
		os.Exit(2)
	}

	loggerCallback := logger.Init(*debug, "")
	defer func() { _ = loggerCallback.Invoke(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.New(client.Options{
		ClientID:  *clientID,
		Username:  *username,
		Password:  []byte(*password),
		KeepAlive: 60 * time.Second,
		Dialer:    client.TCPDialer(*addr),
	})
	if err != nil {
		logger.FatalF("Invalid client options: %v", err)
		return
	}
	result, err := c.Connect(ctx)
	if err != nil {
		logger.FatalF("Fail to connect to %s: %v", *addr, err)
		return
	}
	defer c.Disconnect()
	logger.InfoF("CONNECT rc = %d", result.ReturnCode)

	granted, err := c.Subscribe(ctx, *filter, byte(*qos), func(msg *client.Message) {
		fmt.Printf("%s: %s\n", msg.Topic, msg.Payload)
	})
	if err != nil {
		logger.FatalF("Fail to subscribe to %s: %v", *filter, err)
		return
	}
	logger.InfoF("Subscribed to %s with QoS %d", *filter, granted)

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorF("Connection given up: %v", err)
	}
}
