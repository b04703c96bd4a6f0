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
	clientID := flag.String("id", "pub-client", "client id")
	username := flag.String("user", "pub", "user name")
	password := flag.String("password", "pub1", "password")
	interval := flag.Duration("interval", 3*time.Second, "publish interval")
	qos := flag.Uint("qos", 0, "QoS of the published messages")
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
	if _, err := c.Connect(ctx); err != nil {
		logger.FatalF("Fail to connect to %s: %v", *addr, err)
		return
	}
	defer c.Disconnect()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		for _, name := range []string{"topic1", "topic2"} {
			if err := c.Publish(ctx, name, []byte("hello "+name), byte(*qos), false); err != nil {
				logger.WarnF("Fail to publish on %s: %v", name, err)
			}
		}
		logger.Info("Sent one message to each topic")

		select {
		case <-ctx.Done():
			return
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorF("Connection given up: %v", err)
			}
			return
		case <-ticker.C:
		}
	}
}
