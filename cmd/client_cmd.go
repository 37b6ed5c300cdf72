package cmd

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/hookup/internal/buffer"
	"github.com/nextlevelbuilder/hookup/internal/client"
	"github.com/nextlevelbuilder/hookup/internal/config"
	"github.com/nextlevelbuilder/hookup/internal/throttle"
	"github.com/nextlevelbuilder/hookup/pkg/wire"
)

func clientCmd() *cobra.Command {
	var (
		configPath    string
		url           string
		ping          time.Duration
		ackTimeout    time.Duration
		bufferPath    string
		bufferSize    int
		retryDelay    time.Duration
		retryCap      time.Duration
		retryAttempts int
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a WebSocket endpoint and pipe stdin lines as messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := buildSettings(configPath, url, ping, bufferPath, bufferSize, retryDelay, retryCap, retryAttempts)
			if err != nil {
				return err
			}
			return runClient(cmd.Context(), settings, ackTimeout)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "settings file (YAML)")
	cmd.Flags().StringVarP(&url, "url", "u", "", "endpoint URL (ws:// or wss://)")
	cmd.Flags().DurationVar(&ping, "ping", 30*time.Second, "idle interval before a ping is sent (0 disables)")
	cmd.Flags().DurationVar(&ackTimeout, "ack-timeout", 0, "wrap every send in an ack request with this timeout")
	cmd.Flags().StringVar(&bufferPath, "buffer", "", "sqlite file for buffering messages while disconnected")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", 0, "max buffered messages, oldest dropped first (0 = unbounded)")
	cmd.Flags().DurationVar(&retryDelay, "retry", time.Second, "initial reconnect delay (0 disables reconnect)")
	cmd.Flags().DurationVar(&retryCap, "retry-cap", 30*time.Second, "reconnect delay cap")
	cmd.Flags().IntVar(&retryAttempts, "retry-attempts", 0, "max reconnect attempts (0 = unlimited)")
	return cmd
}

func buildSettings(configPath, url string, ping time.Duration, bufferPath string, bufferSize int, retryDelay, retryCap time.Duration, retryAttempts int) (client.Settings, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	if url == "" {
		return client.Settings{}, fmt.Errorf("either --config or --url is required")
	}

	opts := []client.Option{client.WithPinging(ping)}
	if retryDelay > 0 {
		var th throttle.Throttle = throttle.Exponential{Wait: retryDelay, Cap: retryCap}
		if retryAttempts > 0 {
			th = throttle.Limited{Inner: th, Attempts: retryAttempts}
		}
		opts = append(opts, client.WithThrottle(th))
	}
	if bufferPath != "" {
		opts = append(opts, client.WithBuffer(buffer.NewSQLite(bufferPath, wire.JSONFormat{}, bufferSize)))
	}
	return client.NewSettings(url, opts...)
}

func runClient(ctx context.Context, settings client.Settings, ackTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(settings)
	defer c.Close()
	c.Receive(printEvent)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if res, err := c.Connect().Await(connectCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	} else if res != client.ResultSuccess {
		return fmt.Errorf("connect: %s", res)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return io.EOF
				}
				var out wire.OutMessage = wire.TextMessage{Content: line}
				if ackTimeout > 0 {
					out = wire.NeedsAck{Inner: wire.TextMessage{Content: line}, Timeout: ackTimeout}
				}
				fut := c.Send(out)
				go func() {
					if res, err := fut.Await(ctx); err == nil && res == client.ResultCancelled {
						fmt.Fprintln(os.Stderr, "send cancelled (no ack)")
					}
				}()
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func printEvent(msg wire.InMessage) bool {
	switch m := msg.(type) {
	case wire.Connected:
		fmt.Println("* connected")
	case wire.Reconnecting:
		fmt.Println("* reconnecting")
	case wire.Disconnected:
		if m.Reason != nil {
			fmt.Printf("* disconnected: %v\n", m.Reason)
		} else {
			fmt.Println("* disconnected")
		}
	case wire.ErrorMessage:
		fmt.Printf("* error: %v\n", m.Cause)
	case wire.TextMessage:
		fmt.Println(m.Content)
	case wire.JSONMessage:
		fmt.Println(string(m.Content))
	case wire.BinaryMessage:
		fmt.Printf("<binary %d bytes: %s>\n", len(m.Content), base64.StdEncoding.EncodeToString(m.Content))
	case wire.AckFailed:
		fmt.Printf("* ack failed for %v\n", m.Inner)
	default:
		return false
	}
	return true
}
