// Command client is an interactive peer for the broker.
//
// Usage:
//
//	client <host> <port> <PUBLISHER|SUBSCRIBER> <topic>
//
// Publishers send each line typed on stdin and print the broker's
// acknowledgement. Subscribers print every broadcast they receive. Either
// role ends the session with "terminate".
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dreamware/topicbroker/internal/client"
	"github.com/dreamware/topicbroker/internal/config"
	"github.com/dreamware/topicbroker/internal/logger"
	"github.com/dreamware/topicbroker/internal/wire"
)

var logFatal = log.Fatalf

const usage = "usage: client <host> <port> <PUBLISHER|SUBSCRIBER> <topic>\nexample: client localhost 5000 SUBSCRIBER sports"

var (
	dialAttempts = 10
	dialDelay    = 400 * time.Millisecond
)

type options struct {
	host  string
	port  int
	role  string
	topic string
}

func (o options) addr() string {
	return net.JoinHostPort(o.host, strconv.Itoa(o.port))
}

func parseArgs(args []string) (options, error) {
	if len(args) != 4 {
		return options{}, errors.New("expected 4 arguments")
	}
	port, ok, err := config.ParsePortArg(args[1:2])
	if err != nil || !ok {
		return options{}, fmt.Errorf("invalid port %q", args[1])
	}
	role := strings.ToUpper(args[2])
	if role != wire.RolePublisher && role != wire.RoleSubscriber {
		return options{}, fmt.Errorf("invalid role %q, use PUBLISHER or SUBSCRIBER", args[2])
	}
	hs, err := wire.ParseHandshake(role + " " + args[3])
	if err != nil {
		return options{}, err
	}
	return options{host: args[0], port: port, role: role, topic: hs.Topic}, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		logFatal("%v\n%s", err, usage)
		return
	}

	lg, err := logger.New(os.Stderr, logger.Options{Level: "info"})
	if err != nil {
		logFatal("%v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := connect(ctx, lg, func(ctx context.Context) (*client.Client, error) {
		return client.Dial(ctx, opts.addr(), opts.role, opts.topic)
	})
	if c == nil {
		return
	}
	if err := session(ctx, c, os.Stdin, os.Stdout); err != nil {
		logFatal("%v", err)
	}
}

// connect dials until it succeeds or the attempts run out.
func connect(ctx context.Context, lg *slog.Logger, dial func(context.Context) (*client.Client, error)) *client.Client {
	var lastErr error
	for i := 0; i < dialAttempts; i++ {
		c, err := dial(ctx)
		if err == nil {
			return c
		}
		lastErr = err
		lg.Warn("connect retry", slog.Int("attempt", i+1), logger.Error(err))

		select {
		case <-time.After(dialDelay):
		case <-ctx.Done():
			logFatal("connect cancelled: %v", ctx.Err())
			return nil
		}
	}
	logFatal("failed to connect: %v", lastErr)
	return nil
}

// console serialises output from the stdin loop and the receiver.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func session(ctx context.Context, c *client.Client, in io.Reader, out io.Writer) error {
	con := &console{out: out}
	con.printf("Connected as %s\n", c.Role())

	if c.Role() == wire.RolePublisher {
		con.printf("You are a publisher on topic: %s. Your messages will be sent to subscribers of this topic.\n", c.Topic())
		con.printf("Type 'terminate' to disconnect.\n")
		return publishLoop(ctx, c, in, con)
	}
	con.printf("You are a subscriber on topic: %s. You will receive messages from publishers.\n", c.Topic())
	con.printf("Type 'terminate' to disconnect.\nListening for messages...\n")
	return subscribeLoop(ctx, c, in, con)
}

func publishLoop(ctx context.Context, c *client.Client, in io.Reader, con *console) error {
	lines := readLines(in)
	for {
		con.printf(" -> ")
		var line string
		var ok bool
		select {
		case line, ok = <-lines:
		case <-ctx.Done():
			return c.Terminate()
		}
		if !ok || wire.IsTerminate(line) {
			return c.Terminate()
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		ack, err := c.Publish(line)
		if err != nil {
			_ = c.Close()
			return fmt.Errorf("publish: %w", err)
		}
		con.printf("Server response: %s\n", ack)
	}
}

func subscribeLoop(ctx context.Context, c *client.Client, in io.Reader, con *console) error {
	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := c.Receive()
			if err != nil {
				recvErr <- err
				return
			}
			con.printf("\n%s\n -> ", msg)
		}
	}()

	lines := readLines(in)
	con.printf(" -> ")
	for {
		select {
		case line, ok := <-lines:
			if !ok || wire.IsTerminate(line) {
				return c.Terminate()
			}
			if strings.TrimSpace(line) != "" {
				con.printf("Subscribers can only listen to messages. Type 'terminate' to exit.\n -> ")
			}
		case err := <-recvErr:
			_ = c.Close()
			if errors.Is(err, io.EOF) {
				con.printf("\nconnection closed by broker\n")
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		case <-ctx.Done():
			return c.Terminate()
		}
	}
}

// readLines streams lines from r until EOF, then closes the channel.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}
