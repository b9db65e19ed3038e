// Command brokerctl queries and drives a running broker through its admin
// HTTP API (BROKER_ADMIN_ADDR).
//
// Usage:
//
//	brokerctl [-admin URL] status
//	brokerctl [-admin URL] topics
//	brokerctl [-admin URL] peer <identity>
//	brokerctl [-admin URL] publish <topic> <message...>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dreamware/topicbroker/internal/api"
	"github.com/dreamware/topicbroker/internal/wire"
)

var logFatal = log.Fatalf

const defaultAdminURL = "http://127.0.0.1:8081"

var errUsage = errors.New("usage: brokerctl [-admin URL] status | topics | peer <identity> | publish <topic> <message...>")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		logFatal("%v", err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("brokerctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	admin := fs.String("admin", getenv("BROKERCTL_ADMIN_URL", defaultAdminURL), "broker admin base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	base := strings.TrimRight(*admin, "/")

	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}

	switch cmd, rest := rest[0], rest[1:]; cmd {
	case "status":
		if len(rest) != 0 {
			return errUsage
		}
		return printStatus(ctx, base, stdout)
	case "topics":
		if len(rest) != 0 {
			return errUsage
		}
		return printTopics(ctx, base, stdout)
	case "peer":
		if len(rest) != 1 {
			return errUsage
		}
		return printPeer(ctx, base, rest[0], stdout)
	case "publish":
		if len(rest) < 2 {
			return errUsage
		}
		return publish(ctx, base, rest[0], strings.Join(rest[1:], " "), stdout)
	default:
		return fmt.Errorf("unknown command %q\n%w", cmd, errUsage)
	}
}

func printStatus(ctx context.Context, base string, out io.Writer) error {
	var status api.StatusResponse
	if err := api.GetJSON(ctx, base+"/status", &status); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	fmt.Fprintf(out, "publishers: %d\nsubscribers: %d\n", status.Publishers, status.Subscribers)
	for _, e := range status.Entries {
		fmt.Fprintf(out, "  %-10s %-24s %s\n", e.Role, e.Identity, e.Topic)
	}
	return nil
}

func printTopics(ctx context.Context, base string, out io.Writer) error {
	var topics api.TopicsResponse
	if err := api.GetJSON(ctx, base+"/topics", &topics); err != nil {
		return fmt.Errorf("topics: %w", err)
	}
	fmt.Fprintf(out, "%-20s %5s %5s %10s %10s %8s\n", "TOPIC", "PUB", "SUB", "PUBLISHED", "DELIVERED", "FAILED")
	for _, ti := range topics.Topics {
		fmt.Fprintf(out, "%-20s %5d %5d %10d %10d %8d\n",
			ti.Topic, ti.Publishers, ti.Subscribers, ti.Published, ti.Delivered, ti.Failed)
	}
	return nil
}

func printPeer(ctx context.Context, base, identity string, out io.Writer) error {
	var e api.Entry
	if err := api.GetJSON(ctx, base+"/peers/"+url.PathEscape(identity), &e); err != nil {
		return fmt.Errorf("peer %s: %w", identity, err)
	}
	fmt.Fprintf(out, "%s %s %s\n", e.Identity, e.Role, e.Topic)
	return nil
}

func publish(ctx context.Context, base, topic, message string, out io.Writer) error {
	var resp api.PublishResponse
	req := api.PublishRequest{Topic: topic, Message: message}
	if err := api.PostJSON(ctx, base+"/publish", req, &resp); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	fmt.Fprintln(out, wire.FormatAck(resp.Topic, resp.Message, resp.Delivered))
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
