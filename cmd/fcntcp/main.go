package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	protocol "fcntcp/pkg"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type options struct {
	client       bool
	server       bool
	file         string
	output       string
	timeoutMS    int
	quiet        bool
	synRetries   int
	idleTimeouts int
	address      string
	port         int
}

func usage(msg string) {
	if msg != "" {
		fmt.Fprintln(os.Stderr, "Error: "+msg)
	}
	fmt.Fprintln(os.Stderr, "Usage: fcntcp -{c,s} [options] [server address] port")
	flag.PrintDefaults()
	os.Exit(1)
}

func parseArgs() options {
	var opts options
	flag.BoolVar(&opts.client, "c", false, "Run as client")
	flag.BoolVar(&opts.server, "s", false, "Run as server")
	flag.StringVar(&opts.file, "f", "", "File to send (client)")
	flag.StringVar(&opts.file, "file", "", "File to send (client)")
	flag.StringVar(&opts.output, "o", "", "Write received bytes to this file (server)")
	flag.StringVar(&opts.output, "output", "", "Write received bytes to this file (server)")
	flag.IntVar(&opts.timeoutMS, "t", 0, "Default retransmission timeout in milliseconds")
	flag.IntVar(&opts.timeoutMS, "timeout", 0, "Default retransmission timeout in milliseconds")
	flag.BoolVar(&opts.quiet, "q", false, "Only print digests and errors")
	flag.BoolVar(&opts.quiet, "quiet", false, "Only print digests and errors")
	flag.IntVar(&opts.synRetries, "syn-retries", 0, "Give up after this many unanswered SYNs (0 retries forever)")
	flag.IntVar(&opts.idleTimeouts, "idle-timeouts", 0, "Server gives up after this many silent timeouts (0 waits forever)")
	flag.Parse()

	if opts.client == opts.server {
		usage("choose exactly one of -c or -s")
	}
	if opts.timeoutMS < 0 {
		usage("the value for -t cannot be negative")
	}

	args := flag.Args()
	switch {
	case opts.client && len(args) == 2:
		opts.address = args[0]
		args = args[1:]
	case opts.client:
		usage("client needs a server address and port")
	case opts.server && len(args) != 1:
		usage("server needs a port")
	}
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 0 || port > 65535 {
		usage("invalid port '" + args[0] + "'")
	}
	opts.port = port

	if opts.client && opts.file == "" {
		usage("file input required")
	}
	if opts.server && opts.file != "" {
		usage("-f is a client option")
	}
	return opts
}

func main() {
	opts := parseArgs()

	logger := protocol.NewLogger(os.Stderr, opts.quiet)
	cfg := protocol.Config{
		Timeout:         time.Duration(opts.timeoutMS) * time.Millisecond,
		MaxSynRetries:   opts.synRetries,
		MaxIdleTimeouts: opts.idleTimeouts,
		Logger:          &logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	if opts.client {
		err = runClient(ctx, opts, cfg, logger)
	} else {
		err = runServer(ctx, opts, cfg, logger)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func runClient(ctx context.Context, opts options, cfg protocol.Config, logger zerolog.Logger) error {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(opts.address, strconv.Itoa(opts.port)))
	if err != nil {
		return errors.Wrap(err, "resolve server address")
	}

	content, err := os.ReadFile(opts.file)
	if err != nil {
		return errors.Wrap(err, "read file")
	}
	fmt.Println("MD5:", protocol.MD5Hex(content))

	f, err := os.Open(opts.file)
	if err != nil {
		return errors.Wrap(err, "open file")
	}
	defer f.Close()
	src, err := protocol.NewSeekSource(f)
	if err != nil {
		return err
	}

	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return errors.Wrap(err, "open socket")
	}
	defer pc.Close()

	client := protocol.NewClient(pc, raddr, src, cfg)
	began := time.Now()
	if err := client.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg(protocol.Summary(client.Stats(), time.Since(began)))
	logger.Debug().Msg("\n" + client.Status())
	return nil
}

func runServer(ctx context.Context, opts options, cfg protocol.Config, logger zerolog.Logger) error {
	pc, err := net.ListenPacket("udp", ":"+strconv.Itoa(opts.port))
	if err != nil {
		return errors.Wrap(err, "open socket")
	}
	defer pc.Close()

	sink := &protocol.MemorySink{}
	server := protocol.NewServer(pc, sink, cfg)
	began := time.Now()
	if err := server.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg(protocol.Summary(server.Stats(), time.Since(began)))
	logger.Debug().Msg("\n" + server.Status())

	fmt.Println("MD5:", protocol.MD5Hex(sink.Bytes()))
	if opts.output != "" {
		if err := os.WriteFile(opts.output, sink.Bytes(), 0o644); err != nil {
			return errors.Wrap(err, "write output")
		}
	}
	return nil
}
