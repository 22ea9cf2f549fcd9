// Command procksy is the partial SOCKS5 proxy server entrypoint. It
// dispatches to the `serve` and `digest` subcommands, using the stdlib
// flag package the way a single flag.Bool-gated mode would, generalized
// to argparse-style subcommands since the CLI surface covers more than
// one mode.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/term"

	"github.com/cert-edf/procksy/internal/acceptor"
	"github.com/cert-edf/procksy/internal/config"
	"github.com/cert-edf/procksy/internal/policy"
)

const version = "1.0.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.Printf("[main] procksy %s", version)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "digest":
		err = cmdDigest(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "procksy: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: procksy <serve|digest> [flags]\n")
}

// repeatedFlag accumulates multiple occurrences of a flag, the stdlib
// equivalent of argparse's nargs='+' for --users.
type repeatedFlag []string

func (r *repeatedFlag) String() string { return fmt.Sprint(*r) }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var users repeatedFlag
	fs.Var(&users, "users", "authorized user (username:digest); may be repeated")
	clientFilter := fs.String("client-filter", "", "filter clients (mode:value,value,...)")
	targetFilter := fs.String("target-filter", "", "filter targets (mode:value,value,...)")
	bindAddr := fs.String("bind-addr", "", "bind address")
	bindPort := fs.Int("bind-port", 0, "bind port")
	bufferSize := fs.Int("buffer-size", 0, "buffer size")
	maxThreads := fs.Int("max-threads", 0, "maximum concurrent connections")
	sockTimeout := fs.Int("sock-timeout", 0, "socket timeout (seconds)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadFromDefaultLocations()
	cfg, err := cfg.Override(config.Overrides{
		Users:        users,
		ClientFilter: *clientFilter,
		TargetFilter: *targetFilter,
		BindAddr:     *bindAddr,
		BindPort:     *bindPort,
		BufferSize:   *bufferSize,
		MaxThreads:   *maxThreads,
		SockTimeout:  *sockTimeout,
	})
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	log.Printf("[main] configuration:\n%s", cfg)
	log.Printf("[main] GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	a := acceptor.New(cfg)
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	select {
	case <-ctx.Done():
		log.Printf("[main] signal caught, please wait for server termination...")
		<-done
	case err := <-done:
		if err != nil {
			return err
		}
	}
	return nil
}

func cmdDigest(args []string) error {
	fs := flag.NewFlagSet("digest", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprint(os.Stderr, "secret: ")
	secret, err := readSecret()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read secret: %w", err)
	}

	digest, err := policy.Hash(secret)
	if err != nil {
		return fmt.Errorf("failed to hash secret: %w", err)
	}
	fmt.Println(digest)
	return nil
}

// readSecret reads the secret without echoing it when stdin is a
// terminal (golang.org/x/term), falling back to a plain scanned line
// otherwise (e.g. piped input in scripts/tests).
func readSecret() ([]byte, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return term.ReadPassword(int(os.Stdin.Fd()))
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	return []byte(trimNewline(line)), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
