// Command ctap2key is a developer harness wiring a credential store, a
// CTAP2 engine and a CTAPHID transport end to end. It is not a product
// CLI: it reads 64-byte HID reports from a file (or stdin) and writes
// response reports to stdout, the same chunked, flag-driven style the
// reference repo's cmd/ctap2-hybrid/main.go uses for its own
// orchestration.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ctap2key/pkg/credential"
	"ctap2key/pkg/ctap2"
	"ctap2key/pkg/ctaphid"
	"ctap2key/pkg/presence"
)

func main() {
	var (
		storePath = flag.String("store", "ctap2key.store", "Path to the credential store persistence file")
		input     = flag.String("input", "-", "File to read 64-byte HID reports from (\"-\" for stdin)")
		autoApprove = flag.Bool("auto-approve", false, "Approve every presence request without prompting (for scripted runs)")
		timeout   = flag.Duration("timeout", 5*time.Minute, "Harness run timeout")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, logger, *storePath, *input, *autoApprove); err != nil {
		logger.Printf("error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *log.Logger, storePath, inputPath string, autoApprove bool) error {
	store := credential.New()
	if err := store.Load(storePath); err != nil {
		return fmt.Errorf("ctap2key: loading store: %w", err)
	}

	aaguid, err := credential.LoadOrCreateAAGUID(storePath, randomAAGUID)
	if err != nil {
		return fmt.Errorf("ctap2key: loading AAGUID: %w", err)
	}

	var oracle presence.Oracle
	if autoApprove {
		oracle = presence.AutoApprove{Approve: true}
	} else {
		oracle = presence.NewConsoleOracle()
	}

	engine := ctap2.NewEngine(store, oracle, aaguid, logger)
	transport := ctaphid.NewTransport(engine, stdoutWriter{}, nil, nil, logger)

	go transport.Run(ctx)
	defer transport.Stop()
	defer func() {
		if err := store.Save(storePath, aaguid); err != nil {
			logger.Printf("ctap2key: saving store: %v", err)
		}
	}()

	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	reader := bufio.NewReader(in)
	var report [64]byte
	for {
		if _, err := io.ReadFull(reader, report[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("ctap2key: reading report: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		transport.DeliverReport(report)
	}
}

func openInput(path string) (*os.File, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ctap2key: opening %s: %w", path, err)
	}
	return f, nil
}

func randomAAGUID() (credential.AAGUID, error) {
	var a credential.AAGUID
	if _, err := rand.Read(a[:]); err != nil {
		return a, fmt.Errorf("ctap2key: generating AAGUID: %w", err)
	}
	return a, nil
}

// stdoutWriter implements ctaphid.ReportWriter over the process's own
// stdout, so a test harness or a pipe on the other end sees the raw
// 64-byte response reports.
type stdoutWriter struct{}

func (stdoutWriter) WriteReport(report [64]byte) error {
	_, err := os.Stdout.Write(report[:])
	return err
}
