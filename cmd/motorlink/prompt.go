package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cyberinferno/motorlink/endpoint"
)

const addressPrompt = "Enter IP address and port, example: ws://192.168.1.1:7651"

// promptAddress asks on out until a usable server URL is read from in. It
// returns ctx.Err() as soon as ctx is done, even while a read is pending.
func promptAddress(ctx context.Context, in io.Reader, out io.Writer) (string, error) {
	lines := make(chan string)
	errs := make(chan error, 1)

	// the reader may outlive the call when in blocks; it exits on the next line or EOF
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}
		errs <- io.ErrUnexpectedEOF
	}()

	for {
		fmt.Fprintln(out, addressPrompt)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err := <-errs:
			return "", fmt.Errorf("read address: %w", err)
		case line := <-lines:
			address := strings.TrimSpace(line)
			if err := endpoint.ValidateAddress(address); err != nil {
				fmt.Fprintf(out, "> Connection failed: %v\n", err)
				continue
			}

			return address, nil
		}
	}
}
