// Package device discovers the hardware identifier announced in the
// handshake. The identifier is the first line of a file, optionally
// regenerated by a producer program before it is read.
package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/motorlink/logger"
)

// ErrEmptyIdentifier is returned when the identifier file has no usable first line.
var ErrEmptyIdentifier = errors.New("empty device identifier")

// Config holds resolver settings.
type Config struct {
	// Path is the file whose first line is the identifier.
	Path string
	// Command regenerates Path before it is read. Empty skips the step.
	Command string
	// Args are passed to Command.
	Args []string
	// CommandTimeout bounds a single producer run.
	CommandTimeout time.Duration
	// CacheTTL is how long a resolved identifier is reused.
	CacheTTL time.Duration
}

// DefaultConfig returns the resolver defaults: run "bash get_mac_addr.sh"
// and read MAC_address.txt, caching the result for an hour.
func DefaultConfig() Config {
	return Config{
		Path:           "MAC_address.txt",
		Command:        "bash",
		Args:           []string{"get_mac_addr.sh"},
		CommandTimeout: 10 * time.Second,
		CacheTTL:       time.Hour,
	}
}

// Resolver looks up the device identifier. Concurrent lookups share one
// producer run and one file read.
type Resolver struct {
	config Config
	log    logger.Logger
	cache  *cache.Cache
	group  singleflight.Group
}

// NewResolver creates a Resolver.
//
// Parameters:
//   - config: Resolver settings (e.g. from DefaultConfig)
//   - log: Logger for producer output
//
// Returns:
//   - A new *Resolver
func NewResolver(config Config, log logger.Logger) *Resolver {
	return &Resolver{
		config: config,
		log:    log.With(logger.F("component", "device")),
		cache:  cache.New(config.CacheTTL, 10*time.Minute),
	}
}

// Resolve returns the device identifier, from cache when still fresh.
//
// Parameters:
//   - ctx: Context for cancellation of the producer run
//
// Returns:
//   - The identifier with surrounding whitespace removed
//   - ErrEmptyIdentifier if the first line is blank, or the read error
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	key := r.config.Path

	if val, found := r.cache.Get(key); found {
		if id, ok := val.(string); ok {
			return id, nil
		}
	}

	val, err, _ := r.group.Do(key, func() (interface{}, error) {
		if cached, found := r.cache.Get(key); found {
			if id, ok := cached.(string); ok {
				return id, nil
			}
		}

		id, err := r.lookup(ctx)
		if err != nil {
			return "", err
		}

		r.cache.Set(key, id, r.config.CacheTTL)
		return id, nil
	})
	if err != nil {
		return "", err
	}

	id, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type in cache for key %s", key)
	}

	return id, nil
}

// Invalidate drops the cached identifier so the next Resolve runs the
// producer again.
func (r *Resolver) Invalidate() {
	r.cache.Delete(r.config.Path)
}

func (r *Resolver) lookup(ctx context.Context) (string, error) {
	if r.config.Command != "" {
		// a failed producer is not fatal, a previous run may have left the file
		if err := r.produce(ctx); err != nil {
			r.log.Warn("identifier producer failed", logger.Err(err))
		}
	}

	id, err := readFirstLine(r.config.Path)
	if err != nil {
		return "", err
	}

	r.log.Info("device identifier resolved", logger.F("device_id", id), logger.F("path", r.config.Path))
	return id, nil
}

func (r *Resolver) produce(ctx context.Context) error {
	if r.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.CommandTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.config.Command, r.config.Args...)
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w: %s", r.config.Command, err, strings.TrimSpace(out.String()))
	}

	return nil
}

func readFirstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read device identifier: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read device identifier %s: %w", path, err)
		}
		return "", fmt.Errorf("%s: %w", path, ErrEmptyIdentifier)
	}

	id := strings.TrimSpace(scanner.Text())
	if id == "" {
		return "", fmt.Errorf("%s: %w", path, ErrEmptyIdentifier)
	}

	return id, nil
}
