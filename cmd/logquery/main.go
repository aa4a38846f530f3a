// logquery follows one or more log files and streams newly indexed lines to
// stdout, surviving truncation and rotation. Directories expand to the .log
// files inside them. Reading positions are remembered between runs when a
// session store is configured.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/AKhranovskiy/logquery/internal/config"
	"github.com/AKhranovskiy/logquery/internal/monitor"
	"github.com/AKhranovskiy/logquery/internal/observability"
	"github.com/AKhranovskiy/logquery/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogFile)

	paths, err := expandArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: logquery <file-or-directory> [...]\n")
		os.Exit(2)
	}

	mon, err := monitor.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create monitor")
	}

	var store *session.Store
	if cfg.SessionDBPath != "" {
		store, err = session.Open(cfg.SessionDBPath)
		if err != nil {
			log.Warn().Err(err).Msg("Session store unavailable, positions will not be saved")
		} else {
			defer store.Close()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().
		Int("files", len(paths)).
		Msg("Starting logquery")

	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if err := follow(ctx, mon, store, path, len(paths) > 1); err != nil {
				log.Error().Err(err).Str("path", path).Msg("Follower stopped")
			}
		}(path)
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	if err := mon.Close(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	wg.Wait()
}

// follow watches a single file and prints every line as it becomes indexed,
// resuming from the stored position when a session store is available.
func follow(ctx context.Context, mon *monitor.Monitor, store *session.Store, path string, prefix bool) error {
	h, err := mon.Watch(path)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	next := 0
	if store != nil {
		if saved, err := store.LastPosition(path); err == nil {
			next = saved
		}
	}
	if count, err := mon.LineCount(h); err == nil && next > count {
		next = 0 // the file changed since the position was saved
	}
	defer func() {
		if store != nil {
			if err := store.SavePosition(path, next); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to save position")
			}
		}
	}()

	changes, err := mon.Subscribe(ctx, h)
	if err != nil {
		return err
	}

	next = printFrom(ctx, mon, h, path, next, prefix)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-changes:
			if !ok {
				return nil
			}
			switch n.Kind {
			case monitor.NotifyEpochChanged:
				fmt.Printf("==> %s: truncated or rotated, restarting <==\n", path)
				next = 0
			case monitor.NotifyFileMissing:
				fmt.Printf("==> %s: file missing <==\n", path)
				continue
			}
			next = printFrom(ctx, mon, h, path, next, prefix)
		}
	}
}

// printFrom prints lines [from, count) and returns the next unprinted line.
func printFrom(ctx context.Context, mon *monitor.Monitor, h monitor.Handle, path string, from int, prefix bool) int {
	count, err := mon.LineCount(h)
	if err != nil || count <= from {
		return from
	}

	lines, err := mon.Lines(ctx, h, from, count)
	if err != nil {
		if !errors.Is(err, monitor.ErrNotIndexedYet) && !errors.Is(err, monitor.ErrFileMissing) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to read lines")
		}
		return from
	}

	for _, line := range lines {
		if prefix {
			fmt.Printf("%s: %s\n", path, line)
		} else {
			fmt.Println(line)
		}
	}
	return count
}

// expandArgs resolves the command line into concrete file paths; a directory
// contributes every .log file directly inside it.
func expandArgs(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			// A not-yet-existing file is a valid watch target.
			if os.IsNotExist(err) {
				paths = append(paths, arg)
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", arg, err)
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", arg, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
				continue
			}
			paths = append(paths, filepath.Join(arg, entry.Name()))
		}
	}
	return paths, nil
}
