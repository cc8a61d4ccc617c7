package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

type streamLoad struct {
	URL         string
	Bearer      string
	Connections int
	Duration    time.Duration
	MaxBackoff  time.Duration
}

type streamStats struct {
	Attempts uint64
	Failures uint64
	Views    uint64
	Failed   uint64
}

// FailureRate is the share of connection attempts that did not end with the
// run.
func (s streamStats) FailureRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Attempts)
}

func streamLoadCmd() *cobra.Command {
	var (
		l          streamLoad
		maxFailure float64
	)
	cmd := &cobra.Command{
		Use:   "stream-load [stream-url]",
		Short: "Hold many board streams open and count the views they receive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l.URL = args[0]
			stats := runStreamLoad(cmd.Context(), http.DefaultClient, l)
			fmt.Fprintf(cmd.OutOrStdout(), "connections=%d duration_sec=%d views_received=%d failures_received=%d connection_failures=%d\n",
				l.Connections, int(l.Duration.Seconds()), stats.Views, stats.Failed, stats.Failures)
			if stats.Views == 0 {
				return errors.New("no views received")
			}
			if stats.FailureRate() > maxFailure {
				return fmt.Errorf("connection failure rate %.3f above %.3f", stats.FailureRate(), maxFailure)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&l.Bearer, "bearer", "", "Bearer token sent with every connection")
	cmd.Flags().IntVarP(&l.Connections, "connections", "c", 200, "Concurrent streams")
	cmd.Flags().DurationVarP(&l.Duration, "duration", "d", 2*time.Minute, "Run time")
	cmd.Flags().DurationVar(&l.MaxBackoff, "max-backoff", 5*time.Second, "Longest reconnect delay")
	cmd.Flags().Float64Var(&maxFailure, "max-failure-rate", 0.01, "Highest accepted share of failed connections")
	return cmd
}

// runStreamLoad opens l.Connections streams and reconnects with exponential
// backoff until l.Duration elapses or ctx is done.
func runStreamLoad(ctx context.Context, client *http.Client, l streamLoad) streamStats {
	var stats streamStats
	ctx, cancel := context.WithTimeout(ctx, l.Duration)
	defer cancel()
	if l.MaxBackoff <= 0 {
		l.MaxBackoff = 5 * time.Second
	}

	var wg sync.WaitGroup
	wg.Add(l.Connections)
	for range l.Connections {
		go func() {
			defer wg.Done()
			backoff := 100 * time.Millisecond
			for ctx.Err() == nil {
				atomic.AddUint64(&stats.Attempts, 1)
				err := readStream(ctx, client, l, &stats)
				if ctx.Err() != nil {
					return
				}
				if err == nil {
					backoff = 100 * time.Millisecond
				}
				atomic.AddUint64(&stats.Failures, 1)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, l.MaxBackoff)
			}
		}()
	}
	wg.Wait()
	return streamStats{
		Attempts: atomic.LoadUint64(&stats.Attempts),
		Failures: atomic.LoadUint64(&stats.Failures),
		Views:    atomic.LoadUint64(&stats.Views),
		Failed:   atomic.LoadUint64(&stats.Failed),
	}
}

// readStream consumes one stream until it ends. A nil error means the
// connection was established.
func readStream(ctx context.Context, client *http.Client, l streamLoad, stats *streamStats) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return err
	}
	if l.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+l.Bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", resp.StatusCode)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "event: view":
			atomic.AddUint64(&stats.Views, 1)
		case "event: failure":
			atomic.AddUint64(&stats.Failed, 1)
		}
	}
	return nil
}
