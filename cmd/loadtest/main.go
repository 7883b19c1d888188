package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/musserver/pkg/client"
	"github.com/aeolun/musserver/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	requests          atomic.Int64
	failed            atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	// Failure breakdown
	lockContention atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64

	notifications atomic.Int64
	dropped       atomic.Int64
}

func (s *Stats) record(start time.Time, err error) {
	if err == nil {
		s.requests.Add(1)
		s.totalResponseTime.Add(time.Since(start).Microseconds())
		return
	}
	switch {
	case client.IsCode(err, protocol.ErrCodeLocked):
		// Losing a lock race is expected and not a failure
		s.requests.Add(1)
		s.lockContention.Add(1)
	case errors.Is(err, client.ErrTimeout):
		s.failed.Add(1)
		s.timeouts.Add(1)
	default:
		s.failed.Add(1)
		debugLogger.Printf("request failed: %v", err)
	}
}

func (s *Stats) snapshot() (requests, failed, connErrors int64, avgResponseUs float64) {
	requests = s.requests.Load()
	failed = s.failed.Load()
	connErrors = s.connectionErrors.Load()
	if requests > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(requests)
	}
	return
}

// bot is one simulated user
type bot struct {
	id     int
	name   string
	group  string
	client *client.Client
	stats  *Stats
}

func randomSentence(words int) string {
	out := make([]string, words)
	for i := range out {
		out[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(out, " ")
}

func (b *bot) connect(addr, movie string) error {
	c, err := client.Connect(addr, client.Options{
		SSHUser:     b.name,
		DialTimeout: 10 * time.Second,
		Logger:      debugLogger,
	})
	if err != nil {
		return err
	}
	b.client = c

	if _, err := c.Login(movie, b.name, ""); err != nil {
		c.Close()
		return fmt.Errorf("login: %w", err)
	}
	if _, err := c.JoinGroup(b.group); err != nil {
		c.Close()
		return fmt.Errorf("join %s: %w", b.group, err)
	}

	go func() {
		for range c.Notifications() {
			b.stats.notifications.Add(1)
		}
	}()
	return nil
}

// step performs one random operation
func (b *bot) step() error {
	target := client.GroupTarget(b.group)
	start := time.Now()
	var err error

	switch n := rand.Intn(10); {
	case n < 5:
		_, err = b.client.SendToGroup(b.group, "chat", []byte(randomSentence(8)), false)
	case n < 7:
		err = b.client.SetAttribute(client.UserTarget(b.name), "status", []byte(randomSentence(2)))
	case n < 9:
		_, err = b.client.Lock(target, "turn", time.Second)
		if err == nil {
			err = b.client.SetAttribute(target, "turn", []byte(b.name))
			if _, unlockErr := b.client.Unlock(target, "turn"); err == nil {
				err = unlockErr
			}
		}
	default:
		_, err = b.client.Ping()
	}

	b.stats.record(start, err)
	return err
}

func (b *bot) run(ctx context.Context, minDelay, maxDelay time.Duration) {
	defer func() {
		b.stats.dropped.Add(int64(b.client.Dropped()))
		b.client.Disconnect("load test finished")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.client.Connection().Done():
			b.stats.disconnections.Add(1)
			return
		default:
		}

		b.step()

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

var debugLogger *log.Logger

func initLogging() error {
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:6470", "Server address (host:port, ssh://host, ws://host)")
	movie := flag.String("movie", "loadtest", "Movie the bots log in to")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	numGroups := flag.Int("groups", 4, "Number of groups the bots spread over")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between requests")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between requests")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if *numClients < 1 || *numGroups < 1 {
		log.Fatal("clients and groups must be positive")
	}

	rampUp := *duration / 4
	stagger := rampUp / time.Duration(*numClients)
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Movie: %s (%d groups)", *movie, *numGroups)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUp, stagger)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithTimeout(ctx, *duration+rampUp)
	defer cancelRun()

	stats := &Stats{}
	startTime := time.Now()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				requests, failed, connErrors, avgUs := stats.snapshot()
				rate := float64(requests) / time.Since(startTime).Seconds()
				log.Printf("Stats: %d requests (%.1f/s), %d failed, %d conn errors, avg %.2fms, %d notifications, goroutines %d",
					requests, rate, failed, connErrors, avgUs/1000, stats.notifications.Load(), runtime.NumGoroutine())
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *numClients; i++ {
		b := &bot{
			id:    i,
			name:  fmt.Sprintf("bot%04d", i),
			group: fmt.Sprintf("group%d", i%*numGroups),
			stats: stats,
		}
		g.Go(func() error {
			if err := b.connect(*serverAddr, *movie); err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] connect failed: %v", b.id, err)
				return nil
			}
			stats.successfulClients.Add(1)
			if b.id%100 == 0 {
				log.Printf("[Bot %d] Connected", b.id)
			}
			b.run(gctx, *minDelay, *maxDelay)
			return nil
		})

		select {
		case <-gctx.Done():
		case <-time.After(stagger):
		}
		if gctx.Err() != nil {
			break
		}
	}
	g.Wait()

	requests, failed, connErrors, avgUs := stats.snapshot()
	elapsed := time.Since(startTime)
	successful := stats.successfulClients.Load()

	log.Printf("")
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successful, float64(successful)/float64(*numClients)*100)
	log.Printf("Duration: %v", elapsed.Round(time.Second))
	log.Printf("Requests: %d (%.1f/s)", requests, float64(requests)/elapsed.Seconds())
	log.Printf("  - Lost lock races: %d", stats.lockContention.Load())
	log.Printf("Failed: %d", failed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Notifications received: %d (%d dropped)", stats.notifications.Load(), stats.dropped.Load())
	log.Printf("Average response time: %.2fms", avgUs/1000)
	if requests+failed > 0 {
		log.Printf("Success rate: %.1f%%", float64(requests)/float64(requests+failed)*100)
	}
}
