// Command main provides a load testing tool for the realtime chat server.
// It spins up many concurrent clients, each authenticating in-band with a
// locally minted token, joining one chat, and exchanging messages.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/manjit4241/chatty/client"
	"github.com/manjit4241/chatty/internal/realtime"

	"github.com/golang-jwt/jwt/v5"
)

// Metrics tracks the test results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesSent         int64
	MessagesReceived     int64
	Reconnects           int64
	Errors               int64
}

var metrics Metrics

func main() {
	host := flag.String("host", "localhost:8375", "API server host")
	secret := flag.String("secret", "your-secret-key-change-in-production", "Shared JWT secret for minting test tokens")
	clients := flag.Int("clients", 50, "Number of concurrent clients")
	chatID := flag.Uint("chat", 1, "Chat to join and spam")
	firstUser := flag.Uint("first-user", 1, "First user ID; clients use sequential IDs from here")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	interval := flag.Duration("interval", 5*time.Second, "Per-client send interval")
	flag.Parse()

	log.Printf("Starting chat load test")
	log.Printf("Target: %s", *host)
	log.Printf("Clients: %d", *clients)
	log.Printf("Duration: %v", *duration)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		userID := *firstUser + uint(i)
		go runClient(*host, *secret, userID, *chatID, *interval, stopChan, &wg)
		time.Sleep(50 * time.Millisecond) // Stagger connections
	}

	select {
	case <-time.After(*duration):
		log.Println("Test duration reached")
	case <-interrupt:
		log.Println("Interrupted by user")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

// mintToken signs a short-lived HS256 token for the given user, matching
// what the external credential service would issue.
func mintToken(secret string, userID uint) (string, error) {
	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func runClient(host, secret string, userID, chatID uint, interval time.Duration, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	token, err := mintToken(secret, userID)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	c := client.New(client.Options{
		URL:   fmt.Sprintf("ws://%s/api/ws/chat", host),
		Token: token,
		OnStateChange: func(s client.State) {
			if s == client.StateReconnecting {
				atomic.AddInt64(&metrics.Reconnects, 1)
			}
		},
		OnError: func(err error) {
			atomic.AddInt64(&metrics.Errors, 1)
		},
	})

	c.On(realtime.EventNewMessage, func(ev realtime.Event, payload json.RawMessage) {
		atomic.AddInt64(&metrics.MessagesReceived, 1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = c.Connect(ctx)
	cancel()
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	defer c.Disconnect()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	if err := c.JoinChat(chatID); err != nil {
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			_, err := c.SendMessage(chatID, fmt.Sprintf("Load test message from user %d", userID))
			if err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				continue
			}
			atomic.AddInt64(&metrics.MessagesSent, 1)
		}
	}
}

func printMetrics() {
	log.Println("\nTest Results")
	log.Println("============")
	log.Printf("Connections Attempted: %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("Connections Successful: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("Connections Failed: %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("Messages Sent: %d", atomic.LoadInt64(&metrics.MessagesSent))
	log.Printf("Messages Received: %d", atomic.LoadInt64(&metrics.MessagesReceived))
	log.Printf("Reconnects: %d", atomic.LoadInt64(&metrics.Reconnects))
	log.Printf("Total Errors: %d", atomic.LoadInt64(&metrics.Errors))
}
