package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/acheong08/safedeps/internal/telemetry"
)

var (
	ErrNotFound     = errors.New("package not found")
	ErrUpstreamDown = errors.New("upstream unavailable")
)

// StatusError is returned for unexpected HTTP responses
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.Code, e.URL, e.Body)
}

// Breakers holds one circuit breaker per upstream host. A host trips after
// five consecutive failures and is retried on an exponential schedule.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*circuit.Breaker
}

// NewBreakers creates an empty breaker set
func NewBreakers() *Breakers {
	return &Breakers{breakers: make(map[string]*circuit.Breaker)}
}

func (b *Breakers) get(host string) *circuit.Breaker {
	b.mu.RLock()
	breaker, ok := b.breakers[host]
	b.mu.RUnlock()
	if ok {
		return breaker
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if breaker, ok := b.breakers[host]; ok {
		return breaker
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	b.breakers[host] = breaker
	return breaker
}

// State reports "open" or "closed" per host
func (b *Breakers) State() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	states := make(map[string]string, len(b.breakers))
	for host, breaker := range b.breakers {
		if breaker.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

// Do sends req through the breaker for its host and returns the body of a
// 200 response. A 404 is reported as ErrNotFound without counting against
// the breaker.
func (b *Breakers) Do(ctx context.Context, client *http.Client, req *http.Request) ([]byte, error) {
	host := hostOf(req.URL)
	breaker := b.get(host)
	if !breaker.Ready() {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", host, ErrUpstreamDown)
	}

	var body []byte
	notFound := false
	err := breaker.Call(func() error {
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			telemetry.TrackRegistryRequest(host, "error")
			return err
		}
		defer resp.Body.Close()
		telemetry.TrackRegistryRequest(host, strconv.Itoa(resp.StatusCode))

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err = io.ReadAll(resp.Body)
			return err
		case resp.StatusCode == http.StatusNotFound:
			notFound = true
			return nil
		default:
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{URL: req.URL.String(), Code: resp.StatusCode, Body: string(snippet)}
		}
	}, 0)
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, ErrNotFound
	}
	return body, nil
}

func hostOf(u *url.URL) string {
	if u == nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
