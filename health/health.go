// Package health reports readiness of the service's dependencies.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type Status string

const (
	Healthy   Status = "Healthy"
	Degraded  Status = "Degraded"
	Unhealthy Status = "Unhealthy"
)

func (s Status) rank() int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	default:
		return 2
	}
}

// Result is the outcome of one dependency check.
type Result struct {
	Status      Status `json:"status"`
	Description string `json:"description,omitempty"`
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) Result

// Pinger is implemented by the saga stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck is Unhealthy when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) Result {
		if err := p.Ping(ctx); err != nil {
			return Result{Status: Unhealthy, Description: err.Error()}
		}
		return Result{Status: Healthy}
	}
}

// BrokerLister returns the brokers known to the cluster.
type BrokerLister func(ctx context.Context) ([]kafka.Broker, error)

// KafkaBrokers lists cluster brokers through the first reachable bootstrap address.
func KafkaBrokers(addrs []string) BrokerLister {
	return func(ctx context.Context) ([]kafka.Broker, error) {
		var lastErr error
		for _, addr := range addrs {
			conn, err := kafka.DialContext(ctx, "tcp", addr)
			if err != nil {
				lastErr = err
				continue
			}
			brokers, err := conn.Brokers()
			conn.Close()
			if err != nil {
				lastErr = err
				continue
			}
			return brokers, nil
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no bootstrap brokers configured")
		}
		return nil, lastErr
	}
}

// KafkaCheck is Healthy with at least one broker, Degraded with none and
// Unhealthy when metadata cannot be fetched.
func KafkaCheck(list BrokerLister) CheckFunc {
	return func(ctx context.Context) Result {
		brokers, err := list(ctx)
		if err != nil {
			return Result{Status: Unhealthy, Description: err.Error()}
		}
		if len(brokers) == 0 {
			return Result{Status: Degraded, Description: "no brokers available"}
		}
		return Result{Status: Healthy, Description: fmt.Sprintf("%d broker(s)", len(brokers))}
	}
}

// Report aggregates every check; its status is the worst of them.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]Result `json:"checks"`
}

// Checker runs named checks concurrently under a shared timeout.
type Checker struct {
	timeout time.Duration
	checks  map[string]CheckFunc
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Checker{timeout: timeout, checks: make(map[string]CheckFunc)}
}

// Add registers check under name. Not safe for use once serving.
func (c *Checker) Add(name string, check CheckFunc) *Checker {
	c.checks[name] = check
	return c
}

func (c *Checker) Run(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.checks[name](ctx)
		}()
	}
	wg.Wait()

	report := Report{Status: Healthy, Checks: make(map[string]Result, len(names))}
	for i, name := range names {
		report.Checks[name] = results[i]
		if results[i].Status.rank() > report.Status.rank() {
			report.Status = results[i].Status
		}
	}
	return report
}

// ServeHTTP answers 503 when any check is Unhealthy and 200 otherwise.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := c.Run(r.Context())
	code := http.StatusOK
	if report.Status == Unhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}
