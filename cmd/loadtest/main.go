package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angariumd/hcmp/internal/netutils"
)

var (
	controllerURL string
	token         string
	template      string
	concurrency   int
	jobsPerWorker int
	cleanup       bool
	insecure      bool
)

func init() {
	flag.StringVar(&controllerURL, "url", "http://localhost:8080", "Controller URL")
	flag.StringVar(&token, "token", "", "Auth token")
	flag.StringVar(&template, "template", "single", "Stack template to request")
	flag.IntVar(&concurrency, "c", 10, "Number of concurrent workers")
	flag.IntVar(&jobsPerWorker, "n", 1, "Requests per worker")
	flag.BoolVar(&cleanup, "cleanup", true, "Delete accepted jobs afterwards")
	flag.BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
}

type provisionResult struct {
	JobID       int64    `json:"job_id"`
	AssignedIPs []string `json:"assigned_ips"`
}

// Stats
var (
	acceptedCount int64
	rejectedCount int64
	failCount     int64
	totalLatency  int64 // nanoseconds
)

func main() {
	flag.Parse()
	if token == "" {
		token = os.Getenv("HCMP_TOKEN")
	}

	client := netutils.NewClient(controllerURL, token, insecure)
	totalJobs := concurrency * jobsPerWorker
	fmt.Printf("Starting allocation test: %d workers, %d requests each (%d total, template %s)\n", concurrency, jobsPerWorker, totalJobs, template)
	fmt.Printf("Target: %s\n", controllerURL)

	var (
		mu      sync.Mutex
		results []provisionResult
	)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for _, r := range worker(client, id) {
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	duration := time.Since(start)

	avgLatency := time.Duration(atomic.LoadInt64(&totalLatency) / int64(max(totalJobs, 1)))
	fmt.Printf("\n--- Results (%d total) ---\n", totalJobs)
	fmt.Printf("Duration: %v (%.2f ops/sec)\n", duration, float64(totalJobs)/duration.Seconds())
	fmt.Printf("Latency:  avg=%v\n", avgLatency)
	fmt.Printf("Status:   %d accepted, %d rejected (pool exhausted), %d failed\n",
		atomic.LoadInt64(&acceptedCount), atomic.LoadInt64(&rejectedCount), atomic.LoadInt64(&failCount))

	overlaps := findOverlaps(results)
	for _, o := range overlaps {
		fmt.Printf("OVERLAP: %s\n", o)
	}

	if cleanup {
		for _, r := range results {
			if err := client.Do(context.Background(), "DELETE", fmt.Sprintf("/v1/provision/%d", r.JobID), nil, nil); err != nil {
				fmt.Printf("cleanup of job #%d failed: %v\n", r.JobID, err)
			}
		}
	}

	if len(overlaps) > 0 {
		os.Exit(1)
	}
}

func worker(client *netutils.Client, id int) []provisionResult {
	var out []provisionResult
	for j := 0; j < jobsPerWorker; j++ {
		req := map[string]any{
			"serviceName": fmt.Sprintf("loadtest-%d-%d", id, j),
			"userName":    "loadtest",
			"config":      map[string]any{"template": template},
		}

		reqStart := time.Now()
		var res provisionResult
		err := client.Do(context.Background(), "POST", "/v1/provision", req, &res)
		atomic.AddInt64(&totalLatency, int64(time.Since(reqStart)))

		var apiErr *netutils.APIError
		switch {
		case err == nil:
			atomic.AddInt64(&acceptedCount, 1)
			out = append(out, res)
		case errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict:
			atomic.AddInt64(&rejectedCount, 1)
		default:
			atomic.AddInt64(&failCount, 1)
			fmt.Printf("[W%d] Error: %v\n", id, err)
		}
	}
	return out
}

// findOverlaps reports addresses handed to more than one accepted job.
func findOverlaps(results []provisionResult) []string {
	owner := map[string]int64{}
	var overlaps []string
	for _, r := range results {
		for _, addr := range r.AssignedIPs {
			if prev, ok := owner[addr]; ok {
				overlaps = append(overlaps, fmt.Sprintf("%s assigned to job #%d and job #%d", addr, prev, r.JobID))
				continue
			}
			owner[addr] = r.JobID
		}
	}
	return overlaps
}
