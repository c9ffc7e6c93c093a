package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	jwtSecret   string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // Conflicts (state races on contended listings)
	fail422       uint64 // Rejected (funds, allowance, validation)
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "list", "Workload type: list | rent | hotspot")
	flag.StringVar(&jwtSecret, "secret", "dev-secret", "JWT signing secret (must match the API server)")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		var endpoint, caller string
		var payload interface{}

		switch workload {
		case "rent", "hotspot":
			// Assumes each seeded owner listed their erc721 first (lending ids 1-100,
			// asset id = lending id - 1).
			renter := rand.Intn(100)
			caller = fmt.Sprintf("renter-%d", renter)
			lendingID := int64(rand.Intn(100) + 1)
			if workload == "hotspot" && rand.Float32() < 0.90 {
				// 90% of rentals pile onto two listings.
				lendingID = int64(rand.Intn(2) + 1)
			}
			endpoint = "/api/v1/rentals"
			payload = []map[string]interface{}{{
				"lending_id":         lendingID,
				"asset_address":      "demo:erc721",
				"asset_id":           lendingID - 1,
				"amount":             1,
				"rent_duration_days": 1,
				"attached_value":     "10",
			}}
		default:
			owner := rand.Intn(100)
			caller = fmt.Sprintf("owner-%d", owner)
			endpoint = "/api/v1/listings"
			payload = []map[string]interface{}{{
				"asset_address":          "demo:erc1155",
				"asset_id":               owner,
				"amount":                 1,
				"max_rent_duration_days": 7,
				"daily_rent_price":       "1.5",
				"collateral_value":       "3",
				"payment_token":          0,
			}}
		}

		body, _ := json.Marshal(payload)
		key := fmt.Sprintf("bench-%s-%d", caller, time.Now().UnixNano())

		req, _ := http.NewRequest("POST", targetURL+endpoint, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		req.Header.Set("Authorization", "Bearer "+signToken(caller))

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 200:
			atomic.AddUint64(&success200, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func signToken(subject string) string {
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		log.Fatalf("token signing failed: %v", err)
	}
	return signed
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var conflictRate float64
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   s201,
		"success_replay":    s200,
		"conflicts":         f409,
		"conflict_rate_pct": conflictRate,
		"rejected":          f422,
		"errors":            fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
