// Linkpulse Alert Receiver Example
//
// This is a minimal example of how to receive and verify Linkpulse burst
// alerts.
//
// Usage:
//   export LINKPULSE_ALERT_SECRET="your_shared_secret_here"
//   go run main.go
//
// Then point the pipeline at this receiver:
//   export ALERT_WEBHOOK_URL="https://your-server:443/alerts"
//   export ALERT_WEBHOOK_SECRET="your_shared_secret_here"

package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"
)

// BurstAlert is the JSON body Linkpulse delivers on BURST entry and exit.
type BurstAlert struct {
	Event      string  `json:"event"` // load.burst_started / load.burst_ended
	Scope      string  `json:"scope"` // "global" or a link id
	FromState  string  `json:"from_state"`
	ToState    string  `json:"to_state"`
	Rate       float64 `json:"rate"` // EWMA events/sec at transition time
	OccurredAt string  `json:"occurred_at"`
}

func main() {
	secret := os.Getenv("LINKPULSE_ALERT_SECRET")
	if secret == "" {
		log.Fatal("LINKPULSE_ALERT_SECRET environment variable is required")
	}

	http.HandleFunc("/alerts", alertHandler(secret))
	http.HandleFunc("/health", healthHandler)

	log.Println("Starting alert receiver on :9000")
	log.Println("Endpoint: http://localhost:9000/alerts")
	log.Fatal(http.ListenAndServe(":9000", nil))
}

func alertHandler(secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Read body
		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Printf("Error reading body: %v", err)
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		// Signature, timestamp, and delivery id travel in separate headers
		signature := r.Header.Get("X-Linkpulse-Signature")
		timestamp := r.Header.Get("X-Linkpulse-Timestamp")
		deliveryID := r.Header.Get("X-Linkpulse-Delivery-Id")
		if signature == "" || timestamp == "" {
			log.Println("Missing signature headers")
			http.Error(w, "Missing signature", http.StatusUnauthorized)
			return
		}

		// Verify signature
		if !verifySignature(signature, timestamp, string(body), secret) {
			log.Println("Invalid signature")
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}

		// Parse alert
		var alert BurstAlert
		if err := json.Unmarshal(body, &alert); err != nil {
			log.Printf("Error parsing JSON: %v", err)
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		// Process the alert. The notifier retries non-2xx responses, so
		// respond 200 once the alert is safely handed off.
		log.Printf("✓ Received %s for scope %s", alert.Event, alert.Scope)
		log.Printf("  Delivery:   %s", deliveryID)
		log.Printf("  Transition: %s -> %s", alert.FromState, alert.ToState)
		log.Printf("  Rate:       %.1f events/sec", alert.Rate)
		log.Printf("  At:         %s", alert.OccurredAt)

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received"})
	}
}

// verifySignature verifies the HMAC-SHA256 signature from Linkpulse.
//
// Signed payload: {timestamp}.{body}, with the timestamp taken from the
// X-Linkpulse-Timestamp header (unix seconds) and the hex signature from
// X-Linkpulse-Signature.
func verifySignature(signature, timestamp, body, secret string) bool {
	// Check timestamp (±5 min tolerance)
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if math.Abs(float64(time.Now().Unix()-ts)) > 300 {
		log.Println("Signature timestamp too old or in future")
		return false
	}

	// Compute expected signature
	signedPayload := fmt.Sprintf("%s.%s", timestamp, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
