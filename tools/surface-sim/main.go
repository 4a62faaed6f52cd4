// surface-sim plays the part of a surface endpoint during development: it
// accepts prompt deliveries, verifies their signatures, and optionally
// replies back so suspended runs resume without a real bridge.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type delivery struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id"`
	RunID     string `json:"run_id"`
	Signature string `json:"signature"`
	Verified  *bool  `json:"verified,omitempty"`
	Body      string `json:"body"`
}

type stats struct {
	Count          int64      `json:"count"`
	LastDeliveries []delivery `json:"last_deliveries"`
	Since          string     `json:"since"`
}

var (
	mu             sync.Mutex
	count          int64
	lastDeliveries []delivery
	since          time.Time
	maxStored      = 50

	secret    = os.Getenv("SECRET")
	replyTo   = os.Getenv("REPLY_URL") // e.g. http://localhost:8080/replies
	replyAs   = os.Getenv("SURFACE")   // surface name to reply as
	replyBody = os.Getenv("REPLY_PAYLOAD")
)

func main() {
	since = time.Now().UTC()

	addr := ":9000"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	if replyAs == "" {
		replyAs = "sim"
	}
	if replyBody == "" {
		replyBody = `{"answer":"ok"}`
	}

	http.HandleFunc("/prompt", promptHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		lastDeliveries = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("surface-sim listening on %s (reply_url=%q surface=%q)", addr, replyTo, replyAs)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func promptHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	requestID := r.Header.Get("X-Spanreed-Request-ID")
	sig := r.Header.Get("X-Spanreed-Signature")

	d := delivery{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: requestID,
		RunID:     r.Header.Get("X-Spanreed-Run-ID"),
		Signature: sig,
		Body:      string(body),
	}

	if secret != "" {
		ok := verifySignature(body, sig, secret)
		d.Verified = &ok
		if !ok {
			log.Printf("prompt request=%s: BAD SIGNATURE", requestID)
		}
	}

	mu.Lock()
	count++
	lastDeliveries = append(lastDeliveries, d)
	if len(lastDeliveries) > maxStored {
		lastDeliveries = lastDeliveries[len(lastDeliveries)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("prompt received #%d request=%s run=%s: %s", current, requestID, d.RunID, string(body))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)

	if replyTo != "" && requestID != "" {
		go reply(requestID)
	}
}

func reply(requestID string) {
	payload, err := json.Marshal(map[string]json.RawMessage{
		"request_id": json.RawMessage(`"` + requestID + `"`),
		"surface":    json.RawMessage(`"` + replyAs + `"`),
		"payload":    json.RawMessage(replyBody),
	})
	if err != nil {
		log.Printf("reply request=%s: marshal: %v", requestID, err)
		return
	}

	resp, err := http.Post(replyTo, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Printf("reply request=%s: %v", requestID, err)
		return
	}
	defer resp.Body.Close()
	log.Printf("reply request=%s: status=%d", requestID, resp.StatusCode)
}

func verifySignature(body []byte, header, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(want))
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:          count,
		LastDeliveries: lastDeliveries,
		Since:          since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
