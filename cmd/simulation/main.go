package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"
)

const (
	simulationDuration = 5 * time.Minute
	injectionInterval  = 5 * time.Second
	orchestratorURL    = "http://localhost:8080"
)

var (
	agents = [][]string{
		{"claude-architect"},
		{"gemini-developer"},
		{"claude-architect", "gemini-developer"},
		{"claude-architect", "gemini-developer", "claude-tester"},
	}
	modes = []string{"parallel", "sequential", "hybrid"}
	types = []string{"feature_development", "code_review", "bug_fix", "simulation-job"}
)

func main() {
	client := &http.Client{Timeout: 10 * time.Second}

	// Probe the orchestrator before generating traffic
	if _, err := client.Get(orchestratorURL + "/health"); err != nil {
		log.Fatal("Orchestrator unreachable (ensure 'make up' is running): ", err)
	}

	fmt.Println("🚀 Starting 5-minute Traffic Simulation...")
	fmt.Println("   Monitoring orchestrator decisions...")

	endTime := time.Now().Add(simulationDuration)
	ticker := time.NewTicker(injectionInterval)
	defer ticker.Stop()

	// Monitor stats in background
	go monitorQueue(client)

	taskCount := 0

	for range ticker.C {
		if time.Now().After(endTime) {
			fmt.Println("\n✅ Simulation Complete.")
			return
		}

		// Generate a batch of tasks
		batchSize := rand.Intn(5) + 1 // 1-5 tasks
		fmt.Printf("\n[Generator] Injecting %d new tasks...\n", batchSize)

		for i := 0; i < batchSize; i++ {
			taskCount++
			submit(client, taskCount)
		}
	}
}

func submit(client *http.Client, n int) {
	body := map[string]any{
		"task_type":      types[rand.Intn(len(types))],
		"execution_mode": modes[rand.Intn(len(modes))],
		"agents":         agents[rand.Intn(len(agents))],
		"priority":       rand.Intn(10), // 0-9
		"payload": map[string]any{
			"description": fmt.Sprintf("simulated workload %d", n),
		},
	}

	raw, _ := json.Marshal(body)
	resp, err := client.Post(orchestratorURL+"/execute", "application/json", bytes.NewReader(raw))
	if err != nil {
		log.Printf("Failed to submit task %d: %v", n, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		payload, _ := io.ReadAll(resp.Body)
		log.Printf("Task %d rejected (%d): %s", n, resp.StatusCode, payload)
	}
}

func monitorQueue(client *http.Client) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		resp, err := client.Get(orchestratorURL + "/queue/status")
		if err != nil {
			continue
		}

		var status struct {
			Pending  int `json:"pending"`
			Running  int `json:"running"`
			Capacity struct {
				UsedCPU float64 `json:"used_cpu"`
				MaxCPU  float64 `json:"max_cpu"`
			} `json:"capacity"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err == nil {
			fmt.Printf("[Monitor] pending=%d running=%d cpu=%.1f/%.1f\n",
				status.Pending, status.Running, status.Capacity.UsedCPU, status.Capacity.MaxCPU)
		}
		resp.Body.Close()
	}
}
