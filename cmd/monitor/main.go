package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// LogEntry matches the Zap JSON structure
type LogEntry struct {
	Level   string `json:"level"`
	Msg     string `json:"msg"`
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Agent   string `json:"agent"`
	Service string `json:"service"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

func main() {
	fmt.Println(colorCyan + "🚀 Agent Activity Monitor Starting..." + colorReset)
	fmt.Println(colorGray + "Listening for task events from the orchestrator and agent workers..." + colorReset)
	fmt.Println("-------------------------------------------------------------------------")

	// Use docker service logs with follow and tail
	cmd := exec.Command("docker", "service", "logs", "-f",
		"orchestrator_orchestrator", "orchestrator_claude-agent", "orchestrator_gemini-agent")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fmt.Printf("Error creating stdout pipe: %v\n", err)
		return
	}

	if err := cmd.Start(); err != nil {
		fmt.Printf("Error starting docker logs command: %v\n", err)
		return
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()

		// Docker service logs format: "service_name.instance.id | {JSON}"
		parts := strings.SplitN(line, "|", 2)
		if len(parts) < 2 {
			continue
		}

		jsonPayload := strings.TrimSpace(parts[1])

		var entry LogEntry
		if err := json.Unmarshal([]byte(jsonPayload), &entry); err != nil {
			// Not a JSON log or different format, ignore
			continue
		}

		prettify(entry)
	}

	if err := cmd.Wait(); err != nil {
		fmt.Printf("Docker command exited: %v\n", err)
	}
}

func prettify(entry LogEntry) {
	source := colorBlue + "ORCHESTRATOR" + colorReset
	if entry.Agent != "" {
		source = colorPurple + strings.ToUpper(entry.Agent) + colorReset
	}

	msg := entry.Msg
	taskID := entry.TaskID

	switch {
	case strings.Contains(msg, "Task submitted"):
		fmt.Printf("[%s] 📥 "+colorYellow+"Submitted:"+colorReset+" %s\n", source, taskID)
	case strings.Contains(msg, "Invocation received"):
		fmt.Printf("[%s] ⚙️  "+colorCyan+"Working:"+colorReset+"   %s\n", source, taskID)
	case strings.Contains(msg, "Task dispatched"):
		fmt.Printf("[%s] 🚚 "+colorBlue+"Dispatched:"+colorReset+" %s\n", source, taskID)
	case strings.Contains(msg, "Task finished") && entry.Status == "completed":
		fmt.Printf("[%s] ✅ "+colorGreen+"Completed:"+colorReset+" %s\n", source, taskID)
	case strings.Contains(msg, "Task finished") && entry.Status == "cancelled":
		fmt.Printf("[%s] 🚫 "+colorYellow+"Cancelled:"+colorReset+" %s\n", source, taskID)
	case strings.Contains(msg, "Task finished"):
		fmt.Printf("[%s] 💥 "+colorRed+"Failed:"+colorReset+"    %s\n", source, taskID)
	case strings.Contains(msg, "Agent registered") || strings.Contains(msg, "Heartbeat"):
		// Skip heartbeats to keep it clean
	case entry.Level == "error":
		fmt.Printf("[%s] ❌ "+colorRed+"ERROR:"+colorReset+" %s\n", source, msg)
	}
}
