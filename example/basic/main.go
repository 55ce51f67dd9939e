package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	mcpv2 "github.com/mcp-orchestration/mcp-v2-go-client"
)

func main() {
	endpoint := flag.String("endpoint", "http://localhost:8080", "MCP v2 server endpoint")
	transport := flag.String("transport", "http", "Transport kind (http, websocket or sse)")
	method := flag.String("method", "tools/list", "Method to call")

	flag.Parse()

	cfg := mcpv2.DevelopmentConfig(mcpv2.TransportKind(*transport), *endpoint)

	cli, err := mcpv2.New(cfg)
	if err != nil {
		fmt.Println("Error: failed to create client:", err)
		os.Exit(1)
	}

	cli.AddEventListener(mcpv2.EventResponseReceived, func(ev mcpv2.Event) {
		fmt.Printf("[event] %s at %s\n", ev.Type, ev.Timestamp.Format(time.RFC3339))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		fmt.Println("Error: failed to connect:", err)
		os.Exit(1)
	}
	fmt.Println("Connected to", *endpoint)

	cli.UpdateContext(&mcpv2.ContextInfo{
		SessionID: "example-session",
		UserID:    "example-user",
		Capabilities: map[string]bool{
			"streaming": true,
		},
	})

	res, err := cli.Send(ctx, *method, map[string]any{})
	if err != nil {
		fmt.Println("Error: request failed:", err)
	} else {
		fmt.Printf("Result: %s\n", res.Result)
	}

	metrics := cli.CollectMetrics()
	fmt.Printf("Metrics: requests=%v responses=%v errors=%v\n",
		metrics["requests_total"], metrics["responses_total"], metrics["errors_total"])

	if err := cli.Close(); err != nil {
		fmt.Println("Error: failed to close client:", err)
		os.Exit(1)
	}
}
