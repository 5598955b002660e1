// ABOUTME: Minimal fake fulfillment service for E2E testing of intake-gateway handoffs.
// ABOUTME: Usage: fake-fulfillment [-addr localhost:9000] [-delay 500ms] [-fail]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func main() {
	addr := flag.String("addr", "localhost:9000", "listen address")
	delay := flag.Duration("delay", 500*time.Millisecond, "pause between status and results")
	fail := flag.Bool("fail", false, "answer every request with search_error")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *addr, *delay, *fail); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, addr string, delay time.Duration, fail bool) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Printf("accept failed: %v", err)
			return
		}
		defer conn.CloseNow()
		fmt.Fprintf(os.Stderr, "gateway connected from %s\n", r.RemoteAddr)
		serveConn(r.Context(), conn, delay, fail)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake fulfillment listening on ws://%s/ws\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func serveConn(ctx context.Context, conn *websocket.Conn, delay time.Duration, fail bool) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gateway disconnected: %v\n", err)
			return
		}

		if name := gjson.GetBytes(data, "event").String(); name != "submit_request" {
			fmt.Fprintf(os.Stderr, "ignoring %q\n", name)
			continue
		}
		convID := gjson.GetBytes(data, "data.conversation_id").String()
		req := gjson.GetBytes(data, "data.request")
		product := req.Get("product").String()
		quantity := req.Get("quantity").Int()
		fmt.Fprintf(os.Stderr, "request %s: %d x %s (%s)\n", convID, quantity, product, req.Get("supplier_type").String())

		go respond(ctx, conn, convID, product, quantity, delay, fail)
	}
}

func respond(ctx context.Context, conn *websocket.Conn, convID, product string, quantity int64, delay time.Duration, fail bool) {
	send := func(event string, data map[string]any) {
		data["conversation_id"] = convID
		data["event_id"] = uuid.New().String()
		payload, err := json.Marshal(frame{Event: event, Data: data})
		if err != nil {
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
		}
	}

	send("search_status", map[string]any{"content": fmt.Sprintf("Searching suppliers for %s...", product)})

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	if fail {
		send("search_error", map[string]any{"content": "No suppliers are available right now."})
		return
	}

	products := []map[string]any{
		{"name": product + " (standard)", "supplier": "Acme Supply", "unit_price": 120, "quantity": quantity},
		{"name": product + " (premium)", "supplier": "Globex Trading", "unit_price": 185, "quantity": quantity},
	}
	send("search_results", map[string]any{
		"content":  fmt.Sprintf("Found %d offers for %s.", len(products), product),
		"products": products,
		"done":     true,
	})
}
