// devfeed is a development tool: it runs the real ingest pipeline with no
// live platform connections and accepts synthetic raw payloads over HTTP,
// so overlay and consumer work does not need a live stream.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"

	"github.com/you/streamweave/internal/bus"
	"github.com/you/streamweave/internal/core"
	"github.com/you/streamweave/internal/httpapi"
	"github.com/you/streamweave/internal/ingest"
	"github.com/you/streamweave/internal/monetize"
	"github.com/you/streamweave/internal/platform"
)

type emitReq struct {
	Platform string         `json:"platform"`
	Kind     string         `json:"kind"` // chat, gift, paypiggy
	Payload  map[string]any `json:"payload"`
}

func main() {
	var addr string
	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.Parse()

	b := bus.New(nil)
	pipeline := ingest.NewPipeline(
		ingest.NewNormalizer(nil),
		ingest.NewCutoffs(),
		&ingest.SelfFilter{},
		monetize.NewDetector(),
		nil,
		b,
	)
	defer pipeline.Close()

	api := httpapi.New(nil, nil, httpapi.Options{Addr: addr})
	detach := api.AttachBus(b)
	defer detach()

	api.Mux().HandleFunc("POST /emit", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		p, ok := core.ParsePlatform(req.Platform)
		if !ok {
			http.Error(w, "unknown platform", http.StatusBadRequest)
			return
		}
		if len(req.Payload) == 0 {
			http.Error(w, "payload required", http.StatusBadRequest)
			return
		}

		raw := platform.Payload(req.Payload)
		switch req.Kind {
		case "", "chat":
			pipeline.SubmitChat(p, raw)
		case "gift":
			pipeline.SubmitGift(p, raw)
		case "paypiggy":
			pipeline.SubmitPaypiggy(p, raw)
		default:
			http.Error(w, "kind must be chat, gift, or paypiggy", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	log.Printf("devfeed listening on %s (subscribe to /events, POST to /emit)", addr)
	if err := api.Start(); err != nil {
		log.Fatal(err)
	}
}
