package events

import (
	"fmt"
	"net/http"
	"strings"
)

// SSEHandler streams events as Server-Sent Events. ?kinds=a,b limits the
// stream to the named kinds.
func SSEHandler(b *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		filter := parseKinds(r.URL.Query().Get("kinds"))

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		id, ch := b.Subscribe()
		defer b.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if filter != nil && !filter[evt.Kind] {
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Kind, evt.Data)
				flusher.Flush()
			}
		}
	}
}

func parseKinds(q string) map[Kind]bool {
	if strings.TrimSpace(q) == "" {
		return nil
	}
	out := make(map[Kind]bool)
	for _, k := range strings.Split(q, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out[Kind(k)] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
