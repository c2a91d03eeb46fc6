package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zombor/spendsight/internal/failure"
	"github.com/zombor/spendsight/internal/receipt"
	"github.com/zombor/spendsight/internal/report"
)

const keepAliveInterval = 25 * time.Second

type snapshotPayload struct {
	Receipts []*receipt.Receipt `json:"receipts"`
	Totals   report.Totals      `json:"totals"`
}

type changePayload struct {
	Event  receipt.Event `json:"event"`
	Totals report.Totals `json:"totals"`
}

// handleEvents streams the user's change feed as Server-Sent Events. The
// subscription starts before the snapshot is read so no change between the
// two is lost; replays are harmless because events apply by id.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, failure.Newf(failure.Unexpected, "streaming events", "streaming unsupported"))
		return
	}

	user := currentUser(r)
	events, cancel := s.receipts.Feed().Subscribe(user.ID)
	defer cancel()

	initial, err := s.receipts.ListReceipts(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	list := receipt.NewRecordList(initial)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshot := list.Receipts()
	if err := writeEvent(w, "snapshot", snapshotPayload{Receipts: snapshot, Totals: report.ComputeTotals(snapshot)}); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-events:
			if !open {
				return
			}
			if !list.Apply(evt) {
				continue
			}
			if err := writeEvent(w, "change", changePayload{Event: evt, Totals: report.ComputeTotals(list.Receipts())}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
