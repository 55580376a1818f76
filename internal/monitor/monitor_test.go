package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omnicloud/piecestore/internal/process"
)

type fakeSource struct {
	stats process.Stats
}

func (f fakeSource) Stats() process.Stats { return f.stats }

type fakePieces struct {
	pieces map[int][]byte
}

func (f fakePieces) ReadPiece(i int) ([]byte, error) {
	b, ok := f.pieces[i]
	if !ok {
		return nil, fmt.Errorf("no such piece: %d", i)
	}
	return b, nil
}

func TestHandleStatusReturnsCounters(t *testing.T) {
	src := fakeSource{stats: process.Stats{
		BatchesWritten:    3,
		PiecesWritten:     7,
		RequestsFulfilled: 5,
		RequestsDropped:   1,
	}}
	srv := NewServer(":0", src, NewHub(), nil)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	want := statusResponse{BatchesWritten: 3, PiecesWritten: 7, RequestsFulfilled: 5, RequestsDropped: 1}
	if got != want {
		t.Fatalf("status response = %+v, want %+v", got, want)
	}
}

func TestHandleWebSocketBroadcastsEvents(t *testing.T) {
	hub := NewHub()
	stop := make(chan struct{})
	defer close(stop)
	go hub.Run(stop)

	srv := NewServer(":0", fakeSource{}, hub, nil)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the client before publishing,
	// since registration happens on the hub's own goroutine.
	time.Sleep(20 * time.Millisecond)

	hub.Observe(process.Event{Kind: process.EventBatchWritten, BatchSize: 2})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var got process.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if got.Kind != process.EventBatchWritten || got.BatchSize != 2 {
		t.Fatalf("event = %+v", got)
	}
}

func TestHandleWebSocketUnavailableWithoutHub(t *testing.T) {
	srv := NewServer(":0", fakeSource{}, nil, nil)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHandlePieceReturnsLength(t *testing.T) {
	pieces := fakePieces{pieces: map[int][]byte{0: []byte("AAAA"), 1: []byte("BB")}}
	srv := NewServer(":0", fakeSource{}, NewHub(), pieces)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/pieces/1")
	if err != nil {
		t.Fatalf("GET /pieces/1: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got pieceResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got != (pieceResponse{Index: 1, Length: 2}) {
		t.Fatalf("piece response = %+v", got)
	}
}

func TestHandlePieceMissingReturns404(t *testing.T) {
	pieces := fakePieces{pieces: map[int][]byte{}}
	srv := NewServer(":0", fakeSource{}, NewHub(), pieces)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/pieces/9")
	if err != nil {
		t.Fatalf("GET /pieces/9: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
