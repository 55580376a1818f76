// Package process implements the Writer Process: a single owned goroutine
// that holds a Writer, a Reader, and a piece buffer handle, and dispatches
// inbound peer messages to them in the order received.
package process

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/omnicloud/piecestore/internal/reader"
	"github.com/omnicloud/piecestore/internal/writer"
)

// BlockInfo names a byte range within a piece, as requested by a peer.
type BlockInfo struct {
	PieceIndex  int
	BlockOffset int64
	BlockLength int64
}

// BlockIndex names a byte range within a piece in a response, omitting the
// length (implied by len(bytes)).
type BlockIndex struct {
	PieceIndex  int
	BlockOffset int64
}

// PeerToWriter is the inbound message sum type. Exactly one of the two
// variants is populated; IsPieceRequest discriminates them rather than using
// a nullable *BlockInfo, matching the source's tagged-union posture used
// throughout this codebase (see internal/layout.SplitPiece).
type PeerToWriter struct {
	IsPieceRequest bool

	// PieceRequest fields.
	Peer  uuid.UUID
	Block BlockInfo
}

// BufferWritten constructs the no-payload "drain the piece buffer" message.
func BufferWritten() PeerToWriter {
	return PeerToWriter{IsPieceRequest: false}
}

// PieceRequest constructs a request for a block of a piece on behalf of peer.
func PieceRequest(peer uuid.UUID, block BlockInfo) PeerToWriter {
	return PeerToWriter{IsPieceRequest: true, Peer: peer, Block: block}
}

// WriterToPeer is the single outbound message variant: a fulfilled block
// request, routed back to the peer that asked for it.
type WriterToPeer struct {
	Peer  uuid.UUID
	Index BlockIndex
	Bytes []byte
}

// Event describes one observable thing the Writer Process did, for the
// monitoring surface. It carries no connection handles; observers only see
// what happened, never how to act on it.
type Event struct {
	Kind       string
	PieceIndex int
	BatchSize  int
	Peer       uuid.UUID
}

const (
	EventBatchWritten        = "batch_written"
	EventPieceFulfilled      = "piece_fulfilled"
	EventPieceRequestDropped = "piece_request_dropped"
)

// EventSink receives Events as they happen. Observe must not block; the
// Writer Process has exactly one goroutine and a slow observer would stall
// every peer in line behind it.
type EventSink interface {
	Observe(Event)
}

// Stats is a point-in-time snapshot of Process counters.
type Stats struct {
	BatchesWritten   int64
	PiecesWritten    int64
	RequestsFulfilled int64
	RequestsDropped  int64
}

// PeerSink delivers a WriterToPeer message to the peer-serving layer. The
// Writer Process holds an immutable snapshot of this handle; it never holds
// a back-reference to individual peer connections (spec.md §9).
type PeerSink interface {
	Deliver(WriterToPeer)
}

// PeerSinkFunc adapts a function to PeerSink.
type PeerSinkFunc func(WriterToPeer)

func (f PeerSinkFunc) Deliver(msg WriterToPeer) { f(msg) }

// CompletedPiece pairs a verified piece index with its full bytes, as
// produced by the piece buffer once a piece's blocks are fully received and
// hash-verified upstream (verification itself is out of scope here).
type CompletedPiece = writer.CompletedPiece

// PieceBuffer is the external, concurrency-safe handle to the in-memory
// block-reassembly buffer (spec.md §6's "drainCompletedPieces" interface).
// The Writer Process calls DrainCompletedPieces atomically; it never
// inspects buffer internals.
type PieceBuffer interface {
	DrainCompletedPieces() []CompletedPiece
}

// MemPieceBuffer is a minimal reference PieceBuffer: a mutex-guarded slice
// drained atomically. It exists so the Writer Process can be driven end to
// end in tests and in the daemon; production verified-reassembly logic is
// out of scope for this subsystem (SPEC_FULL.md §6.3).
type MemPieceBuffer struct {
	mu      sync.Mutex
	pending []CompletedPiece
}

// NewMemPieceBuffer creates an empty buffer.
func NewMemPieceBuffer() *MemPieceBuffer {
	return &MemPieceBuffer{}
}

// Push adds a newly-completed, verified piece. Safe for concurrent callers.
func (b *MemPieceBuffer) Push(p CompletedPiece) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, p)
}

// DrainCompletedPieces returns and clears all pieces accumulated since the
// last call.
func (b *MemPieceBuffer) DrainCompletedPieces() []CompletedPiece {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// Process is the Writer Process: a long-running task holding Planner output
// (via Writer and Reader), a piece buffer, and a peer-dispatch handle.
// Exactly one goroutine calls Run; all state is owned exclusively by that
// goroutine (spec.md §5), mirroring the teacher's Hub.Run single-goroutine
// select loop.
type Process struct {
	writer *writer.Writer
	reader *reader.Reader
	buf    PieceBuffer
	peers  PeerSink
	sink   EventSink

	inbox chan PeerToWriter
	done  chan struct{}

	batchesWritten    int64
	piecesWritten     int64
	requestsFulfilled int64
	requestsDropped   int64
}

// New constructs a Process. Callers must call Run in its own goroutine and
// send messages on In() or close it via Stop().
func New(w *writer.Writer, r *reader.Reader, buf PieceBuffer, peers PeerSink) *Process {
	return &Process{
		writer: w,
		reader: r,
		buf:    buf,
		peers:  peers,
		inbox:  make(chan PeerToWriter, 64),
		done:   make(chan struct{}),
	}
}

// SetEventSink attaches an observer for monitoring. It is not part of New's
// signature because most callers (and every existing test) have no need of
// it; a nil sink (the zero value) means events are simply dropped.
func (p *Process) SetEventSink(s EventSink) { p.sink = s }

// Stats returns a snapshot of the process's counters. Safe to call
// concurrently with Run.
func (p *Process) Stats() Stats {
	return Stats{
		BatchesWritten:    atomic.LoadInt64(&p.batchesWritten),
		PiecesWritten:     atomic.LoadInt64(&p.piecesWritten),
		RequestsFulfilled: atomic.LoadInt64(&p.requestsFulfilled),
		RequestsDropped:   atomic.LoadInt64(&p.requestsDropped),
	}
}

// In returns the channel callers send PeerToWriter messages on.
func (p *Process) In() chan<- PeerToWriter { return p.inbox }

// Stop closes the inbox, causing Run to exit once it drains any buffered
// messages. The process does not attempt to cancel in-flight disk I/O
// (spec.md §5).
func (p *Process) Stop() { close(p.inbox) }

// Done is closed once Run has returned.
func (p *Process) Done() <-chan struct{} { return p.done }

// Run services the inbox until it is closed. Messages are handled strictly
// in receive order, which is what gives PieceRequest responses their FIFO
// guarantee (spec.md §5) — there is no concurrent dispatch inside Run.
func (p *Process) Run() {
	defer close(p.done)
	for msg := range p.inbox {
		if msg.IsPieceRequest {
			p.handlePieceRequest(msg.Peer, msg.Block)
			continue
		}
		p.handleBufferWritten()
	}
}

func (p *Process) handleBufferWritten() {
	pieces := p.buf.DrainCompletedPieces()
	if len(pieces) == 0 {
		return
	}
	if err := p.writer.WriteBatch(pieces); err != nil {
		log.Printf("[process] writeBatch failed: %v", err)
		return
	}
	atomic.AddInt64(&p.batchesWritten, 1)
	atomic.AddInt64(&p.piecesWritten, int64(len(pieces)))
	p.observe(Event{Kind: EventBatchWritten, BatchSize: len(pieces)})
}

func (p *Process) handlePieceRequest(peer uuid.UUID, block BlockInfo) {
	b, err := p.reader.ReadBlock(block.PieceIndex, block.BlockOffset, block.BlockLength)
	if err != nil {
		log.Printf("[process] dropping piece request for peer %s, piece %d: %v", peer, block.PieceIndex, err)
		atomic.AddInt64(&p.requestsDropped, 1)
		p.observe(Event{Kind: EventPieceRequestDropped, PieceIndex: block.PieceIndex, Peer: peer})
		return
	}
	atomic.AddInt64(&p.requestsFulfilled, 1)
	p.observe(Event{Kind: EventPieceFulfilled, PieceIndex: block.PieceIndex, Peer: peer})
	p.peers.Deliver(WriterToPeer{
		Peer:  peer,
		Index: BlockIndex{PieceIndex: block.PieceIndex, BlockOffset: block.BlockOffset},
		Bytes: b,
	})
}

func (p *Process) observe(e Event) {
	if p.sink == nil {
		return
	}
	p.sink.Observe(e)
}
