package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omnicloud/piecestore/internal/config"
	"github.com/omnicloud/piecestore/internal/diskwatch"
	"github.com/omnicloud/piecestore/internal/layout"
	"github.com/omnicloud/piecestore/internal/mapping"
	"github.com/omnicloud/piecestore/internal/monitor"
	"github.com/omnicloud/piecestore/internal/process"
	"github.com/omnicloud/piecestore/internal/reader"
	"github.com/omnicloud/piecestore/internal/torrentmeta"
	"github.com/omnicloud/piecestore/internal/writer"
)

func main() {
	configPath := flag.String("config", "", "path to piecestored.conf")
	flag.Parse()

	log.Printf("Starting piecestored...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Configuration loaded:")
	log.Printf("  Root dir: %s", cfg.RootDir)
	log.Printf("  Piece size: %d", cfg.PieceSize)
	log.Printf("  Torrent file: %s", cfg.TorrentFile)
	log.Printf("  Use journal: %v", cfg.UseJournal)
	log.Printf("  Monitor port: %d", cfg.MonitorPort)

	if cfg.TorrentFile == "" {
		log.Fatalf("TORRENT_FILE must be set (in config file or environment)")
	}
	raw, err := os.ReadFile(cfg.TorrentFile)
	if err != nil {
		log.Fatalf("Failed to read torrent file: %v", err)
	}
	meta, err := torrentmeta.Decode(raw)
	if err != nil {
		log.Fatalf("Failed to decode torrent file: %v", err)
	}
	log.Printf("Torrent decoded: info-hash %x, %d pieces", meta.InfoHash, meta.NumPieces())

	if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
		log.Fatalf("Failed to create root dir: %v", err)
	}

	fi := meta.FileInfo()
	pieceSize := cfg.PieceSize
	if pieceSize == 0 {
		pieceSize = meta.PieceSize()
	}
	fs, err := layout.Plan(fi, pieceSize, cfg.RootDir)
	if err != nil {
		log.Fatalf("Failed to plan layout: %v", err)
	}
	m, err := mapping.Build(fs, fi)
	if err != nil {
		log.Fatalf("Failed to build piece mapping: %v", err)
	}

	var journal writer.MergeJournal
	if cfg.UseJournal {
		db, err := sql.Open("postgres", cfg.ConnectionString())
		if err != nil {
			log.Fatalf("Failed to open merge journal database: %v", err)
		}
		defer db.Close()

		infoHash := hex.EncodeToString(meta.InfoHash[:])
		pgJournal := writer.NewPostgresMergeJournal(db, infoHash)
		if err := pgJournal.EnsureSchema(); err != nil {
			log.Fatalf("Failed to set up merge journal schema: %v", err)
		}
		journal = pgJournal
		log.Printf("Merge journal connected (info-hash %s)", infoHash)
	}

	w := writer.New(fs, journal)
	r := reader.New(m)
	buf := process.NewMemPieceBuffer()
	peers := process.PeerSinkFunc(func(msg process.WriterToPeer) {
		log.Printf("[process] fulfilled block: peer=%s piece=%d offset=%d bytes=%d",
			msg.Peer, msg.Index.PieceIndex, msg.Index.BlockOffset, len(msg.Bytes))
	})
	proc := process.New(w, r, buf, peers)

	hub := monitor.NewHub()
	proc.SetEventSink(hub)

	stopHub := make(chan struct{})
	go hub.Run(stopHub)

	monitorAddr := fmt.Sprintf(":%d", cfg.MonitorPort)
	monSrv := monitor.NewServer(monitorAddr, proc, hub, r)
	go func() {
		if err := monSrv.Start(); err != nil {
			log.Printf("Monitor server error: %v", err)
		}
	}()
	log.Printf("Monitor server listening on %s", monitorAddr)

	var watcher *diskwatch.Watcher
	if cfg.DiskWatchEnabled {
		watcher, err = diskwatch.New(cfg.RootDir)
		if err != nil {
			log.Printf("WARNING: failed to create disk watcher: %v (continuing without it)", err)
		} else if err := watcher.Start(); err != nil {
			log.Printf("WARNING: failed to start disk watcher: %v (continuing without it)", err)
			watcher = nil
		} else {
			log.Printf("Disk watcher started for %s", cfg.RootDir)
		}
	}

	go proc.Run()

	log.Println("piecestored is running")
	log.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping piecestored...")

	proc.Stop()
	<-proc.Done()

	if watcher != nil {
		watcher.Stop()
	}
	close(stopHub)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := monSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down monitor server: %v", err)
	}

	log.Println("piecestored stopped")
}

