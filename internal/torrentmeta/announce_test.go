package torrentmeta

import (
	"testing"

	"github.com/anacrolix/torrent/bencode"
)

func TestAnnounceRequestValues(t *testing.T) {
	n := 50
	r := AnnounceRequest{
		Port:       6881,
		Uploaded:   100,
		Downloaded: 200,
		Left:       300,
		Compact:    true,
		Event:      EventStarted,
		NumWant:    &n,
		TrackerID:  "abc123",
	}
	v := r.Values()
	if v.Get("port") != "6881" {
		t.Fatalf("port = %q", v.Get("port"))
	}
	if v.Get("compact") != "1" {
		t.Fatalf("compact = %q", v.Get("compact"))
	}
	if v.Get("event") != "started" {
		t.Fatalf("event = %q", v.Get("event"))
	}
	if v.Get("numwant") != "50" {
		t.Fatalf("numwant = %q", v.Get("numwant"))
	}
	if v.Get("trackerid") != "abc123" {
		t.Fatalf("trackerid = %q", v.Get("trackerid"))
	}
}

func TestAnnounceRequestValuesOmitsUnset(t *testing.T) {
	r := AnnounceRequest{Port: 1, Compact: false}
	v := r.Values()
	if v.Get("compact") != "0" {
		t.Fatalf("compact = %q", v.Get("compact"))
	}
	if _, ok := v["event"]; ok {
		t.Fatalf("event should be absent when unset")
	}
	if _, ok := v["numwant"]; ok {
		t.Fatalf("numwant should be absent when nil")
	}
}

func TestDecodeAnnounceResponseFailure(t *testing.T) {
	raw, err := bencode.Marshal(map[string]interface{}{"failure reason": "bad info_hash"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	resp, err := DecodeAnnounceResponse(raw)
	if err != nil {
		t.Fatalf("DecodeAnnounceResponse: %v", err)
	}
	if resp.FailureReason != "bad info_hash" {
		t.Fatalf("FailureReason = %q", resp.FailureReason)
	}
	if _, err := resp.Peers(); err == nil {
		t.Fatalf("expected Peers() to report the failure reason")
	}
}

func TestDecodeAnnounceResponseCompactPeers(t *testing.T) {
	compact := string([]byte{127, 0, 0, 1, 0x1A, 0xE1}) // 127.0.0.1:6881
	raw, err := bencode.Marshal(map[string]interface{}{
		"interval": 1800,
		"peers":    compact,
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	resp, err := DecodeAnnounceResponse(raw)
	if err != nil {
		t.Fatalf("DecodeAnnounceResponse: %v", err)
	}
	if resp.Interval != 1800 {
		t.Fatalf("Interval = %d", resp.Interval)
	}
	peers, err := resp.Peers()
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}
	if peers[0].IP.String() != "127.0.0.1" || peers[0].Port != 6881 {
		t.Fatalf("peer = %+v", peers[0])
	}
}

func TestDecodeAnnounceResponseCompactPeersMultiple(t *testing.T) {
	compact := string([]byte{
		127, 0, 0, 1, 0x1A, 0xE1,
		10, 0, 0, 5, 0x1A, 0xE2,
	})
	raw, err := bencode.Marshal(map[string]interface{}{"peers": compact})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	resp, err := DecodeAnnounceResponse(raw)
	if err != nil {
		t.Fatalf("DecodeAnnounceResponse: %v", err)
	}
	peers, err := resp.Peers()
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[1].IP.String() != "10.0.0.5" {
		t.Fatalf("second peer ip = %s", peers[1].IP)
	}
}

func TestDecodeAnnounceResponseDictPeers(t *testing.T) {
	raw, err := bencode.Marshal(map[string]interface{}{
		"interval": 900,
		"peers": []interface{}{
			map[string]interface{}{"peer id": "-PS0001-abcdefghijkl", "ip": "1.2.3.4", "port": 6881},
			map[string]interface{}{"peer id": "-PS0001-mnopqrstuvwx", "ip": "5.6.7.8", "port": 6882},
		},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	resp, err := DecodeAnnounceResponse(raw)
	if err != nil {
		t.Fatalf("DecodeAnnounceResponse: %v", err)
	}
	peers, err := resp.Peers()
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[0].IP.String() != "1.2.3.4" || peers[0].Port != 6881 {
		t.Fatalf("peer 0 = %+v", peers[0])
	}
	if peers[1].PeerID != "-PS0001-mnopqrstuvwx" {
		t.Fatalf("peer 1 id = %q", peers[1].PeerID)
	}
}

func TestDecodeAnnounceResponseNoPeers(t *testing.T) {
	raw, err := bencode.Marshal(map[string]interface{}{"interval": 600})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	resp, err := DecodeAnnounceResponse(raw)
	if err != nil {
		t.Fatalf("DecodeAnnounceResponse: %v", err)
	}
	peers, err := resp.Peers()
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("got %d peers, want 0", len(peers))
	}
}
