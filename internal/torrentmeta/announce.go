package torrentmeta

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/anacrolix/torrent/bencode"
)

// AnnounceEvent mirrors the BitTorrent announce "event" parameter.
type AnnounceEvent string

const (
	EventNone      AnnounceEvent = ""
	EventStarted   AnnounceEvent = "started"
	EventStopped   AnnounceEvent = "stopped"
	EventCompleted AnnounceEvent = "completed"
)

// AnnounceRequest models the standard BitTorrent HTTP announce query
// (spec.md §6). It is a pure data shape: building the URL and sending the
// request is tracker-transport territory, explicitly out of scope here
// (spec.md §1).
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Compact    bool
	Event      AnnounceEvent
	NumWant    *int
	TrackerID  string
}

// Values renders the request as the query parameters an HTTP GET to a
// tracker's /announce endpoint would carry.
func (r AnnounceRequest) Values() url.Values {
	v := url.Values{}
	v.Set("info_hash", string(r.InfoHash[:]))
	v.Set("peer_id", string(r.PeerID[:]))
	v.Set("port", strconv.Itoa(r.Port))
	v.Set("uploaded", strconv.FormatInt(r.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(r.Downloaded, 10))
	v.Set("left", strconv.FormatInt(r.Left, 10))
	if r.Compact {
		v.Set("compact", "1")
	} else {
		v.Set("compact", "0")
	}
	if r.Event != EventNone {
		v.Set("event", string(r.Event))
	}
	if r.NumWant != nil {
		v.Set("numwant", strconv.Itoa(*r.NumWant))
	}
	if r.TrackerID != "" {
		v.Set("trackerid", r.TrackerID)
	}
	return v
}

// PeerAddr is one peer entry from a tracker response, in either its
// dictionary or compact encoding.
type PeerAddr struct {
	PeerID string
	IP     net.IP
	Port   uint16
}

// peerDict is the non-compact per-peer bencoded dictionary shape.
type peerDict struct {
	PeerID string `bencode:"peer id,omitempty"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

// AnnounceResponse is the bencoded tracker reply: either a failure reason or
// an interval plus a peer list, which may arrive as a list of dictionaries
// or as a compact BString (4-byte IPv4 + 2-byte big-endian port per peer).
// Field shapes follow the teacher's internal/torrent/tracker.go
// AnnounceResponse, generalized to accept either peer encoding on decode.
type AnnounceResponse struct {
	FailureReason string
	Interval      int
	MinInterval   int
	PeersCompact  []byte
	PeersList     []peerDict
}

// DecodeAnnounceResponse parses a bencoded tracker response body. It decodes
// into a generic map first, the same way the teacher's inspect tooling reads
// untyped bencode fields (bencode.Unmarshal into map[string]interface{}),
// since the "peers" value's shape depends on which encoding the tracker
// chose and a single static struct can't describe both.
func DecodeAnnounceResponse(raw []byte) (*AnnounceResponse, error) {
	m := make(map[string]interface{})
	if err := bencode.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal announce response: %w", err)
	}
	resp := &AnnounceResponse{}
	if v, ok := m["failure reason"].(string); ok {
		resp.FailureReason = v
	}
	if v, ok := m["interval"].(int64); ok {
		resp.Interval = int(v)
	}
	if v, ok := m["min interval"].(int64); ok {
		resp.MinInterval = int(v)
	}
	switch peers := m["peers"].(type) {
	case string:
		resp.PeersCompact = []byte(peers)
	case []interface{}:
		list := make([]peerDict, 0, len(peers))
		for _, e := range peers {
			d, ok := e.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("peers list entry is not a dict: %T", e)
			}
			var pd peerDict
			if s, ok := d["peer id"].(string); ok {
				pd.PeerID = s
			}
			if s, ok := d["ip"].(string); ok {
				pd.IP = s
			}
			if n, ok := d["port"].(int64); ok {
				pd.Port = int(n)
			}
			list = append(list, pd)
		}
		resp.PeersList = list
	case nil:
		// no peers field: failure response, or an empty swarm.
	default:
		return nil, fmt.Errorf("peers field has unexpected type %T", peers)
	}
	return resp, nil
}

// Peers normalizes either peer encoding into a flat []PeerAddr.
func (r *AnnounceResponse) Peers() ([]PeerAddr, error) {
	if r.FailureReason != "" {
		return nil, fmt.Errorf("tracker failure: %s", r.FailureReason)
	}
	if len(r.PeersCompact) > 0 {
		if len(r.PeersCompact)%6 != 0 {
			return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(r.PeersCompact))
		}
		out := make([]PeerAddr, 0, len(r.PeersCompact)/6)
		for i := 0; i < len(r.PeersCompact); i += 6 {
			rec := r.PeersCompact[i : i+6]
			ip := net.IPv4(rec[0], rec[1], rec[2], rec[3])
			port := binary.BigEndian.Uint16(rec[4:6])
			out = append(out, PeerAddr{IP: ip, Port: port})
		}
		return out, nil
	}
	out := make([]PeerAddr, 0, len(r.PeersList))
	for _, p := range r.PeersList {
		out = append(out, PeerAddr{PeerID: p.PeerID, IP: net.ParseIP(p.IP), Port: uint16(p.Port)})
	}
	return out, nil
}
