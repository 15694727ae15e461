package protocol

import (
	"encoding/json"
)

type Handshake struct {
	PeerID string `json:"peerId"`
	Port   int    `json:"port"`
}

type HandshakeAck struct {
	PeerID string `json:"peerId,omitempty"`
}

// RegisterPeer asks a bootstrap node to assign (or return) the caller's id.
type RegisterPeer struct {
	IP   string `json:"ip"`
	Port int    `json:"puerto"`
}

type DiscoverPeers struct {
	PeerID string `json:"peerId,omitempty"`
	IP     string `json:"ip"`
	Port   int    `json:"puerto"`
}

type PeerInfo struct {
	PeerID string `json:"peerId,omitempty"`
	IP     string `json:"ip"`
	Port   int    `json:"puerto"`
	State  string `json:"conectado,omitempty"`
}

type Requester struct {
	PeerID     string `json:"peerId"`
	Registered bool   `json:"registrado"`
	New        bool   `json:"esNuevo,omitempty"`
}

// Discovery is the answer to registrarPeer and descubrirPeers.
type Discovery struct {
	Requester *Requester `json:"peerSolicitante,omitempty"`
	Available []PeerInfo `json:"peersDisponibles"`
	Total     int        `json:"totalPeers"`
}

// PeerListing answers listarPeersDisponibles.
type PeerListing struct {
	Peers []PeerInfo `json:"peers"`
	Total int        `json:"totalPeers"`
}

type Heartbeat struct {
	PeerID string `json:"peerId"`
	IP     string `json:"ip"`
	Port   int    `json:"puerto"`
}

type HeartbeatAck struct {
	NextIntervalMs int64 `json:"nextIntervalMs"`
}

type PingAck struct {
	Timestamp int64 `json:"timestamp"`
}

type FileDescriptor struct {
	FileID      string `json:"fileId"`
	Name        string `json:"nombreArchivo"`
	Size        int64  `json:"tamanio"`
	MimeType    string `json:"mimeType"`
	Hash        string `json:"hashSHA256"`
	TotalChunks int    `json:"totalChunks"`
}

type ChunkRequest struct {
	FileID      string `json:"fileId"`
	ChunkNumber int    `json:"chunkNumber"`
}

type ChunkResponse struct {
	FileID      string `json:"fileId"`
	ChunkNumber int    `json:"chunkNumber"`
	Data        string `json:"chunkDataBase64"`
}

// PeerListShape names which field a peer list was found under.
type PeerListShape int

const (
	ShapeNone PeerListShape = iota
	ShapeAvailable
	ShapeAll
	ShapeStored
)

func (s PeerListShape) String() string {
	switch s {
	case ShapeAvailable:
		return "peersDisponibles"
	case ShapeAll:
		return "peers"
	case ShapeStored:
		return "peersEnBD"
	default:
		return "none"
	}
}

// PeerList is a peer list pulled out of an arbitrary payload. Skipped
// counts elements that were not objects of the expected shape.
type PeerList struct {
	Shape   PeerListShape
	Peers   []PeerInfo
	Skipped int
}

// ExtractPeerList looks for a peer list under PeerListKeys in order and
// returns the first one present. Data that is not a JSON object yields
// ShapeNone.
func ExtractPeerList(data json.RawMessage) PeerList {
	if isNull(data) {
		return PeerList{}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return PeerList{}
	}

	for i, key := range PeerListKeys {
		raw, ok := fields[key]
		if !ok || isNull(raw) {
			continue
		}

		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			continue
		}

		list := PeerList{Shape: PeerListShape(i + 1), Peers: make([]PeerInfo, 0, len(elems))}
		for _, elem := range elems {
			var p PeerInfo
			if err := json.Unmarshal(elem, &p); err != nil {
				list.Skipped++
				continue
			}
			list.Peers = append(list.Peers, p)
		}
		return list
	}

	return PeerList{}
}

// ExtractRequester returns peerSolicitante.peerId if the payload carries one.
func ExtractRequester(data json.RawMessage) (string, bool) {
	if isNull(data) {
		return "", false
	}
	var d struct {
		Requester *struct {
			PeerID *string `json:"peerId"`
		} `json:"peerSolicitante"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return "", false
	}
	if d.Requester == nil || d.Requester.PeerID == nil || *d.Requester.PeerID == "" {
		return "", false
	}
	return *d.Requester.PeerID, true
}
