package protocol

type Action string

const (
	ActionChunkRequest    Action = "p2p_file_chunk_request"
	ActionDiscoverPeers   Action = "descubrirPeers"
	ActionHandshake       Action = "peer_handshake"
	ActionHeartbeat       Action = "reportarLatido"
	ActionListPeers       Action = "listarPeersDisponibles"
	ActionMetadataRequest Action = "p2p_file_metadata_request"
	ActionPing            Action = "peer_heartbeat"
	ActionRegisterPeer    Action = "registrarPeer"
)

func (a Action) String() string {
	if a == "" {
		return "UNKNOWN"
	}
	return string(a)
}

type Status string

const (
	StatusError        Status = "error"
	StatusInvalidChunk Status = "invalid_chunk"
	StatusNotAvailable Status = "not_available"
	StatusNotFound     Status = "not_found"
	StatusSuccess      Status = "success"
)

// PeerListKeys are the payload fields that may carry a peer list, in the
// order they are tried.
var PeerListKeys = []string{"peersDisponibles", "peers", "peersEnBD"}
