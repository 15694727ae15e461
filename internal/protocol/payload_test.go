package protocol

import (
	"encoding/json"
	"testing"
)

func TestExtractPeerList(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		shape   PeerListShape
		peers   int
		skipped int
	}{
		{"available", `{"peersDisponibles":[{"ip":"10.0.0.1","puerto":9000}]}`, ShapeAvailable, 1, 0},
		{"all", `{"peers":[{"ip":"10.0.0.1","puerto":9000},{"ip":"10.0.0.2","puerto":9000}]}`, ShapeAll, 2, 0},
		{"stored", `{"peersEnBD":[{"ip":"10.0.0.1","puerto":9000}]}`, ShapeStored, 1, 0},
		{"available wins", `{"peersEnBD":[{"ip":"a","puerto":1}],"peersDisponibles":[]}`, ShapeAvailable, 0, 0},
		{"null falls through", `{"peersDisponibles":null,"peers":[{"ip":"a","puerto":1}]}`, ShapeAll, 1, 0},
		{"not an array falls through", `{"peersDisponibles":"x","peersEnBD":[{"ip":"a","puerto":1}]}`, ShapeStored, 1, 0},
		{"bad elements skipped", `{"peers":[{"ip":"a","puerto":1},42,"x"]}`, ShapeAll, 1, 2},
		{"no list", `{"peerSolicitante":{"peerId":"x"}}`, ShapeNone, 0, 0},
		{"not an object", `[1,2,3]`, ShapeNone, 0, 0},
		{"null", `null`, ShapeNone, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := ExtractPeerList(json.RawMessage(tt.data))
			if list.Shape != tt.shape {
				t.Errorf("expected shape %s, got %s", tt.shape, list.Shape)
			}
			if len(list.Peers) != tt.peers {
				t.Errorf("expected %d peers, got %d", tt.peers, len(list.Peers))
			}
			if list.Skipped != tt.skipped {
				t.Errorf("expected %d skipped, got %d", tt.skipped, list.Skipped)
			}
		})
	}
}

func TestExtractRequester(t *testing.T) {
	id, ok := ExtractRequester(json.RawMessage(`{"peerSolicitante":{"peerId":"abc","registrado":true}}`))
	if !ok || id != "abc" {
		t.Errorf("expected abc, got %q (%v)", id, ok)
	}

	if _, ok := ExtractRequester(json.RawMessage(`{"peerSolicitante":{"peerId":null}}`)); ok {
		t.Error("expected null peerId to be ignored")
	}
	if _, ok := ExtractRequester(json.RawMessage(`{"peersDisponibles":[]}`)); ok {
		t.Error("expected missing peerSolicitante to be ignored")
	}
}

func TestPeerListShapeString(t *testing.T) {
	for i, key := range PeerListKeys {
		if got := PeerListShape(i + 1).String(); got != key {
			t.Errorf("expected %s, got %s", key, got)
		}
	}
	if ShapeNone.String() != "none" {
		t.Errorf("expected none, got %s", ShapeNone.String())
	}
}
