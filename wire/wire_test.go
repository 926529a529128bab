package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/kylelemons/godebug/pretty"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	peerID := uuid.New()

	tests := []struct {
		name  string
		frame *Frame
	}{
		{
			name: "Handshake",
			frame: &Frame{Tag: TagHandshake, Handshake: &Handshake{
				ProtocolVersion: ProtocolVersion,
				PeerID:          peerID,
				Role:            RoleClient,
				Capabilities:    0xDEADBEEF,
			}},
		},
		{
			name: "HandshakeAck",
			frame: &Frame{Tag: TagHandshakeAck, HandshakeAck: &HandshakeAck{
				ProtocolVersion: ProtocolVersion,
				PeerID:          peerID,
				ManifestVersion: 7,
			}},
		},
		{
			name: "Request",
			frame: &Frame{Tag: TagRequest, Request: &Request{
				CorrelationID: 42,
				GrainID:       []byte("player:1"),
				InterfaceID:   3,
				MethodIndex:   1,
				DeliveryMode:  ReliableOrdered,
				Flags:         0,
				DeadlineMS:    30000,
				Arguments:     []byte("hello"),
			}},
		},
		{
			name: "OneWay reuses Request layout",
			frame: &Frame{Tag: TagOneWay, Request: &Request{
				CorrelationID: 0,
				GrainID:       []byte("player:2"),
				InterfaceID:   3,
				MethodIndex:   2,
				DeliveryMode:  Unreliable,
			}},
		},
		{
			name: "Response Ok",
			frame: &Frame{Tag: TagResponse, Response: &Response{
				CorrelationID: 42,
				Status:        StatusOk,
				Payload:       []byte("world"),
			}},
		},
		{
			name: "Response EndOfStream",
			frame: &Frame{Tag: TagResponse, Response: &Response{
				CorrelationID: 9,
				Status:        StatusOk,
				Flags:         FlagEndOfStream,
			}},
		},
		{
			name:  "Heartbeat",
			frame: &Frame{Tag: TagHeartbeat, Heartbeat: &Heartbeat{SendTimeMS: 1234567}},
		},
		{
			name:  "Close",
			frame: &Frame{Tag: TagClose, Close: &Close{Reason: CloseVersionMismatch, Message: "nope"}},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			encoded, err := Encode(test.frame)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			if encoded[0] != Marker[0] || encoded[1] != Marker[1] || encoded[2] != Marker[2] {
				t.Fatalf("missing marker bytes: %v", encoded[:3])
			}

			got, recognized, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if !recognized {
				t.Fatalf("Decode() reported unrecognized tag for %v", test.frame.Tag)
			}
			if diff := pretty.Compare(got, test.frame); diff != "" {
				t.Errorf("round-trip mismatch (-got +want):\n%s", diff)
			}
		})
	}
}

func TestDecodeBadMarker(t *testing.T) {
	b := []byte{0x00, 0x00, 0x00, byte(TagHeartbeat), 0, 0, 0, 0, 0, 0, 0, 0}
	if _, _, err := Decode(b); err == nil {
		t.Fatal("Decode() with bad marker: expected error, got nil")
	}
}

func TestDecodeUnknownTagIgnored(t *testing.T) {
	b := append(append([]byte{}, Marker[:]...), 0xFE)
	frame, recognized, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if recognized {
		t.Fatal("expected unrecognized tag to report recognized=false")
	}
	if frame != nil {
		t.Fatal("expected nil frame for unrecognized tag")
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, _, err := Decode([]byte{0x47, 0x72}); err == nil {
		t.Fatal("expected error decoding a too-short buffer")
	}
}

func TestManifestTableRoundTripAndMethodIndex(t *testing.T) {
	table := NewManifestTable(map[uint32][]string{
		3: {"Zebra", "Apple", "Mango"},
	}, map[uint32]map[string]string{
		1: {"kind": "player"},
	})

	idx, ok := table.MethodIndex(3, "Apple")
	if !ok || idx != 0 {
		t.Fatalf("MethodIndex(Apple) = %d, %v; want 0, true", idx, ok)
	}
	idx, ok = table.MethodIndex(3, "Zebra")
	if !ok || idx != 2 {
		t.Fatalf("MethodIndex(Zebra) = %d, %v; want 2, true", idx, ok)
	}

	encoded := table.Encode()
	decoded, err := DecodeManifestTable(encoded)
	if err != nil {
		t.Fatalf("DecodeManifestTable() error: %v", err)
	}
	if diff := pretty.Compare(decoded, table); diff != "" {
		t.Errorf("manifest round-trip mismatch (-got +want):\n%s", diff)
	}

	name, ok := table.MethodName(3, 1)
	if !ok || name != "Mango" {
		t.Fatalf("MethodName(1) = %q, %v; want Mango, true", name, ok)
	}
}

func TestDefaultDeliveryFor(t *testing.T) {
	if got := DefaultDeliveryFor(TagOneWay, 0, false); got != Unreliable {
		t.Errorf("OneWay default = %v, want Unreliable", got)
	}
	if got := DefaultDeliveryFor(TagRequest, 0, false); got != ReliableOrdered {
		t.Errorf("Request default = %v, want ReliableOrdered", got)
	}
	if got := DefaultDeliveryFor(TagOneWay, Reliable, true); got != Reliable {
		t.Errorf("explicit override not honored: got %v, want Reliable", got)
	}
}
