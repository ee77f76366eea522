package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"skinparty/models"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"file-accept","id":"t1"}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestEncodeMessageAddsTypeDiscriminator(t *testing.T) {
	payload, err := EncodeMessage(FileReject{ID: "t1", Reason: "File too large (max 500 MiB)"})
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		t.Fatalf("unmarshal encoded message: %v", err)
	}
	if fields["type"] != TypeFileReject {
		t.Fatalf("expected type %q, got %v", TypeFileReject, fields["type"])
	}
	if fields["id"] != "t1" || fields["reason"] != "File too large (max 500 MiB)" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestRoomUpdateFlattensRoomFields(t *testing.T) {
	room := models.NewRoom("ABC123", "Q", testTime())
	payload, err := EncodeMessage(RoomUpdate{Room: *room})
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		t.Fatalf("unmarshal encoded message: %v", err)
	}
	for _, key := range []string{"type", "id", "createdAt", "host", "members"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("expected key %q in %s", key, payload)
		}
	}

	decoded, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	update, ok := decoded.(RoomUpdate)
	if !ok {
		t.Fatalf("expected RoomUpdate, got %T", decoded)
	}
	if !update.Room.Equal(room) {
		t.Fatalf("decoded room does not match: %+v", update.Room)
	}
}

func TestFileChunkDataIsBase64(t *testing.T) {
	payload, err := EncodeMessage(FileChunk{ID: "t1", Sequence: 2, TotalChunks: 4, Data: []byte{0, 1, 2, 255}})
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	if !bytes.Contains(payload, []byte(`"data":"AAEC/w=="`)) {
		t.Fatalf("expected base64 chunk data in %s", payload)
	}

	decoded, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	chunk := decoded.(FileChunk)
	if chunk.Sequence != 2 || chunk.TotalChunks != 4 || !bytes.Equal(chunk.Data, []byte{0, 1, 2, 255}) {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
}

func TestDecodeMessageRejectsUnknownType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"chat","text":"hi"}`))
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if protocolErr.Type != "chat" {
		t.Fatalf("expected offending type to be recorded, got %q", protocolErr.Type)
	}
}

func TestDecodeMessageRejectsMalformedPayloads(t *testing.T) {
	for _, payload := range []string{`not json`, `{}`, `{"type":"file-chunk","sequence":"x"}`} {
		_, err := DecodeMessage([]byte(payload))
		var protocolErr *ProtocolError
		if !errors.As(err, &protocolErr) {
			t.Fatalf("expected ProtocolError for %s, got %v", payload, err)
		}
	}
}
