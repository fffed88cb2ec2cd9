package hub

import (
	"encoding/json"
	"testing"

	"fleethub/internal/wire"
)

func TestUpdateHandlerNotConnected(t *testing.T) {
	h := NewUpdateHandler(NewRegistry())
	resp := h.SendUpdate("srv-missing", wire.UpdateRequest{})
	if resp.Success {
		t.Fatal("expected failure for a server with no registered sink")
	}
	if resp.Message != "Agent is not connected" {
		t.Errorf("unexpected message: %q", resp.Message)
	}
}

func TestUpdateHandlerDeliversCommandFrame(t *testing.T) {
	registry := NewRegistry()
	sink, _ := registry.Authenticate("srv-1")
	h := NewUpdateHandler(registry)

	url := "https://example.com/build"
	resp := h.SendUpdate("srv-1", wire.UpdateRequest{DownloadURL: &url})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}

	select {
	case data := <-sink:
		var frame wire.CommandFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal enqueued frame: %v", err)
		}
		if frame.Type != "command" || frame.Command != "update" {
			t.Errorf("unexpected frame: %+v", frame)
		}
		if frame.DownloadURL == nil || *frame.DownloadURL != url {
			t.Errorf("expected download_url %q, got %+v", url, frame.DownloadURL)
		}
	default:
		t.Fatal("expected exactly one command frame enqueued to the sink")
	}
}

func TestUpdateHandlerSinkFull(t *testing.T) {
	registry := NewRegistry()
	sink, _ := registry.Authenticate("srv-1")
	h := NewUpdateHandler(registry)

	// Saturate the inbox so the next enqueue hits the full-channel path.
	for i := 0; i < cap(sink); i++ {
		sink <- []byte("filler")
	}

	resp := h.SendUpdate("srv-1", wire.UpdateRequest{})
	if resp.Success {
		t.Fatal("expected failure once the inbox is full")
	}
}
