package network

import (
	"net"
	"testing"
)

func TestWriteReadPacketRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte("hello peer")
	errCh := make(chan error, 1)
	go func() { errCh <- writePacket(client, TagPowBlock, payload) }()

	tag, got, err := readPacket(server)
	if err != nil {
		t.Fatalf("readPacket: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writePacket: %v", err)
	}
	if tag != TagPowBlock {
		t.Errorf("tag = %x, want %x", tag, TagPowBlock)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestReadPacketRejectsOversizedLength(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		var header [5]byte
		header[0] = TagPowBlock
		header[1] = 0xFF // declares a length far beyond MaxPacketSize
		header[2] = 0xFF
		header[3] = 0xFF
		header[4] = 0xFF
		client.Write(header[:])
	}()

	if _, _, err := readPacket(server); err == nil {
		t.Fatal("readPacket: expected an error for a length prefix exceeding MaxPacketSize")
	}
}
