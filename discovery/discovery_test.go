package discovery

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPeerURL(t *testing.T) {
	tests := []struct {
		peer Peer
		want string
	}{
		{Peer{Host: "box.local.", Port: 8081, Addrs: []net.IP{net.ParseIP("fe80::1"), net.ParseIP("192.168.1.7")}}, "http://192.168.1.7:8081"},
		{Peer{Host: "box.local.", Port: 8081, Addrs: []net.IP{net.ParseIP("fe80::1")}}, "http://box.local:8081"},
		{Peer{Port: 9000, Addrs: []net.IP{net.ParseIP("fe80::1")}}, "http://[fe80::1]:9000"},
	}
	for _, tt := range tests {
		if got := tt.peer.URL(); got != tt.want {
			t.Errorf("URL(%+v) = %q, want %q", tt.peer, got, tt.want)
		}
	}
}

func TestTextRecords(t *testing.T) {
	in := map[string]string{"version": "1", "path": "/ws"}
	txt := formatText(in)
	if diff := cmp.Diff([]string{"path=/ws", "version=1"}, txt); diff != "" {
		t.Errorf("formatText (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(in, parseText(append(txt, "=junk"))); diff != "" {
		t.Errorf("parseText (-want +got):\n%s", diff)
	}
}
