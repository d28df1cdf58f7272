package session

import (
	"testing"

	"github.com/ccsuper1024/embedded-backend/event"
)

func TestTcpConnTableRejectsDuplicates(t *testing.T) {
	tbl := NewTcpConnTable()
	c := &Conn{ID: 5}
	if !tbl.Add(c) {
		t.Fatalf("first add should succeed")
	}
	if tbl.Add(&Conn{ID: 5}) {
		t.Fatalf("duplicate id should be rejected")
	}
	if tbl.Find(5) == nil {
		t.Fatalf("expected to find conn 5")
	}
	tbl.Remove(5)
	if tbl.Find(5) != nil {
		t.Fatalf("conn 5 should be gone after remove")
	}
}

func TestUdpSessionIDsAreStableAndUnique(t *testing.T) {
	tbl := NewUdpSessionTable()
	s1 := tbl.FindOrCreate("10.0.0.1", 1111, event.Udp, 100)
	s1again := tbl.FindOrCreate("10.0.0.1", 1111, event.Udp, 200)
	s2 := tbl.FindOrCreate("10.0.0.2", 2222, event.Udp, 100)

	if s1.ID != s1again.ID {
		t.Fatalf("same ip:port should reuse the same session id")
	}
	if s1again.LastActive != 200 {
		t.Fatalf("last active should update on hit")
	}
	if s1.ID == s2.ID {
		t.Fatalf("different ip:port must get a different session id")
	}
	if tbl.FindByID(s1.ID) != s1 {
		t.Fatalf("find by id should round-trip")
	}
}

func TestRtpSessionKeyedBySsrc(t *testing.T) {
	tbl := NewRtpSessionTable()
	a := tbl.FindOrCreate(0xDEADBEEF, 10)
	b := tbl.FindOrCreate(0xDEADBEEF, 20)
	c := tbl.FindOrCreate(0xCAFEBABE, 10)

	if a.ID != b.ID {
		t.Fatalf("same ssrc should reuse the same session id")
	}
	if a.ID == c.ID {
		t.Fatalf("different ssrc must get a different session id")
	}
}
