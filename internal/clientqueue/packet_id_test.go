package clientqueue

import "testing"

func TestPacketID(t *testing.T) {
	mgr := NewPacketIDManager()
	if mgr == NewPacketIDManager() {
		t.Fatal("managers must not be shared between clients")
	}

	// 测试分配
	id1, err := mgr.NextID()
	if err != nil || id1 != 1 {
		t.Fatalf("Expected 1, got %d (%v)", id1, err)
	}

	// 测试释放与复用
	mgr.ReleaseID(id1)
	id2, _ := mgr.NextID()
	if id2 != 1 {
		t.Fatalf("Expected 1 after release, got %d", id2)
	}

	// 测试溢出
	mgr.currentID = 65535
	id3, _ := mgr.NextID()
	if id3 != 65535 {
		t.Fatalf("Expected 65535, got %d", id3)
	}
	// 1 仍在使用，溢出后跳过
	id4, _ := mgr.NextID()
	if id4 != 2 {
		t.Fatalf("Expected 2 after overflow, got %d", id4)
	}
	if mgr.InFlight() != 3 {
		t.Fatalf("Expected 3 in flight, got %d", mgr.InFlight())
	}
}

func TestPacketIDReleaseUnknown(t *testing.T) {
	mgr := NewPacketIDManager()
	mgr.ReleaseID(42)
	id, _ := mgr.NextID()
	if id != 1 {
		t.Fatalf("Expected 1, got %d", id)
	}
}

func TestPacketIDExhausted(t *testing.T) {
	mgr := NewPacketIDManager()
	for i := 0; i < 65535; i++ {
		if _, err := mgr.NextID(); err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
	}
	if _, err := mgr.NextID(); err != ErrPacketIDExhausted {
		t.Fatalf("Expected ErrPacketIDExhausted, got %v", err)
	}
	mgr.ReleaseID(100)
	id, err := mgr.NextID()
	if err != nil || id != 100 {
		t.Fatalf("Expected 100, got %d (%v)", id, err)
	}
}

func TestEncodeDecodePacketID(t *testing.T) {
	data := EncodePacketID(0x1234)
	if data[0] != 0x12 || data[1] != 0x34 {
		t.Fatalf("unexpected encoding %v", data)
	}
	if DecodePacketID(data) != 0x1234 {
		t.Fatal("decode mismatch")
	}
	if DecodePacketID([]byte{1}) != 0 {
		t.Fatal("short input must decode to 0")
	}
}
