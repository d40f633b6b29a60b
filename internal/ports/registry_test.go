package ports

import (
	"errors"
	"net"
	"sync"
	"testing"
)

// freeExcept treats every port as bindable except those listed.
func freeExcept(busy ...int) Prober {
	set := make(map[int]bool)
	for _, p := range busy {
		set[p] = true
	}
	return func(port int) bool { return !set[port] }
}

func TestFindAvailable_SkipsOwnedPorts(t *testing.T) {
	r := New(freeExcept(), nil)
	for p := 8081; p < 8086; p++ {
		if err := r.Register("other", p); err != nil {
			t.Fatal(err)
		}
	}
	port, err := r.FindAvailable(8081, 20)
	if err != nil {
		t.Fatalf("FindAvailable: %v", err)
	}
	if port != 8086 {
		t.Errorf("port = %d, want 8086", port)
	}
	if _, owned := r.OwnerOf(port); owned {
		t.Error("FindAvailable must not register")
	}
}

func TestFindAvailable_SkipsBoundPorts(t *testing.T) {
	r := New(freeExcept(9000, 9001), nil)
	port, err := r.FindAvailable(9000, 5)
	if err != nil {
		t.Fatal(err)
	}
	if port != 9002 {
		t.Errorf("port = %d, want 9002", port)
	}
}

func TestFindAvailable_Exhausted(t *testing.T) {
	r := New(freeExcept(7000, 7001), nil)
	r.Register("a", 7002)
	_, err := r.FindAvailable(7000, 3)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if _, err := r.FindAvailable(7000, 0); !errors.Is(err, ErrExhausted) {
		t.Errorf("zero attempts: err = %v", err)
	}
}

func TestFindAvailable_RealBind(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	r := New(nil, nil)
	port, err := r.FindAvailable(busy, 20)
	if err != nil {
		t.Fatalf("FindAvailable: %v", err)
	}
	if port == busy {
		t.Errorf("returned a port that is bound by a listener")
	}
}

func TestRegister_Conflict(t *testing.T) {
	r := New(freeExcept(), nil)
	if err := r.Register("a", 8081); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("a", 8081); err != nil {
		t.Errorf("re-register by same owner: %v", err)
	}
	if err := r.Register("b", 8081); !errors.Is(err, ErrOwned) {
		t.Errorf("err = %v, want ErrOwned", err)
	}
	if owner, _ := r.OwnerOf(8081); owner != "a" {
		t.Errorf("owner = %q, want a", owner)
	}
}

func TestUnregister_OwnerGuard(t *testing.T) {
	r := New(freeExcept(), nil)
	r.Register("a", 8081)

	if r.Unregister("b", 8081) {
		t.Fatal("non-owner released port")
	}
	if owner, ok := r.OwnerOf(8081); !ok || owner != "a" {
		t.Fatalf("ownership changed: %q %v", owner, ok)
	}
	if r.Unregister("b", 9999) {
		t.Error("released unknown port")
	}
	if !r.Unregister("a", 8081) {
		t.Fatal("owner could not release port")
	}
	if _, ok := r.OwnerOf(8081); ok {
		t.Error("port still owned after release")
	}
}

func TestPortsOfAndUnregisterAll(t *testing.T) {
	r := New(freeExcept(), nil)
	r.Register("a", 8083)
	r.Register("a", 8081)
	r.Register("b", 8082)

	got := r.PortsOf("a")
	if len(got) != 2 || got[0] != 8081 || got[1] != 8083 {
		t.Errorf("PortsOf(a) = %v", got)
	}
	if n := r.UnregisterAll("a"); n != 2 {
		t.Errorf("UnregisterAll = %d, want 2", n)
	}
	if len(r.PortsOf("a")) != 0 {
		t.Error("a still holds ports")
	}
	if owner, _ := r.OwnerOf(8082); owner != "b" {
		t.Error("b's port was released")
	}
}

func TestReserve_ConcurrentOwnersGetDistinctPorts(t *testing.T) {
	r := New(freeExcept(), nil)
	const n = 16
	ports := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Reserve(string(rune('a'+i)), 8081, 40)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			ports[i] = p
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, p := range ports {
		if seen[p] {
			t.Fatalf("port %d handed out twice: %v", p, ports)
		}
		seen[p] = true
	}
}
