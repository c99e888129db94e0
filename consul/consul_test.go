package consul_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/spacegrid/spacekeeper"
	"github.com/spacegrid/spacekeeper/consul"
)

func TestLeaser_Acquire(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		srv := newFakeConsul(t)
		l := newOpenLeaser(t, srv, "node1", "ID1")

		lease, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		} else if lease.ID() == "" {
			t.Fatal("expected lease id")
		} else if got, want := lease.TTL(), consul.DefaultTTL; got != want {
			t.Fatalf("TTL=%s, want %s", got, want)
		}

		info, err := l.PrimaryInfo(context.Background())
		if err != nil {
			t.Fatal(err)
		} else if got, want := info.Hostname, "node1"; got != want {
			t.Fatalf("Hostname=%s, want %s", got, want)
		} else if got, want := info.InstanceID, "ID1"; got != want {
			t.Fatalf("InstanceID=%s, want %s", got, want)
		}

		// The last primary is recorded as a side effect of winning the lease.
		if got, err := l.Registry().LastPrimary(context.Background()); err != nil {
			t.Fatal(err)
		} else if want := "ID1"; got != want {
			t.Fatalf("LastPrimary=%s, want %s", got, want)
		}
	})

	t.Run("ErrPrimaryExists", func(t *testing.T) {
		srv := newFakeConsul(t)
		l0 := newOpenLeaser(t, srv, "node1", "ID1")
		l1 := newOpenLeaser(t, srv, "node2", "ID2")

		if _, err := l0.Acquire(context.Background()); err != nil {
			t.Fatal(err)
		}
		if _, err := l1.Acquire(context.Background()); err != spacekeeper.ErrPrimaryExists {
			t.Fatalf("unexpected error: %v", err)
		}

		// Loser sees the winner as primary & last primary.
		if info, err := l1.PrimaryInfo(context.Background()); err != nil {
			t.Fatal(err)
		} else if got, want := info.Hostname, "node1"; got != want {
			t.Fatalf("Hostname=%s, want %s", got, want)
		}
		if got, err := l1.Registry().LastPrimary(context.Background()); err != nil {
			t.Fatal(err)
		} else if got != "ID1" {
			t.Fatalf("LastPrimary=%s", got)
		} else if l1.Registry().IsSelf(got) {
			t.Fatal("expected other instance")
		} else if !l0.Registry().IsSelf(got) {
			t.Fatal("expected self")
		}
	})
}

func TestLeaser_PrimaryInfo(t *testing.T) {
	t.Run("ErrNoPrimary", func(t *testing.T) {
		l := newOpenLeaser(t, newFakeConsul(t), "node1", "ID1")
		if _, err := l.PrimaryInfo(context.Background()); err != spacekeeper.ErrNoPrimary {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("AfterClose", func(t *testing.T) {
		l := newOpenLeaser(t, newFakeConsul(t), "node1", "ID1")
		lease, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		} else if err := lease.Close(); err != nil {
			t.Fatal(err)
		}

		if _, err := l.PrimaryInfo(context.Background()); err != spacekeeper.ErrNoPrimary {
			t.Fatalf("unexpected error: %v", err)
		}

		// Last primary survives the lease.
		if got, err := l.Registry().LastPrimary(context.Background()); err != nil {
			t.Fatal(err)
		} else if got != "ID1" {
			t.Fatalf("LastPrimary=%s", got)
		}
	})
}

func TestLease_Renew(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		l := newOpenLeaser(t, newFakeConsul(t), "node1", "ID1")
		lease, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		renewedAt := lease.RenewedAt()
		if err := lease.Renew(context.Background()); err != nil {
			t.Fatal(err)
		} else if lease.RenewedAt().Before(renewedAt) {
			t.Fatal("expected renewal time to advance")
		}
	})

	t.Run("ErrLeaseExpired", func(t *testing.T) {
		srv := newFakeConsul(t)
		l := newOpenLeaser(t, srv, "node1", "ID1")
		lease, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		srv.expireSessions()

		if err := lease.Renew(context.Background()); err != spacekeeper.ErrLeaseExpired {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("ErrNoLastPrimary", func(t *testing.T) {
		l := newOpenLeaser(t, newFakeConsul(t), "node1", "ID1")
		if _, err := l.Registry().LastPrimary(context.Background()); err != spacekeeper.ErrNoLastPrimary {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ElectionIntegrated", func(t *testing.T) {
		l := newOpenLeaser(t, newFakeConsul(t), "node1", "ID1")
		if !l.Registry().ElectionIntegrated() {
			t.Fatal("expected election integrated registry")
		} else if got, want := l.Registry().Type(), "consul"; got != want {
			t.Fatalf("Type=%s, want %s", got, want)
		}
	})

	t.Run("SetSelfAsLastPrimary", func(t *testing.T) {
		l := newOpenLeaser(t, newFakeConsul(t), "node1", "ID1")
		r := l.Registry()
		if err := r.SetSelfAsLastPrimary(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got, err := r.LastPrimary(context.Background()); err != nil {
			t.Fatal(err)
		} else if !r.IsSelf(got) {
			t.Fatalf("expected self, got %s", got)
		}
	})

	t.Run("ErrRegistryUnavailable", func(t *testing.T) {
		srv := newFakeConsul(t)
		l := newOpenLeaser(t, srv, "node1", "ID1")
		srv.Close()

		_, err := l.Registry().LastPrimary(context.Background())
		if !spacekeeper.IsFatal(err) {
			t.Fatalf("expected registry unavailable error, got %v", err)
		}
	})
}

func newOpenLeaser(tb testing.TB, srv *fakeConsul, hostname, instanceID string) *consul.Leaser {
	tb.Helper()
	space := spacekeeper.SpaceID{Name: "mySpace", PartitionID: 1, MemberName: hostname + "_mySpace_container1"}
	l := consul.NewLeaser(srv.URL, "spacekeeper/primary", hostname, "http://"+hostname+":20202", instanceID, space)
	if err := l.Open(); err != nil {
		tb.Fatal(err)
	}
	return l
}

// fakeConsul implements the subset of the Consul HTTP API used by the leaser.
type fakeConsul struct {
	*httptest.Server

	mu       sync.Mutex
	kv       map[string]*api.KVPair
	sessions map[string]bool
	nextID   int
}

func newFakeConsul(tb testing.TB) *fakeConsul {
	s := &fakeConsul{
		kv:       make(map[string]*api.KVPair),
		sessions: make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	tb.Cleanup(s.Close)
	return s
}

// expireSessions removes all sessions & the keys locked by them.
func (s *fakeConsul) expireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.sessions {
		delete(s.sessions, id)
	}
	for k, kv := range s.kv {
		if kv.Session != "" {
			delete(s.kv, k)
		}
	}
}

func (s *fakeConsul) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p := r.URL.Path; {
	case p == "/v1/catalog/register":
		writeJSON(w, true)

	case p == "/v1/session/create":
		s.nextID++
		id := fmt.Sprintf("session-%d", s.nextID)
		s.sessions[id] = true
		writeJSON(w, map[string]string{"ID": id})

	case strings.HasPrefix(p, "/v1/session/renew/"):
		id := strings.TrimPrefix(p, "/v1/session/renew/")
		if !s.sessions[id] {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, []*api.SessionEntry{{ID: id}})

	case strings.HasPrefix(p, "/v1/session/destroy/"):
		id := strings.TrimPrefix(p, "/v1/session/destroy/")
		delete(s.sessions, id)
		for k, kv := range s.kv {
			if kv.Session == id {
				delete(s.kv, k) // session behavior is "delete"
			}
		}
		writeJSON(w, true)

	case strings.HasPrefix(p, "/v1/kv/"):
		s.serveKV(w, r, strings.TrimPrefix(p, "/v1/kv/"))

	default:
		http.NotFound(w, r)
	}
}

func (s *fakeConsul) serveKV(w http.ResponseWriter, r *http.Request, key string) {
	switch r.Method {
	case http.MethodGet:
		kv := s.kv[key]
		if kv == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, []*api.KVPair{kv})

	case http.MethodPut:
		value, _ := io.ReadAll(r.Body)
		q := r.URL.Query()

		if session := q.Get("acquire"); session != "" {
			if cur := s.kv[key]; cur != nil && cur.Session != "" && cur.Session != session {
				writeJSON(w, false)
				return
			}
			s.kv[key] = &api.KVPair{Key: key, Value: value, Session: session}
			writeJSON(w, true)
			return
		}

		s.kv[key] = &api.KVPair{Key: key, Value: value}
		writeJSON(w, true)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
