package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("rpc", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if statuses[0].Name != "db" || statuses[1].Name != "rpc" {
		t.Fatalf("expected names filled in registration order, got %+v", statuses)
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Detail: ctx.Err().Error()}
	})

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if healthy {
		t.Error("timed-out checker should be unhealthy")
	}
	if time.Since(start) > time.Second {
		t.Error("checker was not bounded by the timeout")
	}
}

func TestBuiltinCheckers(t *testing.T) {
	ctx := context.Background()

	if st := Circuits(func() []string { return nil })(ctx); !st.Healthy {
		t.Error("no open circuits should be healthy")
	}
	st := Circuits(func() []string { return []string{"rpc", "webhook"} })(ctx)
	if st.Healthy || st.Detail != "open: rpc, webhook" {
		t.Errorf("unexpected circuits status %+v", st)
	}

	if st := Running("reconciliation", func() bool { return false })(ctx); st.Healthy {
		t.Error("stopped loop should be unhealthy")
	}
	if st := Info("pause", func() string { return "paused" })(ctx); !st.Healthy || st.Detail != "paused" {
		t.Errorf("unexpected info status %+v", st)
	}
}

func TestReadinessHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRegistry()
	ok := true
	r.Register("flag", func(context.Context) Status { return Status{Healthy: ok} })

	router := gin.New()
	router.GET("/health/live", Liveness)
	router.GET("/health/ready", r.Readiness)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	ok = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from liveness, got %d", w.Code)
	}
}

func TestString(t *testing.T) {
	got := String([]Status{{Name: "db", Healthy: true}, {Name: "rpc"}})
	if got != "db=true rpc=false" {
		t.Errorf("unexpected summary %q", got)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Healthy: true}
			})
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
