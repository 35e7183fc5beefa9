package health

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

type fakeConn bool

func (f fakeConn) IsConnectionOpen() bool { return bool(f) }

func TestRegistry_Run(t *testing.T) {
	tests := []struct {
		name        string
		checks      map[string]Checker
		wantHealthy bool
		wantChecks  map[string]string
	}{
		{
			name:        "no checks",
			checks:      map[string]Checker{},
			wantHealthy: true,
			wantChecks:  map[string]string{},
		},
		{
			name: "all ok",
			checks: map[string]Checker{
				"database": CheckerFunc(func(context.Context) error { return nil }),
				"mqtt":     NewMQTTChecker(fakeConn(true)),
			},
			wantHealthy: true,
			wantChecks:  map[string]string{"database": StatusOK, "mqtt": StatusOK},
		},
		{
			name: "one failure",
			checks: map[string]Checker{
				"database": CheckerFunc(func(context.Context) error { return nil }),
				"mqtt":     NewMQTTChecker(fakeConn(false)),
			},
			wantHealthy: false,
			wantChecks:  map[string]string{"database": StatusOK, "mqtt": StatusError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(0, nil)
			for name, c := range tt.checks {
				reg.Register(name, c)
			}
			report := reg.Run(context.Background())
			if report.Healthy != tt.wantHealthy {
				t.Errorf("Healthy = %v, want %v", report.Healthy, tt.wantHealthy)
			}
			if len(report.Checks) != len(tt.wantChecks) {
				t.Fatalf("Checks = %v, want %v", report.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if got := report.Checks[name]; got != want {
					t.Errorf("Checks[%s] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestRegistry_Timeout(t *testing.T) {
	reg := NewRegistry(20*time.Millisecond, nil)
	reg.Register("slow", CheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	report := reg.Run(context.Background())
	if report.Healthy {
		t.Error("expected unhealthy after timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Run took %v, timeout not applied", elapsed)
	}
}

func TestRegistry_RegisterNilAndNames(t *testing.T) {
	reg := NewRegistry(0, nil)
	reg.Register("redis", nil)
	reg.Register("mqtt", NewMQTTChecker(fakeConn(true)))
	reg.Register("database", CheckerFunc(func(context.Context) error { return nil }))

	names := reg.Names()
	if len(names) != 2 || names[0] != "database" || names[1] != "mqtt" {
		t.Errorf("Names() = %v", names)
	}
}

func TestDBChecker_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}

	checker := NewDBChecker(db)
	if err := checker.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	db.Close()
	if err := checker.HealthCheck(context.Background()); err == nil {
		t.Error("expected error after close")
	}
}

func TestRedisChecker_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	if err := NewRedisChecker(client).HealthCheck(context.Background()); err == nil {
		t.Error("expected error for unreachable redis")
	}
}

func TestMQTTChecker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMQTTChecker(fakeConn(true)).HealthCheck(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
	if err := NewMQTTChecker(fakeConn(false)).HealthCheck(context.Background()); !errors.Is(err, ErrMQTTDisconnected) {
		t.Errorf("HealthCheck() error = %v, want ErrMQTTDisconnected", err)
	}
}
