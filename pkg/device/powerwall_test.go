package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reservewatch/reservewatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mux        *http.ServeMux
	logins     atomic.Int64
	reserve    atomic.Value // float64
	rejectAuth atomic.Bool
}

func newFakeGateway(t *testing.T) (*fakeGateway, *Powerwall) {
	t.Helper()

	g := &fakeGateway{mux: http.NewServeMux()}
	g.reserve.Store(20.0)

	g.mux.HandleFunc("POST "+powerwallLoginPath, func(w http.ResponseWriter, r *http.Request) {
		var req powerwallLoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "secret" {
			http.Error(w, "bad login", http.StatusUnauthorized)
			return
		}
		g.logins.Add(1)
		writeJSON(t, w, powerwallLoginResponse{Token: "tok"})
	})

	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie("AuthCookie")
			if err != nil || c.Value != "tok" || g.rejectAuth.Load() {
				g.rejectAuth.Store(false)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}

	g.mux.HandleFunc("GET /api/meters/aggregates", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, powerwallAggregatesResponse{
			Site:    powerwallAggregate{InstantPower: 500},
			Battery: powerwallAggregate{InstantPower: -1200},
			Load:    powerwallAggregate{InstantPower: 2300},
			Solar:   powerwallAggregate{InstantPower: 3000},
		})
	}))
	g.mux.HandleFunc("GET /api/system_status/soe", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, powerwallSOEResponse{Percentage: 52.25})
	}))
	g.mux.HandleFunc("GET /api/system_status/grid_status", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, powerwallGridStatusResponse{GridStatus: "SystemGridConnected"})
	}))
	g.mux.HandleFunc("GET /api/operation", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, powerwallOperationResponse{
			RealMode:             "self_consumption",
			BackupReservePercent: g.reserve.Load().(float64),
		})
	}))
	g.mux.HandleFunc("POST /api/operation", authed(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Mode                 string  `json:"mode"`
			BackupReservePercent float64 `json:"backup_reserve_percent"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "self_consumption", req.Mode)
		g.reserve.Store(req.BackupReservePercent)
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewTLSServer(g.mux)
	t.Cleanup(server.Close)

	host := strings.TrimPrefix(server.URL, "https://")
	return g, newPowerwall(host, "owner@example.com", "secret", 5*time.Second)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestPowerwallRead(t *testing.T) {
	_, p := newFakeGateway(t)
	ctx := context.Background()

	r, err := p.Read(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3.0, r.SolarKW)
	assert.Equal(t, -1.2, r.BatteryKW)
	assert.Equal(t, 0.5, r.GridKW)
	assert.Equal(t, 2.3, r.HomeKW)
	// (52.25 - 5) / 0.95 = 49.73...
	assert.InDelta(t, 49.74, r.BatterySOC, 0.01)
	assert.Equal(t, 20.0, r.ReservePercent)
	assert.Equal(t, types.GridStatusUp, r.GridStatus)
	assert.False(t, r.Timestamp.IsZero())

	assert.Equal(t, types.ConnectionConnected, p.ConnectionState())
}

func TestPowerwallSetReserve(t *testing.T) {
	g, p := newFakeGateway(t)
	ctx := context.Background()

	require.NoError(t, p.SetReserve(ctx, 35))
	assert.Equal(t, 35.0, g.reserve.Load().(float64))
}

func TestPowerwallReloginOnExpiredToken(t *testing.T) {
	g, p := newFakeGateway(t)
	ctx := context.Background()

	_, err := p.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), g.logins.Load())

	// next authed request is rejected once, forcing a fresh login
	g.rejectAuth.Store(true)
	_, err = p.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.logins.Load())
}

func TestPowerwallBadCredentials(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	p := newPowerwall(strings.TrimPrefix(server.URL, "https://"), "owner@example.com", "wrong", time.Second)
	_, err := p.Read(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestPowerwallUnreachable(t *testing.T) {
	// nothing is listening here
	p := newPowerwall("127.0.0.1:1", "owner@example.com", "secret", time.Second)
	_, err := p.Read(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, types.ConnectionDegraded, p.ConnectionState())

	_, _ = p.Read(context.Background())
	_, _ = p.Read(context.Background())
	assert.Equal(t, types.ConnectionDown, p.ConnectionState())
}

func TestScaleSOC(t *testing.T) {
	assert.Equal(t, 0.0, scaleSOC(5))
	assert.Equal(t, 100.0, scaleSOC(100))
	assert.Equal(t, 0.0, scaleSOC(2))
	assert.InDelta(t, 50.0, scaleSOC(52.5), 0.01)
}
