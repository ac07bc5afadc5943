package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/reservewatch/reservewatch/pkg/common"
	"github.com/reservewatch/reservewatch/pkg/log"
	"github.com/reservewatch/reservewatch/pkg/types"
)

const teslaOwnersAPI = "https://owner-api.teslamotors.com"

// TeslaCloud implements Client against the Tesla Owners API for sites
// whose gateway is not reachable on the LAN. The caller supplies a bearer
// token; the client never refreshes it.
type TeslaCloud struct {
	client  *http.Client
	baseURL string
	token   string
	siteID  string

	mu           sync.Mutex
	consecFails  int
	lastActivity time.Time
}

func newTeslaCloud(token, siteID string, timeout time.Duration) *TeslaCloud {
	return &TeslaCloud{
		client:  common.HTTPClient(timeout),
		baseURL: teslaOwnersAPI,
		token:   token,
		siteID:  siteID,
	}
}

type cloudLiveStatus struct {
	SolarPower        float64 `json:"solar_power"`
	BatteryPower      float64 `json:"battery_power"`
	GridPower         float64 `json:"grid_power"`
	LoadPower         float64 `json:"load_power"`
	PercentageCharged float64 `json:"percentage_charged"`
	GridStatus        string  `json:"grid_status"`
	IslandStatus      string  `json:"island_status"`
}

type cloudSiteInfo struct {
	BackupReservePercent float64 `json:"backup_reserve_percent"`
}

// Read assembles a Reading from the site's live status and site info.
func (t *TeslaCloud) Read(ctx context.Context) (types.Reading, error) {
	var live cloudLiveStatus
	if err := t.get(ctx, "/live_status", &live); err != nil {
		return types.Reading{}, err
	}

	var info cloudSiteInfo
	if err := t.get(ctx, "/site_info", &info); err != nil {
		return types.Reading{}, err
	}

	return types.Reading{
		Timestamp: time.Now(),
		// the cloud API reports watts
		SolarKW:   live.SolarPower / 1000.0,
		BatteryKW: live.BatteryPower / 1000.0,
		GridKW:    live.GridPower / 1000.0,
		HomeKW:    live.LoadPower / 1000.0,
		// unlike the local gateway, the cloud reports the app-scaled value
		BatterySOC:     live.PercentageCharged,
		ReservePercent: info.BackupReservePercent,
		GridStatus:     parseCloudGridStatus(live),
	}, nil
}

// SetReserve posts the backup reserve through the site's backup command and
// confirms the site info reflects it.
func (t *TeslaCloud) SetReserve(ctx context.Context, percent float64) error {
	body := struct {
		BackupReservePercent float64 `json:"backup_reserve_percent"`
	}{BackupReservePercent: percent}
	if err := t.post(ctx, "/backup", body); err != nil {
		return err
	}

	var info cloudSiteInfo
	if err := t.get(ctx, "/site_info", &info); err != nil {
		return err
	}
	if info.BackupReservePercent != percent {
		return fmt.Errorf("%w: reserve is %.1f after requesting %.1f",
			ErrRejected, info.BackupReservePercent, percent)
	}
	return nil
}

// ConnectionState derives link health from recent request outcomes.
func (t *TeslaCloud) ConnectionState() types.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.lastActivity.IsZero():
		return types.ConnectionDown
	case t.consecFails == 0:
		return types.ConnectionConnected
	case t.consecFails < 3:
		return types.ConnectionDegraded
	default:
		return types.ConnectionDown
	}
}

func (t *TeslaCloud) get(ctx context.Context, path string, out any) error {
	return t.do(ctx, http.MethodGet, path, nil, out)
}

func (t *TeslaCloud) post(ctx context.Context, path string, in any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return t.do(ctx, http.MethodPost, path, body, nil)
}

func (t *TeslaCloud) do(ctx context.Context, method, path string, body []byte, out any) error {
	err := t.doOnce(ctx, method, path, body, out)

	t.mu.Lock()
	t.lastActivity = time.Now()
	if err != nil {
		t.consecFails++
	} else {
		t.consecFails = 0
	}
	t.mu.Unlock()

	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "cloud request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Any("error", err),
		)
	}
	return err
}

func (t *TeslaCloud) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	url := t.baseURL + "/api/1/energy_sites/" + t.siteID + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned %d", ErrAuth, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s returned %d", ErrRejected, path, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	// the cloud API wraps payloads in a response envelope
	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	if err := json.Unmarshal(envelope.Response, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", path, err)
	}
	return nil
}

func parseCloudGridStatus(live cloudLiveStatus) types.GridStatus {
	switch live.GridStatus {
	case "Active":
		return types.GridStatusUp
	case "Inactive":
		if live.IslandStatus == "island_status_on_grid" {
			return types.GridStatusDown
		}
		return types.GridStatusIslanded
	default:
		return types.GridStatusUnknown
	}
}
