package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/reservewatch/reservewatch/pkg/common"
	"github.com/reservewatch/reservewatch/pkg/log"
	"github.com/reservewatch/reservewatch/pkg/types"
)

const powerwallLoginPath = "/api/login/Basic"

// Powerwall implements Client against a Tesla Powerwall gateway on the
// local network. The gateway serves a self-signed certificate, so the
// client skips TLS verification.
type Powerwall struct {
	client  *http.Client
	baseURL string
	email   string
	// the gateway's "customer" login
	password string

	mu           sync.Mutex
	token        string
	consecFails  int
	lastActivity time.Time
}

func newPowerwall(host, email, password string, timeout time.Duration) *Powerwall {
	return &Powerwall{
		client:   common.InsecureHTTPClient(timeout),
		baseURL:  "https://" + host,
		email:    email,
		password: password,
	}
}

type powerwallLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type powerwallLoginResponse struct {
	Token string `json:"token"`
}

type powerwallAggregate struct {
	InstantPower float64 `json:"instant_power"`
}

type powerwallAggregatesResponse struct {
	Site    powerwallAggregate `json:"site"`
	Battery powerwallAggregate `json:"battery"`
	Load    powerwallAggregate `json:"load"`
	Solar   powerwallAggregate `json:"solar"`
}

type powerwallSOEResponse struct {
	Percentage float64 `json:"percentage"`
}

type powerwallGridStatusResponse struct {
	GridStatus string `json:"grid_status"`
}

type powerwallOperationResponse struct {
	RealMode             string  `json:"real_mode"`
	BackupReservePercent float64 `json:"backup_reserve_percent"`
}

// Read polls the gateway's aggregates, charge level, grid status and
// operation endpoints and assembles a Reading.
func (p *Powerwall) Read(ctx context.Context) (types.Reading, error) {
	var aggregates powerwallAggregatesResponse
	if err := p.get(ctx, "/api/meters/aggregates", &aggregates); err != nil {
		return types.Reading{}, err
	}

	var soe powerwallSOEResponse
	if err := p.get(ctx, "/api/system_status/soe", &soe); err != nil {
		return types.Reading{}, err
	}

	var grid powerwallGridStatusResponse
	if err := p.get(ctx, "/api/system_status/grid_status", &grid); err != nil {
		return types.Reading{}, err
	}

	var op powerwallOperationResponse
	if err := p.get(ctx, "/api/operation", &op); err != nil {
		return types.Reading{}, err
	}

	return types.Reading{
		Timestamp: time.Now(),
		// the gateway reports watts
		SolarKW:   aggregates.Solar.InstantPower / 1000.0,
		BatteryKW: aggregates.Battery.InstantPower / 1000.0,
		GridKW:    aggregates.Site.InstantPower / 1000.0,
		HomeKW:    aggregates.Load.InstantPower / 1000.0,
		// scale out the 5% the gateway holds back, matching the vendor app
		BatterySOC:     scaleSOC(soe.Percentage),
		ReservePercent: op.BackupReservePercent,
		GridStatus:     parseGridStatus(grid.GridStatus),
	}, nil
}

// SetReserve writes the backup reserve percent through /api/operation,
// preserving the gateway's current operating mode.
func (p *Powerwall) SetReserve(ctx context.Context, percent float64) error {
	var op powerwallOperationResponse
	if err := p.get(ctx, "/api/operation", &op); err != nil {
		return err
	}

	body := struct {
		Mode                 string  `json:"mode"`
		BackupReservePercent float64 `json:"backup_reserve_percent"`
	}{
		Mode:                 op.RealMode,
		BackupReservePercent: percent,
	}
	if err := p.post(ctx, "/api/operation", body, nil); err != nil {
		return err
	}

	// confirm the gateway accepted the value
	var confirm powerwallOperationResponse
	if err := p.get(ctx, "/api/operation", &confirm); err != nil {
		return err
	}
	if confirm.BackupReservePercent != percent {
		return fmt.Errorf("%w: reserve is %.1f after requesting %.1f",
			ErrRejected, confirm.BackupReservePercent, percent)
	}
	return nil
}

// ConnectionState derives link health from recent request outcomes.
func (p *Powerwall) ConnectionState() types.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.lastActivity.IsZero():
		return types.ConnectionDown
	case p.consecFails == 0:
		return types.ConnectionConnected
	case p.consecFails < 3:
		return types.ConnectionDegraded
	default:
		return types.ConnectionDown
	}
}

func (p *Powerwall) login(ctx context.Context) (string, error) {
	reqBody, err := json.Marshal(powerwallLoginRequest{
		Username: "customer",
		Password: p.password,
		Email:    p.email,
	})
	if err != nil {
		return "", err
	}

	resp, err := p.client.Post(p.baseURL+powerwallLoginPath, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: login returned %d", ErrAuth, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: login returned %d", ErrUnreachable, resp.StatusCode)
	}

	var loginResp powerwallLoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	if loginResp.Token == "" {
		return "", fmt.Errorf("%w: login response missing token", ErrAuth)
	}

	log.Ctx(ctx).DebugContext(ctx, "powerwall login succeeded")
	return loginResp.Token, nil
}

func (p *Powerwall) get(ctx context.Context, path string, out any) error {
	return p.do(ctx, http.MethodGet, path, nil, out)
}

func (p *Powerwall) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return p.do(ctx, http.MethodPost, path, body, out)
}

func (p *Powerwall) do(ctx context.Context, method, path string, body []byte, out any) error {
	err := p.doOnce(ctx, method, path, body, out, false)
	if errors.Is(err, ErrAuth) {
		// token may simply have expired, retry once with a fresh login
		err = p.doOnce(ctx, method, path, body, out, true)
	}

	p.mu.Lock()
	p.lastActivity = time.Now()
	if err != nil {
		p.consecFails++
	} else {
		p.consecFails = 0
	}
	p.mu.Unlock()

	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "powerwall request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Any("error", err),
		)
	}
	return err
}

func (p *Powerwall) doOnce(ctx context.Context, method, path string, body []byte, out any, freshToken bool) error {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()

	if token == "" || freshToken {
		var err error
		token, err = p.login(ctx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.token = token
		p.mu.Unlock()
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// the gateway authenticates via its login cookie
	req.AddCookie(&http.Cookie{Name: "AuthCookie", Value: token})

	resp, err := p.client.Do(req)
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
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// classifyTransportError translates raw transport failures into the
// package's error kinds so callers never see net/http internals.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// scaleSOC converts the gateway's raw state of charge into the value the
// vendor app shows: the bottom 5% is held back and hidden from the user.
func scaleSOC(raw float64) float64 {
	scaled := (raw - 5.0) / 0.95
	if scaled < 0 {
		return 0
	}
	if scaled > 100 {
		return 100
	}
	return scaled
}

func parseGridStatus(s string) types.GridStatus {
	switch s {
	case "SystemGridConnected":
		return types.GridStatusUp
	case "SystemIslandedActive":
		return types.GridStatusIslanded
	case "SystemIslandedReady", "SystemTransitionToGrid", "SystemTransitionToIsland":
		return types.GridStatusDown
	case "":
		return types.GridStatusUnknown
	default:
		return types.GridStatusUnknown
	}
}
