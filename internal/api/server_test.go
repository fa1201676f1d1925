package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/alert"
	"github.com/atlas-desktop/fx-regime-engine/internal/api"
	"github.com/atlas-desktop/fx-regime-engine/internal/journal"
	"github.com/atlas-desktop/fx-regime-engine/internal/metrics"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

var at = time.Date(2023, 8, 14, 10, 0, 0, 0, time.UTC)

type fakeEngine struct {
	mu       sync.Mutex
	state    *types.PortfolioState
	trades   []types.Trade
	rejected []types.RejectedSignal
	ackErr   error
	acked    []string
}

func (f *fakeEngine) Snapshot() *types.PortfolioState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) Trades() []types.Trade { return f.trades }

func (f *fakeEngine) Rejected() []types.RejectedSignal { return f.rejected }

func (f *fakeEngine) Acknowledge(_ context.Context, operator string) (*types.EmergencyTransition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return nil, f.ackErr
	}
	f.acked = append(f.acked, operator)
	return &types.EmergencyTransition{From: types.EmergencyLevel4, To: types.EmergencyLevel3, Cause: "acknowledged by " + operator, At: at}, nil
}

func publishedState() *types.PortfolioState {
	return &types.PortfolioState{
		Cycle:    12,
		At:       at,
		Currency: "USD",
		Equity:   decimal.NewFromInt(101250),
		Positions: []types.Position{
			{ID: "p1", Instrument: "EUR_USD", Direction: types.DirectionLong, Units: decimal.NewFromInt(10000)},
		},
		Emergency: types.EmergencyStatus{Level: types.EmergencyNormal, Multiplier: 1, AcceptNewSignals: true},
		VaR:       &types.VaRSet{Available: true, Target: 0.003, Observations: 252},
		Regimes: map[string]types.RegimeReading{
			"EUR_USD": {Instrument: "EUR_USD", Regime: types.RegimeTrendingLowVol, Confidence: 0.8},
		},
	}
}

func serverConfig() *types.ServerConfig {
	return &types.ServerConfig{Host: "localhost", Port: 0, WebSocketPath: "/ws"}
}

func setupTestServer(t *testing.T, engine *fakeEngine, opts ...api.Option) (*api.Server, *httptest.Server) {
	t.Helper()
	server := api.NewServer(zap.NewNop(), serverConfig(), engine, opts...)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

func getJSON(t *testing.T, url string, into interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t, &fakeEngine{state: publishedState()})

	var body map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/health", &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 12, body["cycle"])
}

func TestStateUnavailableBeforeFirstCycle(t *testing.T) {
	engine := &fakeEngine{}
	_, ts := setupTestServer(t, engine)

	for _, path := range []string{"/state", "/positions", "/var", "/correlation", "/regimes", "/emergency"} {
		var body map[string]string
		assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/api/v1"+path, &body), path)
		assert.NotEmpty(t, body["error"])
	}

	engine.mu.Lock()
	engine.state = publishedState()
	engine.mu.Unlock()

	var state types.PortfolioState
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/state", &state))
	assert.Equal(t, uint64(12), state.Cycle)
	assert.True(t, state.Equity.Equal(decimal.NewFromInt(101250)))
}

func TestSnapshotViews(t *testing.T) {
	_, ts := setupTestServer(t, &fakeEngine{state: publishedState()})

	var positions struct {
		Positions []types.Position `json:"positions"`
		Count     int              `json:"count"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/positions", &positions))
	assert.Equal(t, 1, positions.Count)
	assert.Equal(t, "EUR_USD", positions.Positions[0].Instrument)

	var v types.VaRSet
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/var", &v))
	assert.Equal(t, 252, v.Observations)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/correlation", nil))

	var regimes map[string]types.RegimeReading
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/regimes", &regimes))
	assert.Equal(t, types.RegimeTrendingLowVol, regimes["EUR_USD"].Regime)
}

func TestTradesFilter(t *testing.T) {
	_, ts := setupTestServer(t, &fakeEngine{trades: []types.Trade{
		{ID: "t1", Instrument: "EUR_USD"},
		{ID: "t2", Instrument: "GBP_USD"},
		{ID: "t3", Instrument: "EUR_USD"},
	}})

	var all struct{ Count int }
	getJSON(t, ts.URL+"/api/v1/trades", &all)
	assert.Equal(t, 3, all.Count)

	var eur struct {
		Trades []types.Trade
		Count  int
	}
	getJSON(t, ts.URL+"/api/v1/trades?instrument=EUR_USD", &eur)
	assert.Equal(t, 2, eur.Count)
	assert.Equal(t, "t3", eur.Trades[1].ID)
}

func TestAcknowledge(t *testing.T) {
	engine := &fakeEngine{}
	_, ts := setupTestServer(t, engine)
	url := ts.URL + "/api/v1/emergency/acknowledge"

	resp, err := http.Post(url, "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(url, "application/json", bytes.NewBufferString(`{"operator":"desk-1"}`))
	require.NoError(t, err)
	var tr types.EmergencyTransition
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.EmergencyLevel3, tr.To)
	engine.mu.Lock()
	assert.Equal(t, []string{"desk-1"}, engine.acked)
	engine.ackErr = types.NewError(types.KindEmergencyHalt, "risk.emergency.acknowledge", "drawdown still at halt", nil)
	engine.mu.Unlock()
	resp, err = http.Post(url, "application/json", bytes.NewBufferString(`{"operator":"desk-1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestTransitionsFromJournal(t *testing.T) {
	_, noJournal := setupTestServer(t, &fakeEngine{})
	assert.Equal(t, http.StatusNotFound, getJSON(t, noJournal.URL+"/api/v1/emergency/transitions", nil))

	mem := journal.NewMemory()
	require.NoError(t, mem.AppendEmergencyTransition(context.Background(),
		types.EmergencyTransition{From: types.EmergencyNormal, To: types.EmergencyLevel1, Cause: "drawdown", At: at}))
	_, ts := setupTestServer(t, &fakeEngine{}, api.WithJournal(mem))

	var body struct {
		Transitions []types.EmergencyTransition
		Count       int
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/emergency/transitions", &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, types.EmergencyLevel1, body.Transitions[0].To)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.RecordRejection(context.Background(), types.RejectedSignal{Reason: types.RejectConflictLost})
	_, ts := setupTestServer(t, &fakeEngine{}, api.WithMetrics(m.Handler()))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `fxengine_rejected_signals_total{reason="conflict_lost"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	_, ts := setupTestServer(t, &fakeEngine{})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/state", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func readMessage(t *testing.T, conn *websocket.Conn) api.WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg api.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketPushesSnapshotsAndAlerts(t *testing.T) {
	server, ts := setupTestServer(t, &fakeEngine{})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, Channel: api.ChannelPortfolio}))
	assert.Equal(t, api.MsgTypeSubscribed, readMessage(t, conn).Type)
	require.NoError(t, conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, Channel: api.ChannelAlerts}))
	assert.Equal(t, api.MsgTypeSubscribed, readMessage(t, conn).Type)

	hub := server.Hub()
	hub.ObserveCycle(publishedState(), time.Millisecond)
	msg := readMessage(t, conn)
	require.Equal(t, api.MsgTypeSnapshot, msg.Type)
	var state types.PortfolioState
	require.NoError(t, json.Unmarshal(msg.Data, &state))
	assert.Equal(t, uint64(12), state.Cycle)

	require.NoError(t, hub.Send(context.Background(), alert.Alert{ID: "a1", Kind: alert.KindVaRBreach, Severity: alert.SeverityCritical, At: at}))
	msg = readMessage(t, conn)
	assert.Equal(t, api.MsgTypeRiskAlert, msg.Type)
	assert.Equal(t, api.ChannelAlerts, msg.Channel)
	assert.Contains(t, string(msg.Data), `"var_breach"`)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestWebSocketHubStop(t *testing.T) {
	server, ts := setupTestServer(t, &fakeEngine{})
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return server.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.Hub().Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.Equal(t, 0, server.Hub().ClientCount())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
