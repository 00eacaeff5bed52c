package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/infusion/internal/asset"
	"github.com/alanyoungcy/infusion/internal/cache/local"
	"github.com/alanyoungcy/infusion/internal/crypto"
	"github.com/alanyoungcy/infusion/internal/registry"
	"github.com/alanyoungcy/infusion/internal/server"
	"github.com/alanyoungcy/infusion/internal/server/handler"
	"github.com/alanyoungcy/infusion/internal/server/middleware"
	"github.com/alanyoungcy/infusion/internal/server/ws"
	"github.com/alanyoungcy/infusion/internal/service"
	"github.com/alanyoungcy/infusion/internal/store/memory"
	"github.com/alanyoungcy/infusion/internal/vault"
)

const (
	aliceKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	bobKey   = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	opKey    = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
)

var (
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000001f0")
	vaultAddr    = common.HexToAddress("0x000000000000000000000000000000000000fa11")
)

type harness struct {
	t      *testing.T
	srv    *httptest.Server
	hub    *ws.Hub
	alice  *crypto.Signer
	bob    *crypto.Signer
	op     *crypto.Signer
	cancel context.CancelFunc
	// nextTS gives each signed request its own timestamp, so identical
	// calls are not taken for replays.
	nextTS int64
}

func newHarness(t *testing.T, apiKey string) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.NewLedgerStore()
	token := asset.NewMemoryToken("sETH")
	v := vault.New(vault.Config{Address: vaultAddr, Name: "sETH Vault", Symbol: "vsETH", YieldBps: 2000},
		store, asset.NewAdapter(token, vaultAddr), asset.NewMintingYield(token), logger)
	require.NoError(t, v.Init(ctx))

	hub := ws.NewHub(ws.Config{Registry: registryAddr.Hex(), Vaults: []string{vaultAddr.Hex()}}, nil, logger)
	relay := service.NewEventRelay(nil, hub, nil, logger)
	reg := registry.New(store, asset.NewAdapter(token, registryAddr), []*vault.Vault{v}, relay, logger)

	limiter := local.NewRateLimiter()
	audit := memory.NewAuditStore()
	assets := service.NewAssetService(token, registryAddr, limiter, audit, service.FaucetConfig{
		Enabled: true, MaxAmount: big.NewInt(1_000), Limit: 10, Window: time.Minute,
	}, logger)

	alice, err := crypto.NewSignerFromHex(aliceKey)
	require.NoError(t, err)
	bob, err := crypto.NewSignerFromHex(bobKey)
	require.NoError(t, err)
	op, err := crypto.NewSignerFromHex(opKey)
	require.NoError(t, err)

	h := server.Routes(server.Config{
		APIKey:            apiKey,
		RequireSignatures: true,
		SignatureMaxAge:   time.Minute,
		RateLimit:         1000,
		RateWindow:        time.Minute,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(nil, logger),
		Positions: handler.NewPositionHandler(reg, logger),
		Vaults: handler.NewVaultHandler(reg, handler.HarvestPolicy{
			Operators: []common.Address{op.Address()},
			MaxAmount: big.NewInt(100),
		}, logger),
		Events:    handler.NewEventHandler(reg, logger),
		Assets:    handler.NewAssetHandler(assets, logger),
		Audit:     handler.NewAuditHandler(audit, logger),
	}, hub, limiter, logger)

	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(h)

	hs := &harness{t: t, srv: srv, hub: hub, alice: alice, bob: bob, op: op, cancel: cancel,
		nextTS: time.Now().Add(-50 * time.Second).Unix()}
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hs
}

// do sends a request signed by as (nil for anonymous) and decodes the reply.
func (h *harness) do(as *crypto.Signer, method, path string, body any) (int, map[string]any) {
	h.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(h.t, err)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, bytes.NewReader(raw))
	require.NoError(h.t, err)
	if as != nil {
		h.nextTS++
		signRequest(h.t, req, as, raw, h.nextTS)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func signRequest(t *testing.T, req *http.Request, as *crypto.Signer, body []byte, ts int64) {
	t.Helper()
	sig, err := as.SignMessage(crypto.RequestMessage(req.Method, req.URL.Path, ts, body))
	require.NoError(t, err)
	req.Header.Set(middleware.CallerHeader, as.Address().Hex())
	req.Header.Set(middleware.TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(middleware.SignatureHeader, sig)
}

// num reads a JSON amount field, which is always a base-10 string.
func num(t *testing.T, v any) string {
	t.Helper()
	s, ok := v.(string)
	require.True(t, ok, "expected decimal string, got %T", v)
	return s
}

func (h *harness) fundAndApprove(as *crypto.Signer, amount string) {
	h.t.Helper()
	code, body := h.do(as, http.MethodPost, "/api/faucet", map[string]string{"amount": amount})
	require.Equal(h.t, http.StatusOK, code, body)
	code, body = h.do(as, http.MethodPost, "/api/assets/approve", map[string]string{"amount": amount})
	require.Equal(h.t, http.StatusOK, code, body)
}

func TestLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, "")
	h.fundAndApprove(h.alice, "10")

	code, body := h.do(h.alice, http.MethodPost, "/api/positions", map[string]string{"amount": "10"})
	require.Equal(t, http.StatusCreated, code, body)
	pos := body["position"].(map[string]any)
	assert.EqualValues(t, 1, pos["id"])
	assert.Equal(t, "10", num(t, body["value"]))

	code, body = h.do(h.alice, http.MethodPost, "/api/positions/1/stake", map[string]string{"vault": vaultAddr.Hex()})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "10", num(t, body["shares"]))

	code, body = h.do(h.op, http.MethodPost, "/api/vaults/"+vaultAddr.Hex()+"/harvest", map[string]string{"amount": "2"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "12", num(t, body["total_assets"]))

	code, body = h.do(nil, http.MethodGet, "/api/positions/1", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "12", num(t, body["value"]))

	code, body = h.do(h.alice, http.MethodPost, "/api/positions/1/burn", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "12", num(t, body["returned"]))

	code, body = h.do(nil, http.MethodGet, "/api/assets/"+h.alice.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "12", num(t, body["balance"]))

	code, body = h.do(nil, http.MethodGet, "/api/events?limit=2", nil)
	require.Equal(t, http.StatusOK, code, body)
	events := body["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, "withdrawal_recorded", events[0].(map[string]any)["kind"])

	code, body = h.do(nil, http.MethodGet, "/api/vaults/"+vaultAddr.Hex(), nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Empty(t, body["entries"])

	code, body = h.do(nil, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, code, body)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "faucet_drip", entries[0].(map[string]any)["event"])
	assert.Equal(t, h.alice.Address().Hex(), entries[0].(map[string]any)["actor"])
}

func TestErrorStatuses(t *testing.T) {
	h := newHarness(t, "")
	h.fundAndApprove(h.alice, "10")
	code, _ := h.do(h.alice, http.MethodPost, "/api/positions", map[string]string{"amount": "10"})
	require.Equal(t, http.StatusCreated, code)

	cases := []struct {
		name   string
		as     *crypto.Signer
		method string
		path   string
		body   any
		want   int
	}{
		{"anonymous mint", nil, http.MethodPost, "/api/positions", map[string]string{"amount": "1"}, http.StatusUnauthorized},
		{"bad amount", h.alice, http.MethodPost, "/api/positions", map[string]string{"amount": "-3"}, http.StatusBadRequest},
		{"unfunded mint", h.bob, http.MethodPost, "/api/positions", map[string]string{"amount": "5"}, http.StatusPaymentRequired},
		{"not owner", h.bob, http.MethodPost, "/api/positions/1/burn", nil, http.StatusForbidden},
		{"missing", nil, http.MethodGet, "/api/positions/99", nil, http.StatusNotFound},
		{"bad id", nil, http.MethodGet, "/api/positions/zero", nil, http.StatusBadRequest},
		{"unknown vault", h.alice, http.MethodPost, "/api/positions/1/stake", map[string]string{"vault": "0x000000000000000000000000000000000000beef"}, http.StatusNotFound},
		{"harvest empty vault", h.op, http.MethodPost, "/api/vaults/" + vaultAddr.Hex() + "/harvest", nil, http.StatusConflict},
		{"transfer to zero address", h.alice, http.MethodPost, "/api/positions/1/transfer", map[string]string{"to": "0x0000000000000000000000000000000000000000"}, http.StatusBadRequest},
		{"unknown field", h.alice, http.MethodPost, "/api/positions", map[string]string{"amount": "1", "extra": "x"}, http.StatusBadRequest},
		{"faucet cap", h.alice, http.MethodPost, "/api/faucet", map[string]string{"amount": "1001"}, http.StatusBadRequest},
		{"bad audit window", nil, http.MethodGet, "/api/audit?since=yesterday", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := h.do(tc.as, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, code, body)
			assert.NotEmpty(t, body["error"])
		})
	}

	code, _ = h.do(h.alice, http.MethodPost, "/api/positions/1/stake", map[string]string{"vault": vaultAddr.Hex()})
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(h.alice, http.MethodPost, "/api/positions/1/stake", map[string]string{"vault": vaultAddr.Hex()})
	assert.Equal(t, http.StatusConflict, code, "second stake")
}

func TestHarvestIsOperatorOnly(t *testing.T) {
	h := newHarness(t, "")
	h.fundAndApprove(h.alice, "1000")
	code, body := h.do(h.alice, http.MethodPost, "/api/positions", map[string]string{"amount": "1000"})
	require.Equal(t, http.StatusCreated, code, body)
	code, body = h.do(h.alice, http.MethodPost, "/api/positions/1/stake", map[string]string{"vault": vaultAddr.Hex()})
	require.Equal(t, http.StatusOK, code, body)

	path := "/api/vaults/" + vaultAddr.Hex() + "/harvest"
	huge := map[string]string{"amount": "1000000000000000000000000"}

	code, body = h.do(nil, http.MethodPost, path, huge)
	assert.Equal(t, http.StatusUnauthorized, code, body)
	code, body = h.do(h.alice, http.MethodPost, path, huge)
	assert.Equal(t, http.StatusForbidden, code, body)
	code, body = h.do(h.alice, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusForbidden, code, body, "stakers cannot apply the yield rate either")
	code, body = h.do(h.op, http.MethodPost, path, huge)
	assert.Equal(t, http.StatusBadRequest, code, body)
	assert.Contains(t, body["error"], "max_amount")

	code, body = h.do(nil, http.MethodGet, "/api/vaults/"+vaultAddr.Hex(), nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "1000", num(t, body["state"].(map[string]any)["total_assets"]))

	code, body = h.do(h.op, http.MethodPost, path, map[string]string{"amount": "100"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "1100", num(t, body["total_assets"]))

	code, body = h.do(h.op, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "1320", num(t, body["total_assets"]), "configured 20% yield")
}

func TestSignatureChecks(t *testing.T) {
	h := newHarness(t, "")
	body := []byte(`{"amount":"5"}`)

	send := func(mutate func(req *http.Request)) int {
		req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/faucet", bytes.NewReader(body))
		require.NoError(t, err)
		signRequest(t, req, h.alice, body, time.Now().Unix())
		mutate(req)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, send(func(*http.Request) {}))
	assert.Equal(t, http.StatusUnauthorized, send(func(r *http.Request) {
		r.Header.Set(middleware.CallerHeader, h.bob.Address().Hex())
	}), "signature from a different key")
	assert.Equal(t, http.StatusUnauthorized, send(func(r *http.Request) {
		signRequest(t, r, h.alice, body, time.Now().Add(-time.Hour).Unix())
	}), "stale timestamp")
	assert.Equal(t, http.StatusUnauthorized, send(func(r *http.Request) {
		r.Header.Del(middleware.SignatureHeader)
	}), "missing signature")
	assert.Equal(t, http.StatusUnauthorized, send(func(r *http.Request) {
		r.Header.Set(middleware.CallerHeader, "not-an-address")
	}), "malformed caller")
}

func TestSignedRequestIsHonoredOnce(t *testing.T) {
	h := newHarness(t, "")
	h.fundAndApprove(h.alice, "30")

	body := []byte(`{"amount":"10"}`)
	ts := time.Now().Unix()
	send := func() int {
		req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/positions", bytes.NewReader(body))
		require.NoError(t, err)
		signRequest(t, req, h.alice, body, ts)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusCreated, send())
	assert.Equal(t, http.StatusUnauthorized, send(), "same headers sent again")
	assert.Equal(t, http.StatusUnauthorized, send())

	code, out := h.do(nil, http.MethodGet, "/api/positions?owner="+h.alice.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Len(t, out["positions"], 1)

	code, out = h.do(nil, http.MethodGet, "/api/assets/"+h.alice.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "20", out["balance"], "only one mint pulled funds")
}

func TestAPIKeyGuardsAllButHealth(t *testing.T) {
	h := newHarness(t, "sekret")

	code, _ := h.do(nil, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = h.do(nil, http.MethodGet, "/api/vaults", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/vaults", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sekret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	h := newHarness(t, "")
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?kinds=position_created"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello ws.Envelope
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)

	require.Eventually(t, func() bool { return h.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.fundAndApprove(h.alice, "3")
	code, _ := h.do(h.alice, http.MethodPost, "/api/positions", map[string]string{"amount": "3"})
	require.Equal(t, http.StatusCreated, code)

	var frame struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "event", frame.Type)
	assert.Equal(t, "position_created", frame.Payload["kind"])
}
