package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"LoanLedger/internal/core"
	"LoanLedger/internal/loan"
	"LoanLedger/internal/observability"
	"LoanLedger/internal/oracle"
	"LoanLedger/internal/query"
	"LoanLedger/internal/server"
	"LoanLedger/internal/stake"
	"LoanLedger/internal/swap"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// doublingExchange returns twice the input.
type doublingExchange struct{}

func (doublingExchange) Swap(_ context.Context, _, _ string, amount, _ *big.Int) (*big.Int, error) {
	return new(big.Int).Mul(amount, big.NewInt(2)), nil
}

type harness struct {
	client  *server.Client
	conn    *grpc.ClientConn
	prices  *oracle.StaticOracle
	metrics *observability.Metrics
}

func newHarness(t *testing.T, rateLimit float64, burst int) *harness {
	t.Helper()
	clock := loan.ClockFunc(func() int64 { return 1_700_000_000 })
	prices := oracle.NewStaticOracle(nil, map[string]*big.Int{"XLM": big.NewInt(1_000_000)})
	loans, err := loan.NewLedger(loan.NewMemStore(), clock, prices, loan.DefaultParams(), zerolog.Nop())
	require.NoError(t, err)
	stakes := stake.NewLedger(stake.NewMemStore(), zerolog.Nop())
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	engine := core.NewEngine(nil, 128, core.EngineDeps{
		Loans:       loans,
		Stakes:      stakes,
		Clock:       clock,
		PersistChan: make(chan core.CoreOutput, 128),
		PublishChan: make(chan core.CoreOutput, 128),
		Metrics:     metrics,
		Logger:      zerolog.Nop(),
	})
	router, err := swap.NewRouter(doublingExchange{}, engine)
	require.NoError(t, err)

	deps := &server.ServerDeps{
		Engine:       engine,
		QueryService: query.NewQueryService(loans, stakes, engine, nil),
		Swaps:        router,
		Metrics:      metrics,
		Logger:       zerolog.Nop(),
	}

	conn := serveBufconn(t, deps, rateLimit, burst)
	return &harness{client: server.NewClient(conn), conn: conn, prices: prices, metrics: metrics}
}

// serveBufconn registers deps on an in-memory gRPC server and dials it.
func serveBufconn(t *testing.T, deps *server.ServerDeps, rateLimit float64, burst int) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		server.LoggingInterceptor(deps.Metrics, zerolog.Nop()),
		server.RateLimitInterceptor(server.NewPeerRateLimiter(rateLimit, burst), deps.Metrics),
	))
	server.RegisterServices(srv, deps)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func createReq(id string, principal, collateral string) *server.CreateLoanRequest {
	return &server.CreateLoanRequest{
		RequestID:  id,
		Account:    "GALICE",
		Asset:      "XLM",
		Principal:  principal,
		Collateral: collateral,
	}
}

func TestLoanService_CreateReadRepay(t *testing.T) {
	h := newHarness(t, 0, 0)
	ctx := context.Background()

	created, err := h.client.CreateLoan(ctx, createReq("r1", "1000", "2000"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Sequence)
	assert.Equal(t, "1000", created.TotalLoans)
	require.NotNil(t, created.Loan)
	assert.Equal(t, "Active", created.Loan.Status)

	view, err := h.client.GetLoan(ctx, &server.AccountAssetRequest{Account: "GALICE", Asset: "XLM"})
	require.NoError(t, err)
	assert.Equal(t, "1000", view.Principal)
	assert.Equal(t, "2000", view.Collateral)

	total, err := h.client.GetTotalLoans(ctx, &server.AssetRequest{Asset: "XLM"})
	require.NoError(t, err)
	assert.Equal(t, "1000", total.Total)

	repaid, err := h.client.RepayLoan(ctx, &server.RepayLoanRequest{RequestID: "r2", Account: "GALICE", Asset: "XLM", Amount: "1000"})
	require.NoError(t, err)
	assert.Equal(t, "Repaid", repaid.Loan.Status)
	assert.Equal(t, "0", repaid.TotalLoans)
	assert.Equal(t, "0", repaid.Interest)
}

func TestLoanService_DuplicateRequestReturnsCurrentState(t *testing.T) {
	h := newHarness(t, 0, 0)
	ctx := context.Background()

	_, err := h.client.CreateLoan(ctx, createReq("same", "1000", "2000"))
	require.NoError(t, err)

	again, err := h.client.CreateLoan(ctx, createReq("same", "1000", "2000"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Zero(t, again.Sequence)
	require.NotNil(t, again.Loan)
	assert.Equal(t, "1000", again.Loan.Principal)

	total, err := h.client.GetTotalLoans(ctx, &server.AssetRequest{Asset: "XLM"})
	require.NoError(t, err)
	assert.Equal(t, "1000", total.Total)
}

func TestLoanService_ErrorCodes(t *testing.T) {
	h := newHarness(t, 0, 0)
	ctx := context.Background()

	_, err := h.client.CreateLoan(ctx, createReq("", "1000", "1000"))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "ratio 100 is below 150")

	_, err = h.client.CreateLoan(ctx, createReq("", "1000", "1e3"))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.CreateLoan(ctx, createReq("", "0", "1000"))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.GetLoan(ctx, &server.AccountAssetRequest{Account: "GNOBODY", Asset: "XLM"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.GetTotalLoans(ctx, &server.AssetRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// BTC has no price, so liquidation cannot be evaluated.
	_, err = h.client.CreateLoan(ctx, &server.CreateLoanRequest{Account: "GALICE", Asset: "BTC", Principal: "10", Collateral: "20"})
	require.NoError(t, err)
	_, err = h.client.LiquidateLoan(ctx, &server.LiquidateLoanRequest{Account: "GALICE", Asset: "BTC"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestLoanService_LiquidateAfterPriceDrop(t *testing.T) {
	h := newHarness(t, 0, 0)
	ctx := context.Background()

	_, err := h.client.CreateLoan(ctx, createReq("c1", "1000", "2000"))
	require.NoError(t, err)

	_, err = h.client.LiquidateLoan(ctx, &server.LiquidateLoanRequest{RequestID: "l1", Account: "GALICE", Asset: "XLM"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	require.NoError(t, h.prices.Set("XLM", big.NewInt(500_000)))
	health, err := h.client.GetLoanHealth(ctx, &server.AccountAssetRequest{Account: "GALICE", Asset: "XLM"})
	require.NoError(t, err)
	assert.True(t, health.Liquidatable)

	liq, err := h.client.LiquidateLoan(ctx, &server.LiquidateLoanRequest{RequestID: "l1", Account: "GALICE", Asset: "XLM"})
	require.NoError(t, err)
	assert.Equal(t, "Liquidated", liq.Loan.Status)
	assert.Equal(t, "100", liq.CollateralRatio)
	assert.Equal(t, "500000", liq.Price)
}

func TestStakeService_DepositWithdraw(t *testing.T) {
	h := newHarness(t, 0, 0)
	ctx := context.Background()

	dep, err := h.client.Deposit(ctx, &server.StakeRequest{RequestID: "d1", Account: "GBOB", Asset: "XLM", Amount: "100"})
	require.NoError(t, err)
	assert.Equal(t, "100", dep.Balance)
	assert.Equal(t, "100", dep.Total)

	_, err = h.client.Withdraw(ctx, &server.StakeRequest{RequestID: "w1", Account: "GBOB", Asset: "XLM", Amount: "101"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	wd, err := h.client.Withdraw(ctx, &server.StakeRequest{RequestID: "w2", Account: "GBOB", Asset: "XLM", Amount: "60"})
	require.NoError(t, err)
	assert.Equal(t, "40", wd.Balance)

	st, err := h.client.GetStake(ctx, &server.AccountAssetRequest{Account: "GBOB", Asset: "XLM"})
	require.NoError(t, err)
	assert.Equal(t, "40", st.Amount)

	total, err := h.client.GetTotalStake(ctx, &server.AssetRequest{Asset: "XLM"})
	require.NoError(t, err)
	assert.Equal(t, "40", total.Total)
}

func TestSwapService_StakesFee(t *testing.T) {
	h := newHarness(t, 0, 0)
	ctx := context.Background()

	fee, err := h.client.GetFee(ctx, &server.GetFeeRequest{})
	require.NoError(t, err)
	assert.Equal(t, swap.DefaultFeeBps, fee.FeeBps)

	res, err := h.client.Swap(ctx, &server.SwapRequest{FromAsset: "XLM", ToAsset: "USDC", Amount: "1000", Recipient: "GBOB"})
	require.NoError(t, err)
	assert.Equal(t, "900", res.SwapAmount)
	assert.Equal(t, "100", res.StakeAmount)
	assert.Equal(t, "1800", res.Output)
	require.NotNil(t, res.Stake)
	assert.Equal(t, "100", res.Stake.Balance)

	_, err = h.client.Swap(ctx, &server.SwapRequest{FromAsset: "XLM", ToAsset: "USDC", Amount: "1000", MinOutput: "5000", Recipient: "GBOB"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SwapsRouted.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SwapsRouted.WithLabelValues("slippage")))
}

type failingStaker struct{}

func (failingStaker) Deposit(context.Context, string, *big.Int, string) (*stake.Receipt, error) {
	return nil, errors.New("stake store unavailable")
}

func TestSwapService_FeeStakeFailureCarriesExchangeOutput(t *testing.T) {
	router, err := swap.NewRouter(doublingExchange{}, failingStaker{})
	require.NoError(t, err)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	conn := serveBufconn(t, &server.ServerDeps{Swaps: router, Metrics: metrics, Logger: zerolog.Nop()}, 0, 0)
	client := server.NewClient(conn)

	_, err = client.Swap(context.Background(), &server.SwapRequest{FromAsset: "XLM", ToAsset: "USDC", Amount: "1000", Recipient: "GBOB"})
	require.Error(t, err)
	st := status.Convert(err)
	assert.Equal(t, codes.Aborted, st.Code())

	var info *errdetails.ErrorInfo
	for _, d := range st.Details() {
		if ei, ok := d.(*errdetails.ErrorInfo); ok {
			info = ei
		}
	}
	require.NotNil(t, info, "expected ErrorInfo details")
	assert.Equal(t, server.FeeStakeFailedReason, info.Reason)
	assert.Equal(t, "900", info.Metadata["swap_amount"])
	assert.Equal(t, "100", info.Metadata["stake_amount"])
	assert.Equal(t, "1800", info.Metadata["output"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SwapsRouted.WithLabelValues("stake_failed")))
}

func TestAdminService(t *testing.T) {
	h := newHarness(t, 0, 0)
	ctx := context.Background()

	_, err := h.client.CreateLoan(ctx, createReq("c1", "1000", "2000"))
	require.NoError(t, err)

	report, err := h.client.VerifyIntegrity(ctx, &server.VerifyIntegrityRequest{})
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Equal(t, 1, report.ActiveLoans)

	_, err = h.client.ListEvents(ctx, &server.ListEventsRequest{Account: "GALICE", Asset: "XLM"})
	assert.Equal(t, codes.Unimplemented, status.Code(err), "no event log configured")

	_, err = h.client.ListEvents(ctx, &server.ListEventsRequest{Account: "GALICE"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRateLimitInterceptor(t *testing.T) {
	h := newHarness(t, 0.001, 1)
	ctx := context.Background()

	_, err := h.client.GetFee(ctx, &server.GetFeeRequest{})
	require.NoError(t, err)
	_, err = h.client.GetFee(ctx, &server.GetFeeRequest{})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.GRPCRateLimit))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		h.metrics.GRPCRequests.WithLabelValues("/"+server.SwapServiceName+"/GetFee", codes.ResourceExhausted.String())))
}

func TestHealthService(t *testing.T) {
	h := newHarness(t, 0, 0)

	resp, err := healthpb.NewHealthClient(h.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.LoanServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestPeerRateLimiter_PerPeerBuckets(t *testing.T) {
	l := server.NewPeerRateLimiter(0.001, 2)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))

	assert.True(t, server.NewPeerRateLimiter(0, 0).Allow("a"), "zero rate disables limiting")
}

func TestGateway_Routes(t *testing.T) {
	h := newHarness(t, 0, 0)
	gw, err := server.NewGateway(h.client)
	require.NoError(t, err)
	checker := observability.NewHealthChecker()
	srv := httptest.NewServer(server.NewHTTPHandler(gw, checker))
	defer srv.Close()

	post := func(path, body string, header map[string]string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range header {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}
	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		return resp
	}

	resp := post("/v1/loans", `{"account":"GALICE","asset":"XLM","principal":"1000","collateral":"2000"}`,
		map[string]string{server.IdempotencyHeader: "http-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created server.LoanReceipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, "http-1", created.RequestID)
	assert.Equal(t, "1000", created.TotalLoans)

	resp = post("/v1/loans", `{"account":"GALICE","asset":"XLM","principal":"1000","collateral":"2000"}`,
		map[string]string{server.IdempotencyHeader: "http-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dup server.LoanReceipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dup))
	resp.Body.Close()
	assert.True(t, dup.Duplicate)

	resp = get("/v1/loans/GALICE/XLM")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view query.LoanView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	resp.Body.Close()
	assert.Equal(t, "1000", view.Principal)

	resp = get("/v1/loans/GALICE/XLM/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = get("/v1/assets/XLM/loans/total")
	var total query.TotalView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&total))
	resp.Body.Close()
	assert.Equal(t, "1000", total.Total)

	resp = post("/v1/loans/GALICE/XLM/repay", `{"request_id":"http-2","amount":"999"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "insufficient repayment")
	resp.Body.Close()

	resp = post("/v1/loans/GALICE/XLM/repay", `{"request_id":"http-3","amount":"1000"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = get("/v1/loans/GBOB/XLM")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = post("/v1/loans", `{"account":`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = post("/v1/stakes", `{"request_id":"s1","account":"GBOB","asset":"XLM","amount":"50"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = get("/v1/stakes/GBOB/XLM")
	var st query.StakeView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "50", st.Amount)

	resp = post("/v1/stakes/withdraw", `{"request_id":"s2","account":"GBOB","asset":"XLM","amount":"51"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = get("/v1/assets/XLM/stakes/total")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = get("/v1/swaps/fee")
	var fee server.GetFeeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fee))
	resp.Body.Close()
	assert.Equal(t, swap.DefaultFeeBps, fee.FeeBps)

	resp = post("/v1/swaps", `{"from_asset":"XLM","to_asset":"USDC","amount":"1000","recipient":"GBOB"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = get("/v1/admin/integrity")
	var report query.IntegrityReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.True(t, report.IsHealthy)

	resp = get("/v1/admin/events/GALICE/XLM?limit=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestGateway_UnavailableMapsTo503(t *testing.T) {
	h := newHarness(t, 0, 0)
	gw, err := server.NewGateway(h.client)
	require.NoError(t, err)
	srv := httptest.NewServer(server.NewHTTPHandler(gw, nil))
	defer srv.Close()

	_, err = h.client.CreateLoan(context.Background(), &server.CreateLoanRequest{Account: "GALICE", Asset: "BTC", Principal: "10", Collateral: "20"})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/v1/loans/GALICE/BTC/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
