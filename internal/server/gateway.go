package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"LoanLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxBodyBytes caps gateway request bodies.
const maxBodyBytes = 1 << 20

// IdempotencyHeader supplies request_id when the body omits it.
const IdempotencyHeader = "Idempotency-Key"

type gateway struct {
	mux       *runtime.ServeMux
	client    *Client
	marshaler runtime.Marshaler
}

// NewGateway registers the HTTP/JSON routes on a runtime.ServeMux. Each route
// decodes its request, calls the gRPC service through client, and maps gRPC
// status codes to HTTP with runtime.HTTPStatusFromCode.
func NewGateway(client *Client) (*runtime.ServeMux, error) {
	g := &gateway{
		mux:       runtime.NewServeMux(),
		client:    client,
		marshaler: &runtime.JSONPb{},
	}

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/loans", proxy(g, bindBody[CreateLoanRequest], client.CreateLoan)},
		{http.MethodPost, "/v1/loans/{account}/{asset}/repay", proxy(g, bindRepay, client.RepayLoan)},
		{http.MethodPost, "/v1/loans/{account}/{asset}/liquidate", proxy(g, bindLiquidate, client.LiquidateLoan)},
		{http.MethodGet, "/v1/loans/{account}/{asset}", proxy(g, bindAccountAsset, client.GetLoan)},
		{http.MethodGet, "/v1/loans/{account}/{asset}/health", proxy(g, bindAccountAsset, client.GetLoanHealth)},
		{http.MethodGet, "/v1/assets/{asset}/loans/total", proxy(g, bindAsset, client.GetTotalLoans)},

		{http.MethodPost, "/v1/stakes", proxy(g, bindBody[StakeRequest], client.Deposit)},
		{http.MethodPost, "/v1/stakes/withdraw", proxy(g, bindBody[StakeRequest], client.Withdraw)},
		{http.MethodGet, "/v1/stakes/{account}/{asset}", proxy(g, bindAccountAsset, client.GetStake)},
		{http.MethodGet, "/v1/assets/{asset}/stakes/total", proxy(g, bindAsset, client.GetTotalStake)},

		{http.MethodPost, "/v1/swaps", proxy(g, bindBody[SwapRequest], client.Swap)},
		{http.MethodGet, "/v1/swaps/fee", proxy(g, bindNone[GetFeeRequest], client.GetFee)},

		{http.MethodGet, "/v1/admin/integrity", proxy(g, bindNone[VerifyIntegrityRequest], client.VerifyIntegrity)},
		{http.MethodGet, "/v1/admin/events/{account}/{asset}", proxy(g, bindListEvents, client.ListEvents)},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return g.mux, nil
}

// NewHTTPHandler mounts the gateway behind /healthz and /readyz.
func NewHTTPHandler(gw http.Handler, health *observability.HealthChecker) http.Handler {
	httpMux := http.NewServeMux()
	if health != nil {
		httpMux.HandleFunc("/healthz", health.LivenessHandler)
		httpMux.HandleFunc("/readyz", health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", gw)
	return httpMux
}

func proxy[Req, Resp any](
	g *gateway,
	bind func(*http.Request, map[string]string, *Req) error,
	call func(context.Context, *Req, ...grpc.CallOption) (*Resp, error),
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		in := new(Req)
		if err := bind(r, params, in); err != nil {
			g.writeError(w, r, status.Error(codes.InvalidArgument, err.Error()))
			return
		}
		out, err := call(r.Context(), in)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(out)
	}
}

func (g *gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	runtime.HTTPError(r.Context(), g.mux, g.marshaler, w, r, err)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func idempotencyKey(r *http.Request, id *string) {
	if *id == "" {
		*id = r.Header.Get(IdempotencyHeader)
	}
}

func bindBody[Req any](r *http.Request, _ map[string]string, in *Req) error {
	if err := decodeBody(r, in); err != nil {
		return err
	}
	switch v := any(in).(type) {
	case *CreateLoanRequest:
		idempotencyKey(r, &v.RequestID)
	case *StakeRequest:
		idempotencyKey(r, &v.RequestID)
	}
	return nil
}

func bindNone[Req any](*http.Request, map[string]string, *Req) error {
	return nil
}

func bindRepay(r *http.Request, p map[string]string, in *RepayLoanRequest) error {
	if err := decodeBody(r, in); err != nil {
		return err
	}
	in.Account, in.Asset = p["account"], p["asset"]
	idempotencyKey(r, &in.RequestID)
	return nil
}

func bindLiquidate(r *http.Request, p map[string]string, in *LiquidateLoanRequest) error {
	if err := decodeBody(r, in); err != nil {
		return err
	}
	in.Account, in.Asset = p["account"], p["asset"]
	idempotencyKey(r, &in.RequestID)
	return nil
}

func bindAccountAsset(_ *http.Request, p map[string]string, in *AccountAssetRequest) error {
	in.Account, in.Asset = p["account"], p["asset"]
	return nil
}

func bindAsset(_ *http.Request, p map[string]string, in *AssetRequest) error {
	in.Asset = p["asset"]
	return nil
}

func bindListEvents(r *http.Request, p map[string]string, in *ListEventsRequest) error {
	in.Account, in.Asset = p["account"], p["asset"]
	q := r.URL.Query()
	if s := q.Get("after_sequence"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid after_sequence %q", s)
		}
		in.AfterSequence = v
	}
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid limit %q", s)
		}
		in.Limit = v
	}
	return nil
}
