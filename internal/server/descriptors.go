package server

import (
	"context"

	"LoanLedger/internal/query"

	"google.golang.org/grpc"
)

const (
	LoanServiceName  = "loanledger.v1.LoanService"
	StakeServiceName = "loanledger.v1.StakeService"
	SwapServiceName  = "loanledger.v1.SwapService"
	AdminServiceName = "loanledger.v1.AdminService"
)

type LoanServiceServer interface {
	CreateLoan(context.Context, *CreateLoanRequest) (*LoanReceipt, error)
	RepayLoan(context.Context, *RepayLoanRequest) (*LoanReceipt, error)
	LiquidateLoan(context.Context, *LiquidateLoanRequest) (*LoanReceipt, error)
	GetLoan(context.Context, *AccountAssetRequest) (*query.LoanView, error)
	GetLoanHealth(context.Context, *AccountAssetRequest) (*query.HealthView, error)
	GetTotalLoans(context.Context, *AssetRequest) (*query.TotalView, error)
}

type StakeServiceServer interface {
	Deposit(context.Context, *StakeRequest) (*StakeReceipt, error)
	Withdraw(context.Context, *StakeRequest) (*StakeReceipt, error)
	GetStake(context.Context, *AccountAssetRequest) (*query.StakeView, error)
	GetTotalStake(context.Context, *AssetRequest) (*query.TotalView, error)
}

type SwapServiceServer interface {
	Swap(context.Context, *SwapRequest) (*SwapResponse, error)
	GetFee(context.Context, *GetFeeRequest) (*GetFeeResponse, error)
}

type AdminServiceServer interface {
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	ListEvents(context.Context, *ListEventsRequest) (*ListEventsResponse, error)
}

// unaryMethod builds a grpc.MethodDesc around a method expression such as
// LoanServiceServer.CreateLoan, decoding Req with the negotiated codec.
func unaryMethod[S, Req, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var LoanServiceDesc = grpc.ServiceDesc{
	ServiceName: LoanServiceName,
	HandlerType: (*LoanServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(LoanServiceName, "CreateLoan", LoanServiceServer.CreateLoan),
		unaryMethod(LoanServiceName, "RepayLoan", LoanServiceServer.RepayLoan),
		unaryMethod(LoanServiceName, "LiquidateLoan", LoanServiceServer.LiquidateLoan),
		unaryMethod(LoanServiceName, "GetLoan", LoanServiceServer.GetLoan),
		unaryMethod(LoanServiceName, "GetLoanHealth", LoanServiceServer.GetLoanHealth),
		unaryMethod(LoanServiceName, "GetTotalLoans", LoanServiceServer.GetTotalLoans),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "loanledger/v1/loan.json",
}

var StakeServiceDesc = grpc.ServiceDesc{
	ServiceName: StakeServiceName,
	HandlerType: (*StakeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(StakeServiceName, "Deposit", StakeServiceServer.Deposit),
		unaryMethod(StakeServiceName, "Withdraw", StakeServiceServer.Withdraw),
		unaryMethod(StakeServiceName, "GetStake", StakeServiceServer.GetStake),
		unaryMethod(StakeServiceName, "GetTotalStake", StakeServiceServer.GetTotalStake),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "loanledger/v1/stake.json",
}

var SwapServiceDesc = grpc.ServiceDesc{
	ServiceName: SwapServiceName,
	HandlerType: (*SwapServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(SwapServiceName, "Swap", SwapServiceServer.Swap),
		unaryMethod(SwapServiceName, "GetFee", SwapServiceServer.GetFee),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "loanledger/v1/swap.json",
}

var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(AdminServiceName, "VerifyIntegrity", AdminServiceServer.VerifyIntegrity),
		unaryMethod(AdminServiceName, "ListEvents", AdminServiceServer.ListEvents),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "loanledger/v1/admin.json",
}

// Client calls every loanledger.v1 service over one connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateLoan(ctx context.Context, in *CreateLoanRequest, opts ...grpc.CallOption) (*LoanReceipt, error) {
	return invoke[LoanReceipt](ctx, c.cc, LoanServiceName, "CreateLoan", in, opts...)
}

func (c *Client) RepayLoan(ctx context.Context, in *RepayLoanRequest, opts ...grpc.CallOption) (*LoanReceipt, error) {
	return invoke[LoanReceipt](ctx, c.cc, LoanServiceName, "RepayLoan", in, opts...)
}

func (c *Client) LiquidateLoan(ctx context.Context, in *LiquidateLoanRequest, opts ...grpc.CallOption) (*LoanReceipt, error) {
	return invoke[LoanReceipt](ctx, c.cc, LoanServiceName, "LiquidateLoan", in, opts...)
}

func (c *Client) GetLoan(ctx context.Context, in *AccountAssetRequest, opts ...grpc.CallOption) (*query.LoanView, error) {
	return invoke[query.LoanView](ctx, c.cc, LoanServiceName, "GetLoan", in, opts...)
}

func (c *Client) GetLoanHealth(ctx context.Context, in *AccountAssetRequest, opts ...grpc.CallOption) (*query.HealthView, error) {
	return invoke[query.HealthView](ctx, c.cc, LoanServiceName, "GetLoanHealth", in, opts...)
}

func (c *Client) GetTotalLoans(ctx context.Context, in *AssetRequest, opts ...grpc.CallOption) (*query.TotalView, error) {
	return invoke[query.TotalView](ctx, c.cc, LoanServiceName, "GetTotalLoans", in, opts...)
}

func (c *Client) Deposit(ctx context.Context, in *StakeRequest, opts ...grpc.CallOption) (*StakeReceipt, error) {
	return invoke[StakeReceipt](ctx, c.cc, StakeServiceName, "Deposit", in, opts...)
}

func (c *Client) Withdraw(ctx context.Context, in *StakeRequest, opts ...grpc.CallOption) (*StakeReceipt, error) {
	return invoke[StakeReceipt](ctx, c.cc, StakeServiceName, "Withdraw", in, opts...)
}

func (c *Client) GetStake(ctx context.Context, in *AccountAssetRequest, opts ...grpc.CallOption) (*query.StakeView, error) {
	return invoke[query.StakeView](ctx, c.cc, StakeServiceName, "GetStake", in, opts...)
}

func (c *Client) GetTotalStake(ctx context.Context, in *AssetRequest, opts ...grpc.CallOption) (*query.TotalView, error) {
	return invoke[query.TotalView](ctx, c.cc, StakeServiceName, "GetTotalStake", in, opts...)
}

func (c *Client) Swap(ctx context.Context, in *SwapRequest, opts ...grpc.CallOption) (*SwapResponse, error) {
	return invoke[SwapResponse](ctx, c.cc, SwapServiceName, "Swap", in, opts...)
}

func (c *Client) GetFee(ctx context.Context, in *GetFeeRequest, opts ...grpc.CallOption) (*GetFeeResponse, error) {
	return invoke[GetFeeResponse](ctx, c.cc, SwapServiceName, "GetFee", in, opts...)
}

func (c *Client) VerifyIntegrity(ctx context.Context, in *VerifyIntegrityRequest, opts ...grpc.CallOption) (*query.IntegrityReport, error) {
	return invoke[query.IntegrityReport](ctx, c.cc, AdminServiceName, "VerifyIntegrity", in, opts...)
}

func (c *Client) ListEvents(ctx context.Context, in *ListEventsRequest, opts ...grpc.CallOption) (*ListEventsResponse, error) {
	return invoke[ListEventsResponse](ctx, c.cc, AdminServiceName, "ListEvents", in, opts...)
}
