// Package grpcserver exposes chain planning and run history over gRPC.
// Messages are google.protobuf.Struct values so that no generated code is
// needed on either side.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"histostack/internal/config"
	"histostack/internal/graph"
	"histostack/internal/pipeline"
	"histostack/internal/slices"
	"histostack/internal/storage"
)

const serviceName = "histostack.Planner"

// PlannerService is the server API of histostack.Planner.
type PlannerService interface {
	Plan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RecentRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Planner answers chain planning requests against a base configuration.
// Request fields override the stack and graph settings of that configuration.
type Planner struct {
	cfg   *config.Config
	store *storage.Store
	log   *slog.Logger
}

// NewPlanner creates a planner. store may be nil.
func NewPlanner(cfg *config.Config, store *storage.Store, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{cfg: cfg, store: store, log: logger}
}

// Plan resolves the assignment and the chain of every moving slice.
//
// Request fields: start, end, reference, fixed_start, fixed_end,
// assignment_file, graph, similarity_file, lambda.
func (p *Planner) Plan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	stack, gcfg := p.cfg.Stack, p.cfg.Graph
	f := req.GetFields()

	if v, ok := intField(f, "start"); ok {
		stack.StartSliceIndex = v
	}
	if v, ok := intField(f, "end"); ok {
		stack.EndSliceIndex = v
	}
	if v, ok := intField(f, "reference"); ok {
		stack.ReferenceSliceIndex = &v
	}
	if v, ok := intField(f, "fixed_start"); ok {
		stack.FixedStartSliceIndex = &v
	}
	if v, ok := intField(f, "fixed_end"); ok {
		stack.FixedEndSliceIndex = &v
	}
	if v, ok := f["assignment_file"]; ok {
		stack.AssignmentFile = v.GetStringValue()
	}
	if v, ok := f["graph"]; ok {
		gcfg.Enabled = v.GetBoolValue()
	}
	if v, ok := f["similarity_file"]; ok {
		gcfg.SimilarityFile = v.GetStringValue()
		gcfg.Enabled = true
	}
	if v, ok := f["lambda"]; ok {
		gcfg.Lambda = v.GetNumberValue()
	}
	gcfg.DOTOutput = ""

	m, err := pipeline.Model(stack)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	a, err := slices.BuildAssignment(m, stack.AssignmentFile)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var g *graph.Graph
	if gcfg.Enabled {
		if g, err = pipeline.LoadGraph(gcfg); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	chains, err := pipeline.BuildChains(m, a, g, nil)
	var ue *graph.UnreachableError
	if err != nil && !errors.As(err, &ue) {
		return nil, status.Error(codes.Internal, err.Error())
	}

	out := map[string]any{
		"reference": m.Reference(),
		"graph":     g != nil,
	}
	assignment := make(map[string]any, len(a))
	for moving, fixed := range a {
		assignment[strconv.Itoa(moving)] = fixed
	}
	out["assignment"] = assignment

	chainOut := make(map[string]any, len(chains))
	for moving, hops := range chains {
		list := make([]any, 0, len(hops))
		for _, h := range hops {
			list = append(list, []any{h.Moving, h.Fixed})
		}
		chainOut[strconv.Itoa(moving)] = list
	}
	out["chains"] = chainOut

	if ue != nil {
		nodes := make([]any, 0, len(ue.Nodes))
		for _, n := range ue.Nodes {
			nodes = append(nodes, n)
		}
		out["unreachable"] = nodes
	}

	p.log.Debug("plan served", "start", m.Start(), "end", m.End(), "reference", m.Reference(), "chains", len(chains))
	return structpb.NewStruct(out)
}

// RecentRuns lists runs from the ledger. Request field: limit.
func (p *Planner) RecentRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := 20
	if v, ok := intField(req.GetFields(), "limit"); ok && v > 0 {
		limit = v
	}
	runs, err := p.store.RecentRuns(limit)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	list := make([]any, 0, len(runs))
	for _, r := range runs {
		list = append(list, map[string]any{
			"id":        r.ID,
			"status":    r.Status,
			"start":     r.Start,
			"end":       r.End,
			"reference": r.Reference,
			"dry_run":   r.DryRun,
			"error":     r.Error,
		})
	}
	return structpb.NewStruct(map[string]any{"runs": list})
}

func intField(f map[string]*structpb.Value, key string) (int, bool) {
	v, ok := f[key]
	if !ok {
		return 0, false
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
		return 0, false
	}
	return int(v.GetNumberValue()), true
}

// Register installs the planner on s.
func Register(s *grpc.Server, srv PlannerService) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PlannerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Plan", Handler: unary("Plan", PlannerService.Plan)},
		{MethodName: "RecentRuns", Handler: unary("RecentRuns", PlannerService.RecentRuns)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "histostack/planner",
}

type method func(PlannerService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + serviceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PlannerService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PlannerService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Serve listens on addr and serves the planner until ctx is cancelled.
func Serve(ctx context.Context, addr string, planner PlannerService, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ServeListener(ctx, lis, planner, logger)
}

// ServeListener serves the planner on lis until ctx is cancelled.
func ServeListener(ctx context.Context, lis net.Listener, planner PlannerService, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	s := grpc.NewServer()
	Register(s, planner)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down grpc server")
		s.GracefulStop()
	}()

	logger.Info("grpc server starting", "addr", lis.Addr().String())
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Client calls a remote planner.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client { return &Client{conn: conn} }

// Plan calls histostack.Planner/Plan.
func (c *Client) Plan(ctx context.Context, req map[string]any) (*structpb.Struct, error) {
	return c.invoke(ctx, "Plan", req)
}

// RecentRuns calls histostack.Planner/RecentRuns.
func (c *Client) RecentRuns(ctx context.Context, limit int) (*structpb.Struct, error) {
	return c.invoke(ctx, "RecentRuns", map[string]any{"limit": limit})
}

func (c *Client) invoke(ctx context.Context, name string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/"+name, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
