// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/rpc"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Each rpc connection over grpc is one bidirectional stream carrying raw
// frames, so no generated stubs are needed.
const (
	grpcServiceName = "zapgate.rpc.Link"
	grpcMethod      = "/" + grpcServiceName + "/Stream"

	KeepAliveTime    = 60 * time.Second
	KeepAliveTimeout = 20 * time.Second

	grpcMaxMessageSize = MaxFrameSize + 1024
)

func init() {
	rpc.RegisterTransport("grpc", DialGRPC, ListenGRPC)
}

// rawCodec passes frames through untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case *[]byte:
		return *b, nil
	case []byte:
		return b, nil
	default:
		return nil, fmt.Errorf("raw codec: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: cannot unmarshal into %T", v)
	}
	// grpc may reuse data once we return
	*b = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string {
	return "zapgate-raw"
}

// LinkServer is implemented by the grpc listener.
type LinkServer interface {
	ServeLink(stream grpc.ServerStream) error
}

var linkStreamDesc = grpc.StreamDesc{
	StreamName:    "Stream",
	ServerStreams: true,
	ClientStreams: true,
}

var linkServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*LinkServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    linkStreamDesc.StreamName,
		ServerStreams: true,
		ClientStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(LinkServer).ServeLink(stream)
		},
	}},
	Metadata: "zapgate/rpc/link",
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type grpcLink struct {
	stream  msgStream
	closeFn func() error
	done    chan struct{}
	once    sync.Once
}

func (l *grpcLink) ReadFrame() ([]byte, error) {
	var frame []byte
	if err := l.stream.RecvMsg(&frame); err != nil {
		if status.Code(err) == codes.Canceled {
			return nil, errLinkClosed
		}
		return nil, err
	}
	return frame, nil
}

func (l *grpcLink) WriteFrame(frame []byte) error {
	return l.stream.SendMsg(&frame)
}

func (l *grpcLink) Close() error {
	var err error
	l.once.Do(func() {
		if l.closeFn != nil {
			err = l.closeFn()
		}
		close(l.done)
	})
	return err
}

// DialGRPC returns a transport that opens one stream to addr's Link service.
func DialGRPC(addr rpc.Address, opts rpc.DialOptions) (rpc.Transport, error) {
	if addr.Port == 0 {
		return nil, fmt.Errorf("grpc address %s has no port", addr)
	}
	creds := insecure.NewCredentials()
	if opts.TLS != nil {
		creds = credentials.NewTLS(opts.TLS)
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = rpc.DefaultConnectTimeout
	}

	return newDialed(func() (link, error) {
		cc, err := grpc.NewClient(addr.HostPort(),
			grpc.WithTransportCredentials(creds),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:    KeepAliveTime,
				Timeout: KeepAliveTimeout,
			}),
			grpc.WithDefaultCallOptions(
				grpc.ForceCodec(rawCodec{}),
				grpc.MaxCallRecvMsgSize(grpcMaxMessageSize),
				grpc.MaxCallSendMsgSize(grpcMaxMessageSize),
			),
		)
		if err != nil {
			return nil, err
		}

		// The stream lives as long as ctx, so the dial deadline is enforced
		// separately and only until the stream exists.
		ctx, cancel := context.WithCancel(context.Background())
		timer := time.AfterFunc(dialTimeout, cancel)
		stream, err := cc.NewStream(ctx, &linkStreamDesc, grpcMethod, grpc.WaitForReady(true))
		if !timer.Stop() && err == nil {
			err = context.DeadlineExceeded
		}
		if err != nil {
			cancel()
			cc.Close()
			return nil, err
		}

		return &grpcLink{
			stream: stream,
			done:   make(chan struct{}),
			closeFn: func() error {
				stream.CloseSend()
				cancel()
				return cc.Close()
			},
		}, nil
	}), nil
}

type grpcListener struct {
	srv   *grpc.Server
	addr  rpc.Address
	queue *acceptQueue
}

// ListenGRPC starts a grpc server exposing the Link service on addr.
func ListenGRPC(addr rpc.Address, opts rpc.ListenOptions) (rpc.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port)))
	if err != nil {
		return nil, err
	}

	bound := addr
	if ta, ok := ln.Addr().(*net.TCPAddr); ok {
		bound.Port = ta.Port
	}

	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(rawCodec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    KeepAliveTime,
			Timeout: KeepAliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             KeepAliveTime,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(grpcMaxMessageSize),
		grpc.MaxSendMsgSize(grpcMaxMessageSize),
		grpc.ChainStreamInterceptor(
			logging.StreamServerInterceptor(interceptorLogger(),
				logging.WithLogOnEvents(logging.StartCall, logging.FinishCall),
				logging.WithLevels(streamLevel),
			),
			recovery.StreamServerInterceptor(recovery.WithRecoveryHandler(func(p any) error {
				logger.Error().Interface("panic", p).Msg("recovered panic in grpc link")
				return status.Errorf(codes.Internal, "panic: %v", p)
			})),
		),
	}
	if opts.TLS != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(opts.TLS)))
	}

	l := &grpcListener{
		srv:   grpc.NewServer(serverOpts...),
		addr:  bound,
		queue: newAcceptQueue(),
	}
	l.srv.RegisterService(&linkServiceDesc, l)

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Warn().Err(err).Str("addr", bound.String()).Msg("grpc listener stopped")
		}
	}()
	return l, nil
}

// ServeLink implements LinkServer. The stream stays open until the
// accepted transport is closed or the client goes away.
func (l *grpcListener) ServeLink(stream grpc.ServerStream) error {
	gl := &grpcLink{stream: stream, done: make(chan struct{})}

	remote := rpc.Address{Scheme: "grpc", Host: "unknown"}
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote = remoteAddress("grpc", p.Addr.String())
	}

	if !l.queue.push(newAccepted(gl), remote) {
		return status.Error(codes.Unavailable, "listener closed")
	}

	select {
	case <-gl.done:
	case <-stream.Context().Done():
	}
	return nil
}

func (l *grpcListener) Accept() (rpc.Transport, rpc.Address, error) {
	return l.queue.accept()
}

func (l *grpcListener) Close() error {
	l.queue.close()
	l.srv.Stop()
	return nil
}

func (l *grpcListener) Addr() rpc.Address {
	return l.addr
}

func streamLevel(code codes.Code) logging.Level {
	switch code {
	case codes.OK, codes.Canceled:
		return logging.LevelDebug
	default:
		return logging.LevelWarn
	}
}

// interceptorLogger adapts zerolog to go-grpc-middleware logging.
func interceptorLogger() logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l := logger.Component("grpc").With().Fields(fields).Logger()
		switch lvl {
		case logging.LevelDebug:
			l.Debug().Msg(msg)
		case logging.LevelInfo:
			l.Info().Msg(msg)
		case logging.LevelWarn:
			l.Warn().Msg(msg)
		default:
			l.Error().Msg(msg)
		}
	})
}
