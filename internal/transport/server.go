package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
)

type bytesStream = grpc.BidiStreamingServer[wrapperspb.BytesValue, wrapperspb.BytesValue]

// Server exposes one stub to linked clients. Objects a client passes in a
// request become proxies that call back over its link, and they die when
// the link closes.
type Server struct {
	root    ipc.RemoteObject
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	links   map[string]*serverLink
	closing chan struct{}
	closed  bool
}

// NewServer creates a server dispatching to stub under descriptor
func NewServer(descriptor string, stub ipc.Stub, cfg config.TransportConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	return &Server{
		root:    ipc.NewLocalObject(descriptor, stub, logger),
		logger:  logger,
		timeout: timeout,
		links:   make(map[string]*serverLink),
		closing: make(chan struct{}),
	}
}

// Register adds the binder service to s
func (s *Server) Register(reg grpc.ServiceRegistrar) {
	RegisterBinderServer(reg, s)
}

// Links returns the number of connected clients
func (s *Server) Links() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Close ends every link so a graceful gRPC stop does not wait on them
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closing)
	}
}

// Transact handles one call from a linked client
func (s *Server) Transact(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	f, err := unmarshalFrame(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if f.kind != kindCall {
		return nil, status.Errorf(codes.InvalidArgument, "unexpected frame kind %d", f.kind)
	}

	link := s.linkFor(ctx)
	if link == nil {
		return nil, status.Error(codes.FailedPrecondition, "client is not linked")
	}

	target := s.root
	if f.handle != 0 {
		obj, ok := link.objects.exported(f.handle)
		if !ok {
			return replyValue(&frame{kind: kindReply, id: f.id, status: int32(errcode.ErrUnknownObject)}), nil
		}
		target = obj
	}

	opt := ipc.TFSync
	if f.oneway {
		opt = ipc.TFAsync
	}
	ctx = ipc.WithCaller(ctx, link.caller)
	reply, err := target.SendRequest(ctx, f.code, link.objects.inbound(f.data, f.objects), opt)

	out := &frame{kind: kindReply, id: f.id, status: int32(errcode.Of(err))}
	if err == nil && reply != nil {
		out.data = reply.Bytes()
		out.objects = link.objects.outbound(reply)
	}
	if err != nil {
		s.logger.Debug("transaction failed",
			"link", link.id,
			"code", f.code,
			"error", err,
		)
	}
	return replyValue(out), nil
}

// Link registers a client and carries calls to the objects it exported
func (s *Server) Link(stream bytesStream) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	hello, err := unmarshalFrame(first.GetValue())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if hello.kind != kindHello || hello.client == "" {
		return status.Error(codes.InvalidArgument, "link must open with a hello frame")
	}

	link := newServerLink(hello, stream, s.timeout, s.logger)
	link.peer = peerAddr(stream.Context())
	if err := s.addLink(link); err != nil {
		return err
	}
	defer func() {
		s.removeLink(link)
		link.shutdown()
		s.logger.Info("client unlinked", "link", link.id)
	}()
	s.logger.Info("client linked",
		"link", link.id,
		"token_id", link.caller.TokenID,
		"uid", link.caller.UID,
	)

	msgChan := make(chan *wrapperspb.BytesValue, 16)
	errChan := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				errChan <- err
				return
			}
			select {
			case msgChan <- msg:
			case <-link.done:
				return
			}
		}
	}()

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-s.closing:
			return status.Error(codes.Unavailable, "server closing")
		case err := <-errChan:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case msg := <-msgChan:
			f, err := unmarshalFrame(msg.GetValue())
			if err != nil {
				s.logger.Warn("dropping malformed frame", "link", link.id, "error", err)
				continue
			}
			if f.kind != kindReply {
				s.logger.Warn("dropping unexpected frame", "link", link.id, "kind", f.kind)
				continue
			}
			link.deliver(f)
		}
	}
}

func (s *Server) addLink(l *serverLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return status.Error(codes.Unavailable, "server closing")
	}
	if _, exists := s.links[l.id]; exists {
		return status.Errorf(codes.AlreadyExists, "link %s already open", l.id)
	}
	s.links[l.id] = l
	return nil
}

func (s *Server) removeLink(l *serverLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[l.id] == l {
		delete(s.links, l.id)
	}
}

// linkFor finds the link named by the call's client header. The link only
// answers calls arriving from the connection that opened it, so a client
// cannot borrow another link's caller identity by naming its id. Callers on
// one connection are trusted to declare their own identity in the hello.
func (s *Server) linkFor(ctx context.Context) *serverLink {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	ids := md.Get(clientHeader)
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	l := s.links[ids[0]]
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	if from := peerAddr(ctx); from != l.peer {
		s.logger.Warn("call names a link opened by another peer",
			"link", l.id,
			"link_peer", l.peer,
			"peer", from,
		)
		return nil
	}
	return l
}

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return p.Addr.String()
}

// serverLink is the server's view of one connected client
type serverLink struct {
	id      string
	peer    string
	caller  ipc.CallerIdentity
	stream  bytesStream
	timeout time.Duration
	logger  *slog.Logger
	objects *objectTable

	sendMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *frame
	done    chan struct{}
}

func newServerLink(hello *frame, stream bytesStream, timeout time.Duration, logger *slog.Logger) *serverLink {
	l := &serverLink{
		id:      hello.client,
		caller:  ipc.CallerIdentity{TokenID: hello.token, UID: hello.uid, PID: hello.pid},
		stream:  stream,
		timeout: timeout,
		logger:  logger,
		pending: make(map[uint64]chan *frame),
		done:    make(chan struct{}),
	}
	l.objects = newObjectTable(l.call)
	return l
}

// call sends a request down the link and waits for the client's reply
func (l *serverLink) call(ctx context.Context, handle uint64, descriptor string, code uint32, data *ipc.Parcel, opt ipc.MessageOption) (*ipc.Parcel, error) {
	f := &frame{
		kind:       kindCall,
		handle:     handle,
		descriptor: descriptor,
		code:       code,
		oneway:     opt == ipc.TFAsync,
		data:       data.Bytes(),
		objects:    l.objects.outbound(data),
	}

	var replies chan *frame
	l.mu.Lock()
	l.nextID++
	f.id = l.nextID
	if !f.oneway {
		replies = make(chan *frame, 1)
		l.pending[f.id] = replies
	}
	l.mu.Unlock()
	defer l.forget(f.id)

	l.sendMu.Lock()
	err := l.stream.Send(&wrapperspb.BytesValue{Value: f.marshal()})
	l.sendMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send request %d to %s: %w: %v", code, descriptor, errcode.ErrTransactionFailed, err)
	}
	if f.oneway {
		return ipc.NewParcel(), nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	select {
	case reply := <-replies:
		if err := errcode.FromInt32(reply.status); err != nil {
			return nil, err
		}
		return l.objects.inbound(reply.data, reply.objects), nil
	case <-l.done:
		return nil, fmt.Errorf("request %d to %s: link closed: %w", code, descriptor, errcode.ErrTransactionFailed)
	case <-ctx.Done():
		return nil, fmt.Errorf("request %d to %s: %w: %v", code, descriptor, errcode.ErrTransactionFailed, ctx.Err())
	}
}

func (l *serverLink) deliver(f *frame) {
	l.mu.Lock()
	ch, ok := l.pending[f.id]
	delete(l.pending, f.id)
	l.mu.Unlock()
	if !ok {
		l.logger.Debug("reply without pending call", "link", l.id, "id", f.id)
		return
	}
	ch <- f
}

func (l *serverLink) forget(id uint64) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func (l *serverLink) shutdown() {
	close(l.done)
	l.objects.close()
}

func replyValue(f *frame) *wrapperspb.BytesValue {
	return &wrapperspb.BytesValue{Value: f.marshal()}
}
