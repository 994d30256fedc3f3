package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
)

// ErrNotLinked is returned by Start when the link could not be opened
var ErrNotLinked = errors.New("transport client not linked")

// Client reaches a Server's stub. Objects written into requests are served
// locally when the server calls them back over the link.
type Client struct {
	rpc    binderClient
	id     string
	caller ipc.CallerIdentity
	logger *slog.Logger

	objects *objectTable
	root    *proxy

	sendMu sync.Mutex
	stream grpc.BidiStreamingClient[wrapperspb.BytesValue, wrapperspb.BytesValue]

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient creates a client that announces itself as caller
func NewClient(cc grpc.ClientConnInterface, caller ipc.CallerIdentity, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		rpc:    binderClient{cc: cc},
		id:     uuid.NewString(),
		caller: caller,
		logger: logger,
		done:   make(chan struct{}),
	}
	c.objects = newObjectTable(c.transact)
	return c
}

// ID returns the link id
func (c *Client) ID() string {
	return c.id
}

// Start opens the link. It must be called before any request.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	linkCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := c.rpc.link(linkCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrNotLinked, err)
	}
	hello := &frame{
		kind:   kindHello,
		client: c.id,
		token:  c.caller.TokenID,
		uid:    c.caller.UID,
		pid:    c.caller.PID,
	}
	if err := stream.Send(&wrapperspb.BytesValue{Value: hello.marshal()}); err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrNotLinked, err)
	}

	c.stream = stream
	c.cancel = cancel
	c.started = true
	go c.serve(linkCtx, stream)
	return nil
}

// Service returns the remote object for the server's stub
func (c *Client) Service(descriptor string) ipc.RemoteObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root == nil || c.root.descriptor != descriptor {
		c.root = &proxy{descriptor: descriptor, call: c.transact}
		select {
		case <-c.done:
			c.root.dead = true
		default:
		}
	}
	return c.root
}

// Done is closed once the link has gone down
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down the link and waits for it to finish
func (c *Client) Close() {
	c.mu.Lock()
	cancel, started := c.cancel, c.started
	c.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-c.done
}

func (c *Client) transact(ctx context.Context, handle uint64, descriptor string, code uint32, data *ipc.Parcel, opt ipc.MessageOption) (*ipc.Parcel, error) {
	f := &frame{
		kind:       kindCall,
		handle:     handle,
		descriptor: descriptor,
		code:       code,
		oneway:     opt == ipc.TFAsync,
		data:       data.Bytes(),
		objects:    c.objects.outbound(data),
	}
	ctx = metadata.AppendToOutgoingContext(ctx, clientHeader, c.id)
	out, err := c.rpc.transact(ctx, &wrapperspb.BytesValue{Value: f.marshal()})
	if err != nil {
		return nil, fmt.Errorf("transact %d on %s: %w: %v", code, descriptor, errcode.ErrTransactionFailed, err)
	}
	reply, err := unmarshalFrame(out.GetValue())
	if err != nil {
		return nil, fmt.Errorf("transact %d on %s: %w: %v", code, descriptor, errcode.ErrInvalidReply, err)
	}
	if err := errcode.FromInt32(reply.status); err != nil {
		return nil, err
	}
	return c.objects.inbound(reply.data, reply.objects), nil
}

// serve answers calls the server makes on exported objects
func (c *Client) serve(ctx context.Context, stream grpc.BidiStreamingClient[wrapperspb.BytesValue, wrapperspb.BytesValue]) {
	defer c.shutdown()
	for {
		msg, err := stream.Recv()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("link closed", "link", c.id, "error", err)
			}
			return
		}
		f, err := unmarshalFrame(msg.GetValue())
		if err != nil {
			c.logger.Warn("dropping malformed frame", "link", c.id, "error", err)
			continue
		}
		if f.kind != kindCall {
			c.logger.Warn("dropping unexpected frame", "link", c.id, "kind", f.kind)
			continue
		}
		go c.handleCall(ctx, f)
	}
}

func (c *Client) handleCall(ctx context.Context, f *frame) {
	reply := &frame{kind: kindReply, id: f.id}
	obj, ok := c.objects.exported(f.handle)
	if !ok {
		reply.status = int32(errcode.ErrUnknownObject)
	} else {
		opt := ipc.TFSync
		if f.oneway {
			opt = ipc.TFAsync
		}
		out, err := obj.SendRequest(ctx, f.code, c.objects.inbound(f.data, f.objects), opt)
		reply.status = int32(errcode.Of(err))
		if err == nil && out != nil {
			reply.data = out.Bytes()
			reply.objects = c.objects.outbound(out)
		}
	}
	if f.oneway {
		return
	}
	c.sendMu.Lock()
	err := c.stream.Send(&wrapperspb.BytesValue{Value: reply.marshal()})
	c.sendMu.Unlock()
	if err != nil {
		c.logger.Debug("reply not sent", "link", c.id, "id", f.id, "error", err)
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	root := c.root
	close(c.done)
	c.mu.Unlock()

	c.objects.close()
	if root != nil {
		root.die()
	}
}
