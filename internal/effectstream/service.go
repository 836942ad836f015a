package effectstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"swarmview/mirror/internal/logging"
	"swarmview/mirror/internal/reconcile"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "swarmview.mirror.v1.EffectStream"
	// SubscribeMethod is the full method path of the batch stream.
	SubscribeMethod = "/" + ServiceName + "/Subscribe"
	// EncodingMetadataKey carries the frame codec in the response header.
	EncodingMetadataKey = "x-mirror-encoding"
)

// Server is the handler surface registered with grpc.Server.
type Server interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "swarmview/mirror/effectstream",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(Server).Subscribe(req, stream)
}

// Register attaches the service to a gRPC server.
func Register(registrar grpc.ServiceRegistrar, srv Server) {
	registrar.RegisterService(&serviceDesc, srv)
}

// Service streams effect batches to remote renderers. Every stream opens
// with a bootstrap batch followed by live batches with a higher sequence.
type Service struct {
	broadcaster *Broadcaster
	bootstrap   func() reconcile.Batch
	buffer      int
	log         *logging.Logger
}

// Option customises the Service.
type Option func(*Service)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithLogger overrides the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// NewService wires the stream to a broadcaster and a bootstrap source.
func NewService(broadcaster *Broadcaster, bootstrap func() reconcile.Batch, opts ...Option) *Service {
	service := &Service{
		broadcaster: broadcaster,
		bootstrap:   bootstrap,
		buffer:      DefaultSubscriberBuffer,
		log:         logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	service.log = service.log.With(logging.String("component", "effectstream"))
	return service
}

// Subscribe implements Server. The request may name an "encoding".
func (s *Service) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	if s == nil || s.broadcaster == nil || s.bootstrap == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	var requested string
	if field, ok := req.GetFields()["encoding"]; ok {
		requested = field.GetStringValue()
	}
	compressor, err := CompressorFor(requested)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	ctx := stream.Context()

	//1.- Subscribe before taking the bootstrap so no batch falls in between.
	sub := s.broadcaster.Subscribe(s.buffer)
	defer sub.Cancel()
	boot := s.bootstrap()

	if err := stream.SendHeader(metadata.Pairs(EncodingMetadataKey, compressor.Name())); err != nil {
		return err
	}
	if err := s.send(stream, compressor, boot); err != nil {
		return err
	}
	s.log.Info("effect stream opened", logging.Uint64("bootstrap_sequence", boot.Sequence), logging.String("encoding", compressor.Name()))

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case batch, ok := <-sub.C:
			if !ok {
				if sub.Lagged() {
					s.log.Warn("effect stream dropped lagging subscriber")
					return status.Error(codes.ResourceExhausted, "subscriber fell behind")
				}
				return nil
			}
			//2.- Batches already folded into the bootstrap are skipped.
			if batch.Sequence <= boot.Sequence {
				continue
			}
			if err := s.send(stream, compressor, batch); err != nil {
				return err
			}
		}
	}
}

func (s *Service) send(stream grpc.ServerStream, compressor Compressor, batch reconcile.Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return status.Errorf(codes.Internal, "encode batch: %v", err)
	}
	compressed, err := compressor.Compress(payload)
	if err != nil {
		return status.Errorf(codes.Internal, "compress batch: %v", err)
	}
	return stream.SendMsg(wrapperspb.Bytes(compressed))
}

// Subscribe opens a stream on conn and hands every decoded batch to fn
// until the server ends the stream, ctx is cancelled or fn fails.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, encoding string, fn func(reconcile.Batch) error) error {
	req, err := structpb.NewStruct(map[string]any{"encoding": encoding})
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], SubscribeMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	header, err := stream.Header()
	if err != nil {
		return err
	}
	var name string
	if values := header.Get(EncodingMetadataKey); len(values) > 0 {
		name = values[0]
	}
	compressor, err := CompressorFor(name)
	if err != nil {
		return err
	}
	for {
		frame := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		payload, err := compressor.Decompress(frame.GetValue())
		if err != nil {
			return err
		}
		var batch reconcile.Batch
		if err := json.Unmarshal(payload, &batch); err != nil {
			return fmt.Errorf("decode batch: %w", err)
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
}
