// Package casserver serves the remote artifact cache protocol over a
// pluggable blob storage and ref store.
package casserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"buildorch/internal/casrpc"
	"buildorch/internal/digest"
)

const (
	defaultSessionTTL  = 30 * time.Minute
	defaultMaxSessions = 1024
)

type Options struct {
	// AllowUpdates enables Write and UpdateReference.
	AllowUpdates bool
	// SessionTTL is how long an idle upload session keeps its partial data.
	SessionTTL  time.Duration
	MaxSessions int
}

// Server implements the ByteStream, CAS and reference services.
type Server struct {
	blobs        BlobStorage
	refs         RefStore
	allowUpdates bool
	sessionsMu   sync.Mutex
	sessions     *expirable.LRU[string, *upload]
}

// upload is one resumable write, keyed by its resource name.
type upload struct {
	mu        sync.Mutex
	digest    digest.Digest
	file      *os.File
	committed int64
	complete  bool
	discarded bool
}

func (u *upload) discard() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.file != nil {
		name := u.file.Name()
		u.file.Close()
		os.Remove(name)
		u.file = nil
	}
	u.discarded = true
}

func New(blobs BlobStorage, refs RefStore, opts Options) *Server {
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	maxSessions := opts.MaxSessions
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	if refs == nil {
		refs = NewMemoryRefs()
	}
	return &Server{
		blobs:        blobs,
		refs:         refs,
		allowUpdates: opts.AllowUpdates,
		sessions: expirable.NewLRU[string, *upload](maxSessions, func(_ string, u *upload) {
			u.discard()
		}, ttl),
	}
}

// Handler mounts every procedure on a fresh mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	codec := casrpc.WithCodec()
	mux.Handle(casrpc.WriteProcedure, connect.NewClientStreamHandler(casrpc.WriteProcedure, s.Write, codec))
	mux.Handle(casrpc.ReadProcedure, connect.NewServerStreamHandler(casrpc.ReadProcedure, s.Read, codec))
	mux.Handle(casrpc.QueryWriteStatusProcedure, connect.NewUnaryHandler(casrpc.QueryWriteStatusProcedure, s.QueryWriteStatus, codec))
	mux.Handle(casrpc.FindMissingBlobsProcedure, connect.NewUnaryHandler(casrpc.FindMissingBlobsProcedure, s.FindMissingBlobs, codec))
	mux.Handle(casrpc.GetReferenceProcedure, connect.NewUnaryHandler(casrpc.GetReferenceProcedure, s.GetReference, codec))
	mux.Handle(casrpc.UpdateReferenceProcedure, connect.NewUnaryHandler(casrpc.UpdateReferenceProcedure, s.UpdateReference, codec))
	mux.Handle(casrpc.StatusProcedure, connect.NewUnaryHandler(casrpc.StatusProcedure, s.Status, codec))
	return mux
}

func invalid(format string, args ...any) error {
	return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf(format, args...))
}

func storageError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, ErrDigestMismatch):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

func writeResponse(committed int64) *connect.Response[casrpc.WriteResponse] {
	return connect.NewResponse(&casrpc.WriteResponse{CommittedSize: committed})
}

// Write appends the streamed chunks to the upload session named by the
// first message. Each chunk must start at the committed size.
func (s *Server) Write(ctx context.Context, stream *connect.ClientStream[casrpc.WriteRequest]) (*connect.Response[casrpc.WriteResponse], error) {
	if !s.allowUpdates {
		return nil, connect.NewError(connect.CodePermissionDenied, errors.New("updates are not allowed"))
	}
	if !stream.Receive() {
		if err := stream.Err(); err != nil {
			return nil, err
		}
		return nil, invalid("empty write stream")
	}
	msg := stream.Msg()
	resource := msg.ResourceName
	_, d, err := casrpc.ParseUploadResourceName(resource)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if ok, err := s.blobs.Has(ctx, d); err != nil {
		return nil, storageError(err)
	} else if ok {
		return writeResponse(d.SizeBytes), nil
	}

	u, err := s.session(resource, d)
	if err != nil {
		return nil, storageError(err)
	}
	drop := false
	defer func() {
		if drop {
			s.sessions.Remove(resource)
		}
	}()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.complete {
		return writeResponse(d.SizeBytes), nil
	}
	if u.discarded {
		return nil, connect.NewError(connect.CodeAborted, fmt.Errorf("upload %s expired", resource))
	}

	for {
		if msg.WriteOffset != u.committed {
			return nil, invalid("write offset %d does not match committed size %d", msg.WriteOffset, u.committed)
		}
		if u.committed+int64(len(msg.Data)) > d.SizeBytes {
			return nil, invalid("write past the end of %s", d)
		}
		if len(msg.Data) > 0 {
			if _, err := u.file.WriteAt(msg.Data, u.committed); err != nil {
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			u.committed += int64(len(msg.Data))
		}
		if msg.FinishWrite {
			if u.committed != d.SizeBytes {
				return nil, invalid("finished write of %s at %d bytes", d, u.committed)
			}
			path := u.file.Name()
			if err := u.file.Close(); err != nil {
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			u.file = nil
			if err := s.blobs.Commit(ctx, d, path); err != nil {
				drop = true
				u.discarded = true
				log.Printf("casserver: commit %s failed: %v", d, err)
				return nil, storageError(err)
			}
			u.complete = true
			return writeResponse(u.committed), nil
		}
		if !stream.Receive() {
			if err := stream.Err(); err != nil {
				return nil, err
			}
			return writeResponse(u.committed), nil
		}
		msg = stream.Msg()
	}
}

func (s *Server) session(resource string, d digest.Digest) (*upload, error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if u, ok := s.sessions.Get(resource); ok {
		return u, nil
	}
	f, err := s.blobs.TempFile()
	if err != nil {
		return nil, err
	}
	u := &upload{digest: d, file: f}
	s.sessions.Add(resource, u)
	return u, nil
}

func (s *Server) QueryWriteStatus(ctx context.Context, req *connect.Request[casrpc.QueryWriteStatusRequest]) (*connect.Response[casrpc.QueryWriteStatusResponse], error) {
	_, d, err := casrpc.ParseUploadResourceName(req.Msg.ResourceName)
	if err != nil {
		return nil, invalid("%v", err)
	}
	res := &casrpc.QueryWriteStatusResponse{}
	if u, ok := s.sessions.Get(req.Msg.ResourceName); ok {
		u.mu.Lock()
		res.CommittedSize = u.committed
		res.Complete = u.complete
		discarded := u.discarded
		u.mu.Unlock()
		if !discarded {
			return connect.NewResponse(res), nil
		}
		res.CommittedSize = 0
	}
	ok, err := s.blobs.Has(ctx, d)
	if err != nil {
		return nil, storageError(err)
	}
	if ok {
		res.CommittedSize = d.SizeBytes
		res.Complete = true
	}
	return connect.NewResponse(res), nil
}

// Read streams a blob in ReadChunkSize pieces from the requested offset.
func (s *Server) Read(ctx context.Context, req *connect.Request[casrpc.ReadRequest], stream *connect.ServerStream[casrpc.ReadResponse]) error {
	d, err := casrpc.ParseReadResourceName(req.Msg.ResourceName)
	if err != nil {
		return invalid("%v", err)
	}
	offset, limit := req.Msg.ReadOffset, req.Msg.ReadLimit
	if limit < 0 {
		return invalid("negative read limit")
	}
	if offset < 0 || offset > d.SizeBytes {
		return connect.NewError(connect.CodeOutOfRange, fmt.Errorf("read offset %d outside %s", offset, d))
	}
	ok, err := s.blobs.Has(ctx, d)
	if err != nil {
		return storageError(err)
	}
	if !ok {
		return connect.NewError(connect.CodeNotFound, fmt.Errorf("blob %s", d))
	}
	r, err := s.blobs.Open(ctx, d, offset, limit)
	if err != nil {
		return storageError(err)
	}
	defer r.Close()
	buf := make([]byte, casrpc.ReadChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if serr := stream.Send(&casrpc.ReadResponse{Data: chunk}); serr != nil {
				return serr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return storageError(err)
		}
	}
}

func (s *Server) FindMissingBlobs(ctx context.Context, req *connect.Request[casrpc.FindMissingBlobsRequest]) (*connect.Response[casrpc.FindMissingBlobsResponse], error) {
	missing := []digest.Digest{}
	for _, d := range req.Msg.Digests {
		if err := d.Validate(); err != nil {
			return nil, invalid("%v", err)
		}
		ok, err := s.blobs.Has(ctx, d)
		if err != nil {
			return nil, storageError(err)
		}
		if !ok {
			missing = append(missing, d)
		}
	}
	return connect.NewResponse(&casrpc.FindMissingBlobsResponse{Missing: missing}), nil
}

func (s *Server) GetReference(ctx context.Context, req *connect.Request[casrpc.GetReferenceRequest]) (*connect.Response[casrpc.GetReferenceResponse], error) {
	d, err := s.refs.Get(ctx, req.Msg.Key)
	if err != nil {
		return nil, storageError(err)
	}
	ok, err := s.blobs.Has(ctx, d)
	if err != nil {
		return nil, storageError(err)
	}
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("ref %s points at missing blob %s", req.Msg.Key, d))
	}
	return connect.NewResponse(&casrpc.GetReferenceResponse{Digest: d}), nil
}

// UpdateReference sets keys to the digest once the whole closure is present.
func (s *Server) UpdateReference(ctx context.Context, req *connect.Request[casrpc.UpdateReferenceRequest]) (*connect.Response[casrpc.UpdateReferenceResponse], error) {
	if !s.allowUpdates {
		return nil, connect.NewError(connect.CodePermissionDenied, errors.New("updates are not allowed"))
	}
	d := req.Msg.Digest
	if err := d.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	for _, c := range append([]digest.Digest{d}, req.Msg.Closure...) {
		ok, err := s.blobs.Has(ctx, c)
		if err != nil {
			return nil, storageError(err)
		}
		if !ok {
			return nil, connect.NewError(connect.CodeAborted, fmt.Errorf("blob %s is not present", c))
		}
	}
	if err := s.refs.Put(ctx, req.Msg.Keys, d, req.Msg.Closure); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, connect.NewError(connect.CodeAborted, err)
		}
		return nil, invalid("%v", err)
	}
	return connect.NewResponse(&casrpc.UpdateReferenceResponse{}), nil
}

func (s *Server) Status(context.Context, *connect.Request[casrpc.StatusRequest]) (*connect.Response[casrpc.StatusResponse], error) {
	return connect.NewResponse(&casrpc.StatusResponse{AllowUpdates: s.allowUpdates}), nil
}
