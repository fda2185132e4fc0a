package casrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"buildorch/internal/digest"
)

var (
	ErrNotFound       = errors.New("casrpc: not found")
	ErrDigestMismatch = errors.New("casrpc: digest mismatch")
)

// Client talks to a remote cache. Uploads and downloads resume from the
// last committed offset after retryable failures.
type Client struct {
	write       *connect.Client[WriteRequest, WriteResponse]
	query       *connect.Client[QueryWriteStatusRequest, QueryWriteStatusResponse]
	read        *connect.Client[ReadRequest, ReadResponse]
	findMissing *connect.Client[FindMissingBlobsRequest, FindMissingBlobsResponse]
	getRef      *connect.Client[GetReferenceRequest, GetReferenceResponse]
	updateRef   *connect.Client[UpdateReferenceRequest, UpdateReferenceResponse]
	status      *connect.Client[StatusRequest, StatusResponse]

	chunkSize int
	resumes   int
	backoff   time.Duration
	newID     func() string
}

type ClientOption func(*Client)

// WithChunkSize overrides the upload chunk size.
func WithChunkSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithResumes sets how many times a transfer resumes after a retryable
// failure before giving up.
func WithResumes(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.resumes = n
		}
	}
}

func WithBackoff(d time.Duration) ClientOption {
	return func(c *Client) { c.backoff = d }
}

func WithUploadID(fn func() string) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.newID = fn
		}
	}
}

func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")
	codec := WithCodec()
	c := &Client{
		write:       connect.NewClient[WriteRequest, WriteResponse](httpClient, baseURL+WriteProcedure, codec),
		query:       connect.NewClient[QueryWriteStatusRequest, QueryWriteStatusResponse](httpClient, baseURL+QueryWriteStatusProcedure, codec),
		read:        connect.NewClient[ReadRequest, ReadResponse](httpClient, baseURL+ReadProcedure, codec),
		findMissing: connect.NewClient[FindMissingBlobsRequest, FindMissingBlobsResponse](httpClient, baseURL+FindMissingBlobsProcedure, codec),
		getRef:      connect.NewClient[GetReferenceRequest, GetReferenceResponse](httpClient, baseURL+GetReferenceProcedure, codec),
		updateRef:   connect.NewClient[UpdateReferenceRequest, UpdateReferenceResponse](httpClient, baseURL+UpdateReferenceProcedure, codec),
		status:      connect.NewClient[StatusRequest, StatusResponse](httpClient, baseURL+StatusProcedure, codec),
		chunkSize:   WriteChunkSize,
		resumes:     3,
		backoff:     200 * time.Millisecond,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Retryable reports whether err is worth resuming after.
func Retryable(err error) bool {
	switch connect.CodeOf(err) {
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded, connect.CodeAborted, connect.CodeResourceExhausted:
		return true
	}
	return false
}

func (c *Client) wait(ctx context.Context, attempt int) error {
	if c.backoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.backoff * time.Duration(attempt+1))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Upload writes data under d. An interrupted stream is resumed from the
// size the server reports as committed.
func (c *Client) Upload(ctx context.Context, d digest.Digest, data []byte) error {
	if int64(len(data)) != d.SizeBytes {
		return fmt.Errorf("%w: %s has %d bytes", ErrDigestMismatch, d, len(data))
	}
	resource := UploadResourceName(c.newID(), d)
	var offset int64
	for attempt := 0; ; attempt++ {
		committed, err := c.writeFrom(ctx, resource, data, offset)
		if err == nil {
			if committed != d.SizeBytes {
				return fmt.Errorf("casrpc: upload %s: server committed %d of %d bytes", d, committed, d.SizeBytes)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !Retryable(err) || attempt >= c.resumes {
			return fmt.Errorf("casrpc: upload %s: %w", d, err)
		}
		if werr := c.wait(ctx, attempt); werr != nil {
			return werr
		}
		st, qerr := c.QueryWriteStatus(ctx, resource)
		if qerr != nil {
			if !Retryable(qerr) {
				return fmt.Errorf("casrpc: upload %s: query status: %w", d, qerr)
			}
			continue
		}
		if st.Complete {
			return nil
		}
		offset = st.CommittedSize
	}
}

// UploadPartial sends data[offset:] without finishing the write and returns
// the committed size. It exists so callers can stage a resumable upload.
func (c *Client) UploadPartial(ctx context.Context, resource string, data []byte, offset int64) (int64, error) {
	return c.send(ctx, resource, data, offset, false)
}

// Resume finishes an upload previously started under resource, continuing
// from the size the server reports as committed.
func (c *Client) Resume(ctx context.Context, resource string, data []byte) error {
	st, err := c.QueryWriteStatus(ctx, resource)
	if err != nil {
		return err
	}
	if st.Complete {
		return nil
	}
	committed, err := c.writeFrom(ctx, resource, data, st.CommittedSize)
	if err != nil {
		return err
	}
	if committed != int64(len(data)) {
		return fmt.Errorf("casrpc: resume %s: server committed %d of %d bytes", resource, committed, len(data))
	}
	return nil
}

func (c *Client) writeFrom(ctx context.Context, resource string, data []byte, offset int64) (int64, error) {
	return c.send(ctx, resource, data, offset, true)
}

func (c *Client) send(ctx context.Context, resource string, data []byte, offset int64, finish bool) (int64, error) {
	if offset < 0 || offset > int64(len(data)) {
		return 0, fmt.Errorf("casrpc: offset %d out of range", offset)
	}
	stream := c.write.CallClientStream(ctx)
	first := true
	for {
		if err := ctx.Err(); err != nil {
			_, _ = stream.CloseAndReceive()
			return 0, err
		}
		end := offset + int64(c.chunkSize)
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		last := end == int64(len(data))
		msg := &WriteRequest{WriteOffset: offset, FinishWrite: finish && last, Data: data[offset:end]}
		if first {
			msg.ResourceName = resource
			first = false
		}
		if err := stream.Send(msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			_, _ = stream.CloseAndReceive()
			return 0, err
		}
		offset = end
		if last {
			break
		}
	}
	res, err := stream.CloseAndReceive()
	if err != nil {
		return 0, err
	}
	return res.Msg.CommittedSize, nil
}

func (c *Client) QueryWriteStatus(ctx context.Context, resource string) (QueryWriteStatusResponse, error) {
	res, err := c.query.CallUnary(ctx, connect.NewRequest(&QueryWriteStatusRequest{ResourceName: resource}))
	if err != nil {
		return QueryWriteStatusResponse{}, err
	}
	return *res.Msg, nil
}

// Download reads the whole blob d, resuming from the bytes already
// received after retryable failures, and verifies it.
func (c *Client) Download(ctx context.Context, d digest.Digest) ([]byte, error) {
	buf := make([]byte, 0, d.SizeBytes)
	for attempt := 0; ; attempt++ {
		err := c.ReadAt(ctx, d, int64(len(buf)), 0, func(p []byte) error {
			buf = append(buf, p...)
			return nil
		})
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !Retryable(err) || attempt >= c.resumes {
			return nil, err
		}
		if werr := c.wait(ctx, attempt); werr != nil {
			return nil, werr
		}
	}
	if err := d.Verify(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDigestMismatch, err)
	}
	return buf, nil
}

// ReadAt streams d starting at offset, at most limit bytes (0 = to end),
// handing each chunk to fn.
func (c *Client) ReadAt(ctx context.Context, d digest.Digest, offset, limit int64, fn func([]byte) error) error {
	if offset == d.SizeBytes && d.SizeBytes > 0 {
		return nil
	}
	stream, err := c.read.CallServerStream(ctx, connect.NewRequest(&ReadRequest{
		ResourceName: ReadResourceName(d),
		ReadOffset:   offset,
		ReadLimit:    limit,
	}))
	if err != nil {
		return wrapNotFound(err, d.String())
	}
	defer stream.Close()
	for stream.Receive() {
		if err := fn(stream.Msg().Data); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return wrapNotFound(stream.Err(), d.String())
}

func (c *Client) FindMissingBlobs(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	if len(ds) == 0 {
		return nil, nil
	}
	res, err := c.findMissing.CallUnary(ctx, connect.NewRequest(&FindMissingBlobsRequest{Digests: ds}))
	if err != nil {
		return nil, err
	}
	return res.Msg.Missing, nil
}

func (c *Client) GetReference(ctx context.Context, key string) (digest.Digest, error) {
	res, err := c.getRef.CallUnary(ctx, connect.NewRequest(&GetReferenceRequest{Key: key}))
	if err != nil {
		return digest.Digest{}, wrapNotFound(err, key)
	}
	return res.Msg.Digest, nil
}

func (c *Client) UpdateReference(ctx context.Context, keys []string, d digest.Digest, closure []digest.Digest) error {
	_, err := c.updateRef.CallUnary(ctx, connect.NewRequest(&UpdateReferenceRequest{Keys: keys, Digest: d, Closure: closure}))
	return err
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	res, err := c.status.CallUnary(ctx, connect.NewRequest(&StatusRequest{}))
	if err != nil {
		return StatusResponse{}, err
	}
	return *res.Msg, nil
}

func wrapNotFound(err error, what string) error {
	if err == nil {
		return nil
	}
	if connect.CodeOf(err) == connect.CodeNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}
