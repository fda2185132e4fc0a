// Package casrpc defines the remote artifact cache protocol: a ByteStream
// style resumable blob transfer plus blob presence and reference calls,
// carried over connect with a JSON codec.
package casrpc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"buildorch/internal/digest"
)

const (
	ByteStreamService = "buildorch.cas.v1.ByteStream"
	CASService        = "buildorch.cas.v1.ContentAddressableStorage"
	RefService        = "buildorch.cas.v1.ReferenceStorage"

	WriteProcedure            = "/" + ByteStreamService + "/Write"
	ReadProcedure             = "/" + ByteStreamService + "/Read"
	QueryWriteStatusProcedure = "/" + ByteStreamService + "/QueryWriteStatus"
	FindMissingBlobsProcedure = "/" + CASService + "/FindMissingBlobs"
	GetReferenceProcedure     = "/" + RefService + "/GetReference"
	UpdateReferenceProcedure  = "/" + RefService + "/UpdateReference"
	StatusProcedure           = "/" + RefService + "/Status"
)

const (
	// WriteChunkSize bounds the payload of one Write message.
	WriteChunkSize = 1 << 20
	// ReadChunkSize bounds the payload of one Read response.
	ReadChunkSize = 64 << 10
)

type WriteRequest struct {
	ResourceName string `json:"resource_name,omitempty"`
	WriteOffset  int64  `json:"write_offset"`
	FinishWrite  bool   `json:"finish_write,omitempty"`
	Data         []byte `json:"data,omitempty"`
}

type WriteResponse struct {
	CommittedSize int64 `json:"committed_size"`
}

type QueryWriteStatusRequest struct {
	ResourceName string `json:"resource_name"`
}

type QueryWriteStatusResponse struct {
	CommittedSize int64 `json:"committed_size"`
	Complete      bool  `json:"complete"`
}

type ReadRequest struct {
	ResourceName string `json:"resource_name"`
	ReadOffset   int64  `json:"read_offset,omitempty"`
	// ReadLimit of zero means read to the end.
	ReadLimit int64 `json:"read_limit,omitempty"`
}

type ReadResponse struct {
	Data []byte `json:"data"`
}

type FindMissingBlobsRequest struct {
	Digests []digest.Digest `json:"digests"`
}

type FindMissingBlobsResponse struct {
	Missing []digest.Digest `json:"missing"`
}

type GetReferenceRequest struct {
	Key string `json:"key"`
}

type GetReferenceResponse struct {
	Digest digest.Digest `json:"digest"`
}

type UpdateReferenceRequest struct {
	Keys   []string      `json:"keys"`
	Digest digest.Digest `json:"digest"`
	// Closure lists every blob reachable from Digest. Servers that evict
	// use it to keep referenced content together.
	Closure []digest.Digest `json:"closure,omitempty"`
}

type UpdateReferenceResponse struct{}

type StatusRequest struct{}

type StatusResponse struct {
	AllowUpdates bool `json:"allow_updates"`
}

var ErrBadResourceName = errors.New("casrpc: malformed resource name")

// UploadResourceName is uploads/<id>/blobs/<hash>/<size>.
func UploadResourceName(id string, d digest.Digest) string {
	return fmt.Sprintf("uploads/%s/blobs/%s/%d", id, d.Hash, d.SizeBytes)
}

// ReadResourceName is blobs/<hash>/<size>.
func ReadResourceName(d digest.Digest) string {
	return fmt.Sprintf("blobs/%s/%d", d.Hash, d.SizeBytes)
}

// ParseUploadResourceName returns the upload id and digest of name.
func ParseUploadResourceName(name string) (string, digest.Digest, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 5 || parts[0] != "uploads" || parts[1] == "" || parts[2] != "blobs" {
		return "", digest.Digest{}, fmt.Errorf("%w: %q", ErrBadResourceName, name)
	}
	d, err := parseDigestParts(parts[3], parts[4])
	if err != nil {
		return "", digest.Digest{}, fmt.Errorf("%w: %q: %v", ErrBadResourceName, name, err)
	}
	return parts[1], d, nil
}

func ParseReadResourceName(name string) (digest.Digest, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 3 || parts[0] != "blobs" {
		return digest.Digest{}, fmt.Errorf("%w: %q", ErrBadResourceName, name)
	}
	d, err := parseDigestParts(parts[1], parts[2])
	if err != nil {
		return digest.Digest{}, fmt.Errorf("%w: %q: %v", ErrBadResourceName, name, err)
	}
	return d, nil
}

func parseDigestParts(hash, size string) (digest.Digest, error) {
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return digest.Digest{}, err
	}
	d := digest.Digest{Hash: hash, SizeBytes: n}
	return d, d.Validate()
}
