// Package backendtest provides an in-memory S3 for exercising the upload
// backend and clients end to end.
package backendtest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/stefando/chunkedUpload/internal/backend"
)

type multipart struct {
	key         string
	contentType string
	parts       map[int][]byte
}

// S3 is a fake multipart store. Presigned URLs point at its own HTTP
// server, which accepts part PUTs the way S3 does.
type S3 struct {
	Server *httptest.Server

	mu       sync.Mutex
	nextID   int
	uploads  map[string]*multipart
	objects  map[string][]byte
	types    map[string]string
	aborted  []string
	presigns int
	faults   Faults
}

// Faults makes the fake misbehave
type Faults struct {
	// FailPart makes PUTs of that part number answer 500
	FailPart int
	// OmitETag drops the ETag header from successful PUTs
	OmitETag bool
	// FailCreate, FailComplete and FailAbort make the matching call fail
	FailCreate   error
	FailComplete error
	FailAbort    error
}

// New starts a fake S3 that stops when t ends
func New(t testing.TB) *S3 {
	t.Helper()
	f := &S3{
		uploads: map[string]*multipart{},
		objects: map[string][]byte{},
		types:   map[string]string{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.servePut))
	t.Cleanup(f.Server.Close)
	return f
}

// SetFaults replaces the injected faults
func (f *S3) SetFaults(faults Faults) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = faults
}

func (f *S3) currentFaults() Faults {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faults
}

// Clients returns the fake as backend clients
func (f *S3) Clients() backend.Clients {
	return backend.Clients{S3: f, Presign: f}
}

// CreateMultipartUpload implements backend.S3API
func (f *S3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if err := f.currentFaults().FailCreate; err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &multipart{
		key:         aws.ToString(in.Key),
		contentType: aws.ToString(in.ContentType),
		parts:       map[int][]byte{},
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: in.Key}, nil
}

// PresignUploadPart implements backend.Presigner
func (f *S3) PresignUploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.mu.Lock()
	f.presigns++
	f.mu.Unlock()

	q := url.Values{}
	q.Set("uploadId", aws.ToString(in.UploadId))
	q.Set("partNumber", strconv.Itoa(int(aws.ToInt32(in.PartNumber))))
	return &v4.PresignedHTTPRequest{
		URL:    f.Server.URL + "/" + aws.ToString(in.Key) + "?" + q.Encode(),
		Method: http.MethodPut,
	}, nil
}

// CompleteMultipartUpload implements backend.S3API. ETags must match the
// stored parts, quoted or not.
func (f *S3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if err := f.currentFaults().FailComplete; err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	up, ok := f.uploads[id]
	if !ok || up.key != aws.ToString(in.Key) {
		return nil, fmt.Errorf("NoSuchUpload: %s", id)
	}

	var buf bytes.Buffer
	for _, p := range in.MultipartUpload.Parts {
		data, ok := up.parts[int(aws.ToInt32(p.PartNumber))]
		if !ok {
			return nil, fmt.Errorf("InvalidPart: %d", aws.ToInt32(p.PartNumber))
		}
		if strings.Trim(aws.ToString(p.ETag), `"`) != etagOf(data) {
			return nil, fmt.Errorf("InvalidPart: etag mismatch for part %d", aws.ToInt32(p.PartNumber))
		}
		buf.Write(data)
	}

	f.objects[up.key] = buf.Bytes()
	f.types[up.key] = up.contentType
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{
		Key:      in.Key,
		Location: aws.String(f.Server.URL + "/" + up.key),
	}, nil
}

// AbortMultipartUpload implements backend.S3API
func (f *S3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if err := f.currentFaults().FailAbort; err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, fmt.Errorf("NoSuchUpload: %s", id)
	}
	delete(f.uploads, id)
	f.aborted = append(f.aborted, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *S3) servePut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	part, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
	if err != nil {
		http.Error(w, "bad partNumber", http.StatusBadRequest)
		return
	}
	faults := f.currentFaults()
	if part == faults.FailPart {
		http.Error(w, "InternalError", http.StatusInternalServerError)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	up, ok := f.uploads[r.URL.Query().Get("uploadId")]
	if ok {
		up.parts[part] = data
	}
	f.mu.Unlock()
	if !ok {
		http.Error(w, "NoSuchUpload", http.StatusNotFound)
		return
	}

	if !faults.OmitETag {
		w.Header().Set("ETag", `"`+etagOf(data)+`"`)
	}
	w.WriteHeader(http.StatusOK)
}

// Object returns a completed object
func (f *S3) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

// ContentType returns the content type a completed object was created with
func (f *S3) ContentType(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.types[key]
}

// Aborted returns the IDs of aborted uploads
func (f *S3) Aborted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

// Pending returns the IDs of uploads neither completed nor aborted
func (f *S3) Pending() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.uploads))
	for id := range f.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Presigns returns how many part URLs were signed
func (f *S3) Presigns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.presigns
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
