package transport

// UploadTarget identifies a multipart upload on the backend. It is issued by
// Initiate and referenced by every later call, including Abort.
type UploadTarget struct {
	UploadID string
	FileKey  string
}

// Valid reports whether both identifiers are known.
func (t UploadTarget) Valid() bool {
	return t.UploadID != "" && t.FileKey != ""
}

// PartTag represents a completed part with its ETag
type PartTag struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// InitiateUploadRequest represents the request to initiate a multipart upload
type InitiateUploadRequest struct {
	FileName  string `json:"file_name"`
	FileType  string `json:"file_type"`
	FieldName string `json:"field_name"`
}

// InitiateUploadResponse carries the identifiers of the new upload
type InitiateUploadResponse struct {
	UploadID string `json:"upload_id"`
	FileKey  string `json:"file_key"`
}

// SignPartRequest asks for a presigned URL for one part
type SignPartRequest struct {
	UploadID   string `json:"upload_id"`
	FileKey    string `json:"file_key"`
	PartNumber int    `json:"part_number"`
}

// SignPartResponse carries the presigned part URL
type SignPartResponse struct {
	URL string `json:"url"`
}

// CompleteUploadRequest represents the request to complete a multipart upload
type CompleteUploadRequest struct {
	UploadID string    `json:"upload_id"`
	FileKey  string    `json:"file_key"`
	Parts    []PartTag `json:"parts"`
}

// CompleteUploadResponse is returned by backends that report the final location
type CompleteUploadResponse struct {
	FileKey  string `json:"file_key,omitempty"`
	Location string `json:"location,omitempty"`
}

// AbortUploadRequest represents the request to abort a multipart upload
type AbortUploadRequest struct {
	UploadID string `json:"upload_id"`
	FileKey  string `json:"file_key"`
}
