package models

// FileMetadata contains optional file timestamp information
type FileMetadata struct {
	Modified string `json:"modified,omitempty"`
	Accessed string `json:"accessed,omitempty"`
}

// FileMeta is a file as declared by the sender. Size, type and checksum are
// claims, nothing on the receiving side relies on them beyond progress math.
type FileMeta struct {
	Id       string        `json:"id"`
	Filename string        `json:"fileName"`
	Size     int64         `json:"size"`
	FileMIME string        `json:"fileType"`
	Checksum string        `json:"sha256,omitempty"`
	Preview  string        `json:"preview,omitempty"`
	Metadata *FileMetadata `json:"metadata,omitempty"`
}
