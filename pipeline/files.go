package pipeline

import (
	"strings"
)

// File transfer methods understood by the workflow executor.
const (
	TransferRemoteURL = "remote_url"
	TransferLocalFile = "local_file"
)

// File is an upload descriptor sent alongside workflow inputs.
type File struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	URL            string `json:"url,omitempty"`
	UploadFileID   string `json:"upload_file_id,omitempty"`
}

// RemoteFiles converts input images into upload descriptors. Images that
// are neither http(s) URLs nor uploaded file references are dropped.
func RemoteFiles(images []Image) []File {
	files := make([]File, 0, len(images))
	for _, img := range images {
		if f, ok := remoteFile(img); ok {
			files = append(files, f)
		}
	}
	return files
}

func remoteFile(img Image) (File, bool) {
	kind := img.Type
	if kind == "" {
		kind = "image"
	}
	switch img.TransferMethod {
	case TransferRemoteURL:
		if !isHTTPURL(img.URL) {
			return File{}, false
		}
		return File{Type: kind, TransferMethod: TransferRemoteURL, URL: img.URL}, true
	case TransferLocalFile:
		if img.UploadFileID == "" {
			return File{}, false
		}
		return File{Type: kind, TransferMethod: TransferLocalFile, UploadFileID: img.UploadFileID}, true
	}
	if isHTTPURL(img.URL) {
		return File{Type: kind, TransferMethod: TransferRemoteURL, URL: img.URL}, true
	}
	return File{}, false
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
