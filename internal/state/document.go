package state

import (
	"encoding/json"
	"fmt"
)

// Document is the JSON layout of the state file. It is the on-disk format
// of the json engine and the export/import format of every engine.
type Document struct {
	FilesUploaded []UploadedEntry `json:"filesUploaded"`
	FilesToUpload []string        `json:"filesToUpload"`
	TotalUploaded int64           `json:"totalUploaded"`
}

// UploadedEntry is one element of Document.FilesUploaded.
type UploadedEntry struct {
	FilePath  string `json:"filePath"`
	ArchiveID string `json:"archiveId"`
	Checksum  string `json:"checksum"`
}

// ParseDocument decodes a state document. Missing arrays decode as empty.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing state document: %w", err)
	}
	if doc.FilesUploaded == nil {
		doc.FilesUploaded = []UploadedEntry{}
	}
	if doc.FilesToUpload == nil {
		doc.FilesToUpload = []string{}
	}
	return &doc, nil
}

// Marshal encodes the document with two-space indentation.
func (d *Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Records converts the uploaded entries to Records.
func (d *Document) Records() []Record {
	recs := make([]Record, 0, len(d.FilesUploaded))
	for _, e := range d.FilesUploaded {
		recs = append(recs, Record{FilePath: e.FilePath, ArchiveID: e.ArchiveID, Checksum: e.Checksum})
	}
	return recs
}
