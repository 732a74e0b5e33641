package engine

import (
	"encoding/json"
	"os"
)

// indexSliceRecord is the on-disk shape of one slice's layout/progress.
type indexSliceRecord struct {
	Index      int   `json:"index"`
	Begin      int64 `json:"begin"`
	End        int64 `json:"end"`
	Downloaded int64 `json:"downloaded"`
}

// indexRecord is the full on-disk index file content.
type indexRecord struct {
	URL         string             `json:"url"`
	FileSize    int64              `json:"file_size"`
	ContentHash string             `json:"content_hash"`
	Slices      []indexSliceRecord `json:"slices"`
}

// IndexFile is the durable record of slice layout and per-slice
// progress. It is rewritten write-temp-then-rename so a crash mid-save
// never leaves a half-written index behind.
type IndexFile struct {
	path string
}

// NewIndexFile returns a handle to the sidecar index for targetPath,
// alongside targetPath's ".zoe" temp data file.
func NewIndexFile(targetPath string) *IndexFile {
	return &IndexFile{path: targetPath + ".zoe.index"}
}

func (idx *IndexFile) Path() string { return idx.path }

// Exists reports whether a sidecar index is present on disk.
func (idx *IndexFile) Exists() bool {
	_, err := os.Stat(idx.path)
	return err == nil
}

// Load reads and decodes the index file. A malformed file is reported
// through an *invalidIndexFormatError so callers can distinguish it
// from a missing file.
func (idx *IndexFile) Load() (*indexRecord, error) {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		return nil, err
	}
	var rec indexRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &invalidIndexFormatError{err}
	}
	return &rec, nil
}

type invalidIndexFormatError struct{ err error }

func (e *invalidIndexFormatError) Error() string { return "invalid index format: " + e.err.Error() }
func (e *invalidIndexFormatError) Unwrap() error  { return e.err }

// Save atomically rewrites the index file to describe slices.
func (idx *IndexFile) Save(url string, fileSize int64, contentHash string, slices []*Slice) error {
	rec := indexRecord{URL: url, FileSize: fileSize, ContentHash: contentHash}
	for _, s := range slices {
		snap := s.snapshot()
		rec.Slices = append(rec.Slices, indexSliceRecord{
			Index:      snap.Index,
			Begin:      snap.Begin,
			End:        snap.End,
			Downloaded: snap.Downloaded,
		})
	}

	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return err
	}

	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, idx.path)
}

// Delete removes the index file. A missing file is not an error.
func (idx *IndexFile) Delete() error {
	err := os.Remove(idx.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
