package gnutella

import (
	"fmt"
	"sync"

	"github.com/anacrolix/log"
	"github.com/anacrolix/squirrel"

	"github.com/dannyzb/gnutella/common"
)

// SharedFile is the read-only view of a completed or partial file exposed
// for upload.
type SharedFile struct {
	FileInfo *FileInfo
}

// AvailableRanges reports which byte ranges can currently be served.
func (sf SharedFile) AvailableRanges() []common.Extent {
	return sf.FileInfo.AvailableRanges()
}

// SharedIndex maps SHA-1 to completed or in-progress FileInfos eligible
// for upload. NewSharedIndex opens a small embedded cache when given a
// cache directory; no method reads or writes that cache.
type SharedIndex struct {
	mu    sync.Mutex
	files map[[20]byte]*FileInfo

	cache *squirrel.Cache
}

func NewSharedIndex(cacheDir string) (*SharedIndex, error) {
	si := &SharedIndex{
		files: make(map[[20]byte]*FileInfo),
	}
	if cacheDir != "" {
		c, err := squirrel.NewCache(squirrel.NewCacheOpts{
			Path: cacheDir,
		})
		if err != nil {
			return nil, fmt.Errorf("opening shared-index cache: %w", err)
		}
		si.cache = c
	}
	return si, nil
}

// Publish registers fi as available for upload under its SHA-1; a
// FileInfo without a SHA-1 is not registered. It does not check how much
// of fi is downloaded.
func (si *SharedIndex) Publish(fi *FileInfo) {
	if !fi.Sha1.Ok {
		return
	}
	si.mu.Lock()
	defer si.mu.Unlock()
	si.files[fi.Sha1.Value] = fi
}

func (si *SharedIndex) Unpublish(sha1 [20]byte) {
	si.mu.Lock()
	defer si.mu.Unlock()
	delete(si.files, sha1)
}

// SharedSha1 looks up a completed or partial file by SHA-1.
func (si *SharedIndex) SharedSha1(sha1 [20]byte) (SharedFile, bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	fi, ok := si.files[sha1]
	if !ok {
		return SharedFile{}, false
	}
	return SharedFile{FileInfo: fi}, true
}

// TryToSwarmWith is the inbound integration point for query hits: given a
// hint that addr has content matching sha1 (and/or name), create or
// enrich the matching FileInfo and attach a new download Source.
func (si *SharedIndex) TryToSwarmWith(registry *Registry, name, downloadPath string, size int64, sha1 [20]byte, hasSha1 bool, addr common.IpPort, net Net, logger log.Logger) {
	var fi *FileInfo
	if hasSha1 {
		si.mu.Lock()
		existing, ok := si.files[sha1]
		si.mu.Unlock()
		if ok {
			fi = existing
		}
	}
	if fi == nil {
		fi = registry.Get(name, downloadPath, size, sha1, hasSha1, size > 0)
	}

	src := NewSource(fi, addr, net, true, logger)
	fi.AddNewSource(src)
}
