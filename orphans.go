package gnutella

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// SpotCompletedOrphans scans dir once at startup for files carrying a
// trailer whose ChunkMap is fully done but that were never registered
// this run (e.g. the process restarted after the file finished but
// before it got published). Each one found is registered and handed to
// shared for upload.
func (r *Registry) SpotCompletedOrphans(dir string, shared *SharedIndex) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		r.mu.Lock()
		alreadyKnown := false
		for _, fi := range r.all {
			if fi.FileName == name && fi.Path == dir {
				alreadyKnown = true
				break
			}
		}
		r.mu.Unlock()
		if alreadyKnown {
			continue
		}

		fi, ok := r.tryRestore(name, dir)
		if !ok || !fi.IsComplete() {
			continue
		}
		r.mu.Lock()
		r.all = append(r.all, fi)
		if fi.Sha1.Ok {
			r.bySha1[fi.Sha1.Value] = fi
		}
		r.mu.Unlock()
		if shared != nil {
			shared.Publish(fi)
		}
	}
	return nil
}

// OrphanWatcher watches dir for file write and create events so a trailer dropped
// in by an out-of-band process (e.g. a completed download moved in from
// elsewhere) is picked up without a periodic full directory poll.
type OrphanWatcher struct {
	watcher *fsnotify.Watcher
	dir     string
}

// WatchForOrphans starts watching dir. Call Close to stop.
func WatchForOrphans(dir string, registry *Registry, shared *SharedIndex) (*OrphanWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	ow := &OrphanWatcher{watcher: w, dir: dir}
	go ow.run(registry, shared)
	return ow, nil
}

func (ow *OrphanWatcher) run(registry *Registry, shared *SharedIndex) {
	for {
		select {
		case ev, ok := <-ow.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			fi, ok := registry.tryRestore(name, ow.dir)
			if !ok || !fi.IsComplete() {
				continue
			}
			registry.mu.Lock()
			registry.all = append(registry.all, fi)
			if fi.Sha1.Ok {
				registry.bySha1[fi.Sha1.Value] = fi
			}
			registry.mu.Unlock()
			if shared != nil {
				shared.Publish(fi)
			}
		case _, ok := <-ow.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (ow *OrphanWatcher) Close() error {
	return ow.watcher.Close()
}
