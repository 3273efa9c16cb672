package snapback

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// WatchOpts configures watch mode.
type WatchOpts struct {
	BackupOpts
	// Debounce is how long the tree must stay quiet before a change
	// triggers a run; editors and builds touch files in bursts.
	Debounce time.Duration
	// OnRun receives the result of each triggered backup.
	OnRun func(sum *Summary, err error)
}

// Watch backs up the source whenever it changes, debounced.  It
// blocks until opts.Stop is closed.  Directories that appear between
// runs are picked up after the run that records them.
func (store *Store) Watch(opts *WatchOpts) (err error) {
	defer Return(&err)

	Assert(opts != nil && opts.Source != "", "watch needs a source root")
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	Ck(err)
	defer watcher.Close()

	addDirs := func() error {
		walker := &Walker{Root: opts.Source, Ignore: opts.Ignore}
		entries, _ := walker.Walk()
		if werr := watcher.Add(opts.Source); werr != nil {
			return werr
		}
		for _, se := range entries {
			if se.Info.IsDir() {
				if werr := watcher.Add(filepath.Join(opts.Source, se.Rel)); werr != nil {
					return werr
				}
			}
		}
		return nil
	}
	err = addDirs()
	Ck(err)

	timer := time.NewTimer(opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-opts.Stop:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			log.Debugf("watch event: %v", ev)
			if !pending {
				timer.Reset(opts.Debounce)
				pending = true
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(opts.Debounce)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Debugf("watch error: %v", werr)
		case <-timer.C:
			pending = false
			_, sum, berr := store.Backup(&opts.BackupOpts)
			if opts.OnRun != nil {
				opts.OnRun(sum, berr)
			}
			if rerr := addDirs(); rerr != nil {
				log.Debugf("watch re-add: %v", rerr)
			}
		}
	}
}
