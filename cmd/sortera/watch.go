package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/karrick/godirwalk"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/pipeline"
	"github.com/tstromberg/sortera/pkg/sortera"
)

// settle is how long a directory must be quiet before new images are processed.
const settle = 5 * time.Second

// watch processes images that appear under root until ctx is cancelled.
func watch(ctx context.Context, o *pipeline.Orchestrator, root string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	dirs, err := watchDirs(root, o.Config.Recursive)
	if err != nil {
		return err
	}
	klog.Infof("watching %d dirs ...", len(dirs))
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}

	exts := o.Config.FindOptions().Extensions
	pending := map[string]bool{}
	// written holds images updated by the previous run, whose events are our own.
	written := map[string]bool{}
	var quiet <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			klog.V(1).Infof("event: %s", event)
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
				if o.Config.Recursive && filepath.Base(event.Name)[0] != '.' {
					if err := w.Add(event.Name); err != nil {
						klog.Errorf("watch %s: %v", event.Name, err)
					}
				}
				continue
			}
			if !sortera.Supported(event.Name, exts) {
				continue
			}
			pending[event.Name] = true
			quiet = time.After(settle)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			klog.Errorf("watch error: %v", err)
		case <-quiet:
			quiet = nil
			paths := ready(o, root, pending, written)
			clear(pending)
			clear(written)
			if len(paths) == 0 {
				continue
			}
			klog.Infof("processing %d new images", len(paths))
			s, err := process(ctx, o, root, paths)
			if err != nil {
				klog.Errorf("run failed: %v", err)
				continue
			}
			for _, out := range s.Outcomes {
				if out.Write != nil && out.Write.Succeeded {
					written[out.Image.Path] = true
				}
			}
		}
	}
}

// watchDirs returns root and, if recursive, every directory below it that is not hidden.
func watchDirs(root string, recursive bool) ([]string, error) {
	dirs := []string{root}
	if !recursive {
		return dirs, nil
	}
	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsDir() || path == root {
				return nil
			}
			if filepath.Base(path)[0] == '.' {
				return godirwalk.SkipThis
			}
			dirs = append(dirs, path)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("walk: %w", err)
	}
	slices.Sort(dirs)
	return dirs, nil
}

// ready returns the pending paths that still exist, were not just written by us, and would not be skipped.
func ready(o *pipeline.Orchestrator, root string, pending map[string]bool, written map[string]bool) []string {
	var paths []string
	for p := range pending {
		if abs, err := filepath.Abs(p); err == nil && written[abs] {
			continue
		}
		i, err := sortera.NewImageRecord(root, p, false)
		if err != nil {
			continue
		}
		if o.Skip != nil {
			if reason := o.Skip(i); reason != "" {
				klog.V(1).Infof("ignoring %s: %s", p, reason)
				continue
			}
		}
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}
