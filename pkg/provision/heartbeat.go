package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// A block stops its heartbeat loop when a file with this suffix appears
// next to its heartbeat file.
const stopSuffix = ".stop"

func (p *Provisioner) heartbeatDir() string {
	return filepath.Join(p.dir, "blocks")
}

func (p *Provisioner) heartbeatPath(blockID string) string {
	return filepath.Join(p.heartbeatDir(), blockID)
}

// watch calls Heartbeat when a heartbeat file in dir is touched,
// until ctx is done.
func (p *Provisioner) watch(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				name := filepath.Base(event.Name)
				if strings.HasSuffix(name, stopSuffix) {
					continue
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					p.Heartbeat(name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.logger.Printf("heartbeat watcher: %s", err)
			}
		}
	}()
	return nil
}

// HeartbeatScript is the body of a block job.
//
// It touches path every interval until path + ".stop" exists.
func HeartbeatScript(path string, interval time.Duration) string {
	secs := max(interval.Seconds(), 0.1)
	hb := shellQuote(path)
	return strings.Join([]string{
		"hb=" + hb,
		`mkdir -p "$(dirname "$hb")"`,
		`touch "$hb"`,
		`while [ ! -e "$hb` + stopSuffix + `" ]; do`,
		fmt.Sprintf("\tsleep %g", secs),
		`	touch "$hb"`,
		`done`,
		`rm -f "$hb" "$hb` + stopSuffix + `"`,
	}, "\n")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, os.FileMode(0o644))
	if err != nil {
		return err
	}
	return f.Close()
}
