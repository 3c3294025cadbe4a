//go:build linux

package watch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// inotify watches the file's directory, so editors that save by writing a
// new file and renaming it over the old one are still seen.
type inotify struct {
	fd   int
	name string
}

const inotifyMask = unix.IN_MODIFY | unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_CREATE

func newNative(path string) (notifier, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init failed: %w", err)
	}
	if _, err := unix.InotifyAddWatch(fd, filepath.Dir(path), inotifyMask); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	return &inotify{fd: fd, name: filepath.Base(path)}, nil
}

func (n *inotify) watch(ctx context.Context, changes chan<- struct{}) error {
	defer unix.Close(n.fd)

	buf := make([]byte, (unix.SizeofInotifyEvent+unix.NAME_MAX+1)*16)
	for {
		if ctx.Err() != nil {
			return nil
		}
		nr, err := unix.Read(n.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("reading inotify events: %w", err)
		}

		for offset := 0; offset+unix.SizeofInotifyEvent <= nr; {
			event := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			nameStart := offset + unix.SizeofInotifyEvent
			nameEnd := nameStart + int(event.Len)
			offset = nameEnd
			if nameEnd > nr {
				break
			}

			name := string(bytes.TrimRight(buf[nameStart:nameEnd], "\x00"))
			if name == n.name && event.Mask&inotifyMask != 0 {
				signal(changes)
			}
		}
	}
}
