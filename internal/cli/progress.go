package cli

import (
	"io"
	"sync"
	"time"

	"github.com/chatmesh/meshd/internal/events"
	"github.com/schollz/progressbar/v3"
)

// downloadBars keeps one progress bar per running download.
type downloadBars struct {
	out io.Writer

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newDownloadBars(out io.Writer) *downloadBars {
	return &downloadBars{out: out, bars: make(map[string]*progressbar.ProgressBar)}
}

func (d *downloadBars) handle(ev events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch e := ev.(type) {
	case events.DownloadStarted:
		d.bars[e.FileID] = progressbar.NewOptions64(e.Size,
			progressbar.OptionSetWriter(d.out),
			progressbar.OptionSetDescription(e.FileName),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
		)
	case events.DownloadProgress:
		if bar, ok := d.bars[e.FileID]; ok {
			_ = bar.Set64(e.Bytes)
		}
	case events.DownloadCompleted:
		if bar, ok := d.bars[e.FileID]; ok {
			_ = bar.Finish()
			delete(d.bars, e.FileID)
		}
	case events.DownloadFailed:
		if bar, ok := d.bars[e.FileID]; ok {
			_ = bar.Exit()
			delete(d.bars, e.FileID)
		}
	}
}

func (d *downloadBars) active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bars)
}
