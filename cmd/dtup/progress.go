package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"
)

type (
	progressStatus struct {
		xfer int64 // Bytes acknowledged by the service
		size int64 // Total file size
	}

	progressBar struct {
		progressStatus
		bar *mpb.Bar
	}

	progressBars struct {
		lock   sync.RWMutex
		done   chan struct{}
		status map[string]progressStatus
		out    io.Writer
		egrp   *errgroup.Group
	}
)

func newProgressBars() *progressBars {
	return &progressBars{
		done:   make(chan struct{}),
		status: make(map[string]progressStatus),
		out:    os.Stdout,
	}
}

// callback satisfies core.ProgressFunc. It only records state; the display
// goroutine renders on its own tick.
func (pb *progressBars) callback(path string, xfer int64, size int64) {
	pb.lock.Lock()
	defer pb.lock.Unlock()
	pb.status[path] = progressStatus{xfer: xfer, size: size}
}

func (pb *progressBars) shutdown() {
	if pb.egrp != nil {
		// Closing never blocks, even when the display goroutine already
		// left through context cancellation.
		close(pb.done)
		pb.egrp.Wait()
	}
}

func (pb *progressBars) launchDisplay(ctx context.Context) {
	progressCtr := mpb.NewWithContext(ctx, mpb.WithOutput(pb.out))
	pb.egrp, _ = errgroup.WithContext(ctx)

	pb.egrp.Go(func() error {
		defer progressCtr.Wait()

		tickDuration := 200 * time.Millisecond
		ticker := time.NewTicker(tickDuration)
		defer ticker.Stop()
		pbMap := make(map[string]*progressBar)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pb.done:
				for path := range pbMap {
					pbMap[path].bar.Abort(true)
					pbMap[path].bar.Wait()
				}
				return nil
			case <-ticker.C:
				func() {
					pb.lock.RLock()
					defer pb.lock.RUnlock()
					for path := range pb.status {
						if pbMap[path] == nil {
							pbMap[path] = &progressBar{
								bar: progressCtr.AddBar(0,
									mpb.PrependDecorators(
										decor.Name(filepath.Base(path), decor.WCSyncSpaceR),
										decor.CountersKibiByte("% .2f / % .2f"),
									),
									mpb.AppendDecorators(
										decor.OnComplete(decor.EwmaETA(decor.ET_STYLE_GO, 15), ""),
										decor.OnComplete(decor.Name(" ] "), ""),
										decor.OnComplete(decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 15), "Done!"),
									),
								),
							}
						}
						oldStatus := pbMap[path].progressStatus
						newStatus := pb.status[path]
						if oldStatus.size == 0 && newStatus.size > 0 {
							pbMap[path].bar.SetTotal(newStatus.size, false)
						}
						pbMap[path].bar.EwmaSetCurrent(newStatus.xfer, tickDuration)
						if newStatus.size > 0 && newStatus.xfer >= newStatus.size {
							pbMap[path].bar.SetTotal(newStatus.size, true)
						}
						pbMap[path].progressStatus = newStatus
					}
				}()
			}
		}
	})
}
