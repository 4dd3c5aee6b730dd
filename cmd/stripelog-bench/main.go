// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// stripelog-bench is a load generator and live terminal dashboard for
// append throughput and latency against a Backend, supplementing spec.md
// per the original zlog C++ source's src/kvstore/bench.cc micro-benchmark
// driver. Grounded on the teacher's internal/hammer/loadtest package: a
// pool of worker goroutines driving load, a tview/tcell status grid, and
// github.com/RobinUS2/golang-moving-average smoothing the displayed
// latency and throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"k8s.io/klog/v2"

	"github.com/stripelog/stripelog"
	"github.com/stripelog/stripelog/backend/memory"
)

var (
	workers     = flag.Int("workers", 4, "Number of concurrent append workers.")
	entrySize   = flag.Int("entry_size", 64, "Size in bytes of each appended entry.")
	logName     = flag.String("log", "bench", "Name of the log to append to.")
	noTUI       = flag.Bool("no_tui", false, "Disable the terminal dashboard and just log periodic stats.")
	runDuration = flag.Duration("duration", 0, "Stop after this long. Zero means run until interrupted.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx := context.Background()
	if *runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *runDuration)
		defer cancel()
	}

	be := memory.New()
	log, err := stripelog.CreateOrOpen(ctx, be, *logName, stripelog.WithFinisherThreads(*workers))
	if err != nil {
		klog.Exitf("CreateOrOpen: %v", err)
	}
	defer log.Close()

	b := &bench{log: log, entrySize: *entrySize, latencyMS: movingaverage.Concurrent(movingaverage.New(1000))}
	for i := 0; i < *workers; i++ {
		go b.worker(ctx)
	}

	if *noTUI {
		runHeadless(ctx, b)
		return
	}
	newController(b).Run(ctx)
}

// bench tracks the running state of the load generator: the log under
// test, the payload size each worker writes, and a moving average of
// append latency in milliseconds.
type bench struct {
	log       *stripelog.Log
	entrySize int
	appends   atomic.Uint64
	errors    atomic.Uint64
	latencyMS *movingaverage.ConcurrentMovingAverage
}

func (b *bench) worker(ctx context.Context) {
	data := make([]byte, b.entrySize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		start := time.Now()
		_, err := b.log.Append(ctx, data)
		if err != nil {
			b.errors.Add(1)
			klog.V(1).Infof("append failed: %v", err)
			continue
		}
		b.latencyMS.Add(float64(time.Since(start).Milliseconds()))
		b.appends.Add(1)
	}
}

func runHeadless(ctx context.Context, b *bench) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := b.appends.Load()
			klog.Infof("appends=%d qps=%d avg_latency_ms=%.1f errors=%d", n, n-last, b.latencyMS.Avg(), b.errors.Load())
			last = n
		}
	}
}

// controller renders bench's live state into a tview grid, refreshed on a
// fixed interval.
type controller struct {
	b          *bench
	app        *tview.Application
	statusView *tview.TextView
	logView    *tview.TextView
	helpView   *tview.TextView
}

func newController(b *bench) *controller {
	c := &controller{b: b, app: tview.NewApplication()}
	grid := tview.NewGrid()
	grid.SetRows(4, 0, 2).SetColumns(0).SetBorders(true)

	c.statusView = tview.NewTextView()
	grid.AddItem(c.statusView, 0, 0, 1, 1, 0, 0, false)

	c.logView = tview.NewTextView()
	c.logView.ScrollToEnd()
	c.logView.SetMaxLines(10000)
	grid.AddItem(c.logView, 1, 0, 1, 1, 0, 0, false)

	c.helpView = tview.NewTextView()
	c.helpView.SetText("q to quit")
	grid.AddItem(c.helpView, 2, 0, 1, 1, 0, 0, false)

	c.app.SetRoot(grid, true)
	return c
}

func (c *controller) Run(ctx context.Context) {
	if err := flag.Set("logtostderr", "false"); err != nil {
		klog.Exitf("Failed to set flag: %v", err)
	}
	klog.SetOutput(c.logView)

	go c.updateLoop(ctx, 500*time.Millisecond)

	c.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' {
			c.app.Stop()
		}
		return event
	})
	if err := c.app.Run(); err != nil {
		klog.Exitf("tui: %v", err)
	}
}

func (c *controller) updateLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	qps := movingaverage.New(int((30 * time.Second) / interval))
	var last uint64
	for {
		select {
		case <-ctx.Done():
			c.app.Stop()
			return
		case <-ticker.C:
			n := c.b.appends.Load()
			qps.Add(float64(n-last) * float64(time.Second/interval))
			last = n
			lines := []string{
				fmt.Sprintf("Total appends: %d (errors: %d)", n, c.b.errors.Load()),
				fmt.Sprintf("Throughput: %.0f appends/s (30s avg)", qps.Avg()),
				fmt.Sprintf("Latency: %.1fms (avg)", c.b.latencyMS.Avg()),
			}
			c.statusView.SetText(strings.Join(lines, "\n"))
			c.app.Draw()
		}
	}
}
