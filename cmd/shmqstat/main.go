// Command shmqstat shows the queues of a channel in a shared arena file. On a
// terminal it redraws once per interval; otherwise it logs one snapshot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/gosuri/uilive"
	"github.com/mattn/go-isatty"

	"github.com/webbmaffian/go-shmq/arena"
	"github.com/webbmaffian/go-shmq/pool"
	"github.com/webbmaffian/go-shmq/transport"
)

func main() {
	interval := flag.Duration("interval", time.Second, "refresh interval")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: shmqstat [-interval d] <arena file> <channel>")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), flag.Arg(1), *interval); err != nil {
		slog.Error("shmqstat", "error", err)
		os.Exit(1)
	}
}

func run(path, name string, interval time.Duration) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := arena.Open(path, 0)

	if err != nil {
		return
	}

	defer a.Close()

	p, err := pool.New(a)

	if err != nil {
		return
	}

	ch, err := transport.Open(p, name)

	if err != nil {
		return
	}

	defer ch.Close()

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		ch.DumpQueues()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	writer := uilive.New()

	for {
		render(writer, ch)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func render(w *uilive.Writer, ch *transport.Transport) {
	m := ch.Pool().Arena().Metrics()

	fmt.Fprintf(w, "Channel: %s (%d consumers)\n", ch.Name(), ch.Consumers())
	fmt.Fprintf(w, "Arena: %d of %d bytes free, %d pooled, watermark %d\n",
		m.FreeBytes, m.Size, ch.Pool().PooledBytes(), ch.Watermark())

	for _, s := range ch.Stats() {
		fmt.Fprintf(w, "Consumer %d: %d chunks (%d items) queued, %d chunks (%d items) sent\n",
			s.Consumer, s.Chunks, s.Items, s.ChunksSent, s.ItemsSent)
	}

	w.Flush()
}
