// Command shmqdemo runs producers and consumers over one channel until
// interrupted, logging queue state every few seconds.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webbmaffian/go-shmq/arena"
	"github.com/webbmaffian/go-shmq/pool"
	"github.com/webbmaffian/go-shmq/serial"
	"github.com/webbmaffian/go-shmq/transport"
)

var hosts = []string{"db-1", "db-2", "web-1", "web-2", "web-3", "cache-1"}

func main() {
	var (
		file      = flag.String("file", "", "arena file; anonymous memory when empty")
		size      = flag.Int("size", 64<<20, "arena size in bytes")
		consumers = flag.Int("consumers", 4, "consumer queues")
		batch     = flag.Int("batch", 128, "records per chunk")
		debug     = flag.Bool("debug", false, "log stalls and trims")
	)

	flag.Parse()

	level := slog.LevelInfo

	if *debug {
		level = slog.LevelDebug
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sent, received, err := run(ctx, log, *file, *size, *consumers, *batch)

	if err != nil {
		log.Error("shmqdemo", "error", err)
		stop()
		os.Exit(1)
	}

	log.Info("done", "sent", sent, "received", received)
}

// run drives the demo until ctx is done and reports the items sent and
// received, which match unless something was lost.
func run(ctx context.Context, log *slog.Logger, file string, size, consumers, batch int) (sent, received uint64, err error) {
	var a *arena.Arena

	if file == "" {
		a, err = arena.New(size, arena.WithLogger(log))
	} else {
		a, err = arena.Open(file, size, arena.WithLogger(log))
	}

	if err != nil {
		return
	}

	defer a.Close()

	p, err := pool.New(a)

	if err != nil {
		return
	}

	ch, err := transport.New(p, "demo", consumers)

	if err != nil {
		return
	}

	defer ch.Destroy()

	var (
		producers sync.WaitGroup
		drainers  sync.WaitGroup
		delivered atomic.Uint64
	)

	// Consumers outlive producers, or a producer stalled on memory would
	// never return.
	drain, stopDrain := context.WithCancel(context.Background())
	defer stopDrain()

	for c := range consumers {
		drainers.Add(1)

		go func() {
			defer drainers.Done()
			consume(drain, ch, c, &delivered)
		}()
	}

	for i := range hosts {
		producers.Add(1)

		go func() {
			defer producers.Done()

			if err := produce(ctx, ch, hosts[i], batch); err != nil {
				log.Error("producer stopped", "host", hosts[i], "error", err)
			}
		}()
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			producers.Wait()

			for delivered.Load() < ch.SentItems() {
				time.Sleep(time.Millisecond)
			}

			stopDrain()
			drainers.Wait()

			return ch.SentItems(), delivered.Load(), nil

		case <-ticker.C:
			ch.DumpQueues()
		}
	}
}

// produce sends batches of samples for one host. Every sample refers to the
// host name stored once per batch.
func produce(ctx context.Context, ch *transport.Transport, host string, batch int) error {
	b, err := serial.New(ch.Pool().Arena(), 4096)

	if err != nil {
		return err
	}

	defer b.Destroy()

	consumer := ch.RouteString(host)
	rec := make([]byte, 24)

	for seq := uint64(0); ctx.Err() == nil; {
		name, err := b.AddData([]byte(host))

		if err != nil {
			return err
		}

		for range batch {
			binary.NativeEndian.PutUint64(rec[0:], seq)
			binary.NativeEndian.PutUint64(rec[8:], uint64(time.Now().UnixNano()))
			binary.NativeEndian.PutUint64(rec[16:], name)

			if _, err = b.AddItem(rec); err != nil {
				return err
			}

			seq++
		}

		ch.SendBuffer(consumer, b, transport.PriorityNormal)
		b.Clean()
	}

	return nil
}

func consume(ctx context.Context, ch *transport.Transport, consumer int, received *atomic.Uint64) {
	r := transport.NewReceiver()
	defer ch.CloseReceiver(r)

	last := make(map[string]uint64)

	for ctx.Err() == nil {
		n := ch.ReceiveOne(r, consumer, func(payload []byte) {
			serial.Process(payload, func(base, item []byte, _ int) {
				host := string(serial.Resolve(base, binary.NativeEndian.Uint64(item[16:])))
				seq := binary.NativeEndian.Uint64(item)

				if prev, ok := last[host]; ok && seq != prev+1 {
					panic(fmt.Sprintf("%s: sample %d after %d", host, seq, prev))
				}

				last[host] = seq
			})
		})

		if n == 0 && !r.Pending() {
			time.Sleep(time.Millisecond)
			continue
		}

		received.Add(n)
	}
}
