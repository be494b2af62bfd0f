package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinystm/config"
	"github.com/pingcap-incubator/tinystm/heap"
	"github.com/pingcap-incubator/tinystm/stm"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	configPath = flag.String("config", "", "config file path")
	statusAddr = flag.String("status", "", "status address")
	workers    = flag.Int("workers", 4, "number of transfer workers")
	accounts   = flag.Int("accounts", 64, "number of bank accounts")
	duration   = flag.Duration("duration", 10*time.Second, "benchmark duration")
	opsRate    = flag.Int("rate", 0, "target units per second over all workers, 0 means unlimited")
	snapshot   = flag.Bool("snapshot", false, "write a heap snapshot into data-dir on exit")
)

const initialBalance = 1000

func main() {
	flag.Parse()
	if *accounts < 2 {
		log.Fatal("at least two accounts are required", zap.Int("accounts", *accounts))
	}
	conf, err := config.FromFile(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if *statusAddr != "" {
		conf.StatusAddr = *statusAddr
	}
	runtime.GOMAXPROCS(conf.MaxProcs)

	if err = conf.SetupLogger(); err != nil {
		log.Fatal("initialize logger", zap.Error(err))
	}
	log.ReplaceGlobals(conf.GetZapLogger(), conf.GetZapLogProperties())
	defer log.Sync()

	engine := heap.NewEngine(heap.Options{
		NurseryCapacity:     uint64(conf.Heap.NurseryCapacity),
		StripeCount:         conf.Heap.StripeCount,
		PressureInterval:    conf.Heap.PressureInterval.Duration,
		PressureThreshold:   conf.Heap.PressureThreshold,
		SnapshotBytesPerSec: int64(conf.Heap.SnapshotBytesPerSec),
	})
	ctrl, mainCtx, err := stm.Setup(engine)
	if err != nil {
		log.Fatal("stm setup", zap.Error(err))
	}
	ctrl.ConfigureTransactionLength(conf.Controller.TransactionLengthFraction)

	if conf.StatusAddr != "" {
		go serveStatus(conf.StatusAddr)
	}

	ids := seedAccounts(engine, *accounts)
	log.Info("accounts seeded", zap.Int("accounts", *accounts),
		zap.Int("workers", *workers), zap.Duration("duration", *duration))

	// Setup leaves the main goroutine holding an inevitable transaction.
	// Release it before the workers attach, or the first registration blocks
	// on an idle token holder.
	ctrl.Teardown(mainCtx)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if *opsRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(*opsRate), *opsRate)
	}

	var units atomic.Int64
	start := time.Now()
	ctx, cancel := context.WithDeadline(context.Background(), start.Add(*duration))
	defer cancel()
	handleSignal(cancel)

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			runWorker(ctx, ctrl, engine, ids, seed, limiter, &units)
		}(int64(i))
	}
	wg.Wait()
	elapsed := time.Since(start)

	var total uint64
	for _, id := range ids {
		data, _, ok := engine.Inspect(id)
		if !ok {
			log.Fatal("account vanished", zap.Uint64("id", uint64(id)))
		}
		total += decodeBalance(data)
	}
	if total != uint64(*accounts)*initialBalance {
		log.Fatal("balance sum drifted",
			zap.Uint64("got", total),
			zap.Uint64("want", uint64(*accounts)*initialBalance))
	}

	done := units.Load()
	aborts := ctrl.AbortCount()
	abortRate := 0.0
	if done > 0 {
		abortRate = float64(aborts) / float64(done)
	}
	log.Info("benchmark finished",
		zap.Int64("units", done),
		zap.Float64("units-per-sec", float64(done)/elapsed.Seconds()),
		zap.Uint64("aborts", aborts),
		zap.Float64("aborts-per-unit", abortRate),
		zap.Float64("median-abort-bytes", ctrl.MedianAbortBytes()),
		zap.Int("objects", engine.ObjectCount()))

	if *snapshot {
		if err := writeSnapshot(engine, conf.DataDir); err != nil {
			log.Error("snapshot failed", zap.Error(err))
		}
	}

	if err := ctrl.Close(); err != nil {
		log.Fatal("engine stop", zap.Error(err))
	}
}

func seedAccounts(engine *heap.Engine, n int) []heap.ObjectID {
	ids := make([]heap.ObjectID, n)
	for i := range ids {
		ids[i] = engine.SeedObject(encodeBalance(initialBalance), nil)
	}
	return ids
}

func runWorker(ctx context.Context, ctrl *stm.Controller, engine *heap.Engine,
	ids []heap.ObjectID, seed int64, limiter *rate.Limiter, units *atomic.Int64) {
	tc, err := ctrl.RegisterThread(fmt.Sprintf("worker-%d", seed))
	if err != nil {
		log.Error("register worker", zap.Error(err))
		return
	}
	defer ctrl.Teardown(tc)

	rng := rand.New(rand.NewSource(seed))
	for ctx.Err() == nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		ctrl.PerformTransaction(tc, nil, func(arg interface{}, attempt int) int {
			h := tc.Handle()
			i := rng.Intn(len(ids))
			j := (i + 1 + rng.Intn(len(ids)-1)) % len(ids)
			from, _ := engine.Read(h, ids[i])
			to, _ := engine.Read(h, ids[j])
			balance := decodeBalance(from)
			if balance == 0 {
				return 0
			}
			engine.Write(h, ids[i], encodeBalance(balance-1), nil)
			engine.Write(h, ids[j], encodeBalance(decodeBalance(to)+1), nil)
			return 0
		})
		units.Inc()
	}
}

// writeSnapshot freezes the heap with a globally unique transaction and
// streams it into a fresh badger directory under dir.
func writeSnapshot(engine *heap.Engine, dir string) error {
	path := filepath.Join(dir, "snapshot")
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return err
	}
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	db, err := badger.Open(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	h, err := engine.RegisterThread("snapshot", nil)
	if err != nil {
		return err
	}
	defer engine.UnregisterThread(h)
	engine.StartTransaction(h, 1)
	engine.BecomeGloballyUniqueTransaction(h, "snapshot")
	// Commit either way: the stop-world claim must be released before the
	// thread can detach.
	serr := engine.SnapshotTo(h, db)
	if cerr := engine.CommitTransaction(h); serr == nil {
		serr = cerr
	}
	return serr
}

func serveStatus(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	log.Info("status listener up", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal("status listener failed", zap.Error(err))
	}
}

func handleSignal(stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.Info("got signal to exit", zap.String("signal", sig.String()))
		stop()
	}()
}

func encodeBalance(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeBalance(buf []byte) uint64 {
	if len(buf) != 8 {
		panic(fmt.Sprintf("bad balance payload of %d bytes", len(buf)))
	}
	return binary.BigEndian.Uint64(buf)
}
