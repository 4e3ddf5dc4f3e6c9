package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/bietkhonhungvandi212/drift-db/internal/kv"
	"github.com/bietkhonhungvandi212/drift-db/internal/storage/buffer"
	"github.com/bietkhonhungvandi212/drift-db/internal/storage/disk"
	util "github.com/bietkhonhungvandi212/drift-db/internal/utils"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("driftdb: ")

	configPath := flag.String("config", "", "YAML config file, defaults apply when empty")
	dataPath := flag.String("data", "", "data file path, overrides the config")
	flag.Parse()

	opts := util.DefaultOptions()
	if *configPath != "" {
		loaded, err := util.LoadOptions(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		opts = loaded
	}
	if *dataPath != "" {
		opts.Path = *dataPath
	}
	if opts.Path == "" {
		f, err := os.CreateTemp("", "driftdb-*.dat")
		if err != nil {
			log.Fatalf("create temp data file: %v", err)
		}
		f.Close()
		opts.Path = f.Name()
		defer os.Remove(opts.Path)
		defer os.Remove(opts.Path + ".log")
		fmt.Printf("no data path given, using %s\n", opts.Path)
	}

	if err := run(opts); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(opts util.Options) error {
	fm, err := disk.NewFileManager(opts)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	lm, err := disk.NewLogManager(opts.Path + ".log")
	if err != nil {
		fm.Close()
		return fmt.Errorf("open log file: %w", err)
	}
	defer lm.Close()

	pool := buffer.NewBufferPool(opts, fm, lm)
	if lsn, err := lm.Append([]byte("engine start")); err == nil {
		fmt.Printf("log record appended at LSN %d\n", lsn)
	}

	// Raw page round trip through guards.
	g, err := pool.NewPageGuarded()
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	copy(g.MutData(), []byte("raw page payload"))
	rawID := g.ID()
	g.Release()

	r, err := pool.FetchRead(rawID)
	if err != nil {
		return fmt.Errorf("read page %d back: %w", rawID, err)
	}
	fmt.Printf("page %d holds %q\n", rawID, string(r.Data()[:16]))
	r.Release()

	// Key-value store on top of the pool.
	store, err := kv.New(pool)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	store.Put("engine", []byte("driftdb"))
	store.Put("page_size", fmt.Appendf(nil, "%d", util.PageSize))
	if err := store.Save(); err != nil {
		return fmt.Errorf("save store: %w", err)
	}
	root := store.Root()
	fmt.Printf("store saved: %d keys, root page %d\n", store.Len(), root)

	if err := pool.FlushAllPages(); err != nil {
		return fmt.Errorf("flush pool: %w", err)
	}
	if err := lm.Flush(); err != nil {
		return fmt.Errorf("flush log: %w", err)
	}
	st := pool.Stats()
	fmt.Printf("pool stats: %d hits, %d misses, %d evictions, %d flushes\n",
		st.Hits, st.Misses, st.Evictions, st.Flushes)

	if err := fm.Close(); err != nil {
		return fmt.Errorf("close data file: %w", err)
	}

	// Cold start against the same file proves the pages made it to disk.
	fm2, err := disk.NewFileManager(opts)
	if err != nil {
		return fmt.Errorf("reopen data file: %w", err)
	}
	defer fm2.Close()
	pool2 := buffer.NewBufferPool(opts, fm2, lm)

	reopened, err := kv.Open(pool2, root)
	if err != nil {
		return fmt.Errorf("reopen store: %w", err)
	}
	for _, key := range reopened.Keys() {
		v, err := reopened.Get(key)
		if err != nil {
			return fmt.Errorf("read key %q: %w", key, err)
		}
		fmt.Printf("reloaded %s = %q\n", key, string(v))
	}
	return nil
}
