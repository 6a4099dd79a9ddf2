package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/intellect4all/storage-engines/internal/config"
	"github.com/intellect4all/storage-engines/pkg/kvstore"
)

func main() {
	dbPath := flag.String("db", "./kvdemo.db", "table file path")
	logPath := flag.String("log", "./kvdemo.wal", "write-ahead log path")
	numBuf := flag.Int("buffers", 256, "buffer pool frame count")
	flag.Parse()

	fmt.Println(strings.Repeat("=", 72))
	fmt.Println("Transactional B+tree Key/Value Store Demo")
	fmt.Println(strings.Repeat("=", 72))

	defer os.Remove(*dbPath)
	defer os.Remove(*dbPath + ".hdr")
	defer os.Remove(*logPath)

	cfg := config.Default()
	cfg.NumBuf = *numBuf
	cfg.LogPath = *logPath

	db, err := kvstore.InitDB(cfg.NumBuf, cfg.Mode(), cfg.LogLimit, cfg.LogPath, cfg.LogmsgPath, cfg.CheckpointCron)
	if err != nil {
		log.Fatalf("init_db: %v", err)
	}
	defer db.Shutdown()

	table, err := db.OpenTable(*dbPath)
	if err != nil {
		log.Fatalf("open_table: %v", err)
	}
	fmt.Printf("\n[open_table] %s\n", *dbPath)

	fmt.Println("\n[db_insert] 3 keys")
	for _, kv := range []struct {
		key int64
		val string
	}{{1, "alice0001"}, {2, "bob000002"}, {3, "carol0003"}} {
		if err := db.DbInsert(table, kv.key, []byte(kv.val)); err != nil {
			log.Fatalf("db_insert %d: %v", kv.key, err)
		}
		fmt.Printf("  %d -> %q\n", kv.key, kv.val)
	}

	fmt.Println("\n[db_find] non-transactional read")
	v, err := db.DbFind(table, nil, 2)
	if err != nil {
		log.Fatalf("db_find: %v", err)
	}
	fmt.Printf("  2 -> %q\n", v)

	fmt.Println("\n[trx_begin] / [db_update] / [trx_commit]")
	trx, err := db.TrxBegin()
	if err != nil {
		log.Fatalf("trx_begin: %v", err)
	}
	if err := db.DbUpdate(table, trx, 2, []byte("bob-prime")); err != nil {
		log.Fatalf("db_update: %v", err)
	}
	if err := db.TrxCommit(trx); err != nil {
		log.Fatalf("trx_commit: %v", err)
	}
	v, _ = db.DbFind(table, nil, 2)
	fmt.Printf("  2 -> %q (committed)\n", v)

	fmt.Println("\n[trx_begin] / [db_update] / [trx_abort]")
	trx2, err := db.TrxBegin()
	if err != nil {
		log.Fatalf("trx_begin: %v", err)
	}
	if err := db.DbUpdate(table, trx2, 2, []byte("will-undo")); err != nil {
		log.Fatalf("db_update: %v", err)
	}
	if err := db.TrxAbort(trx2); err != nil {
		log.Fatalf("trx_abort: %v", err)
	}
	v, _ = db.DbFind(table, nil, 2)
	fmt.Printf("  2 -> %q (restored after abort)\n", v)

	fmt.Println("\n[db_delete] key 3")
	if err := db.DbDelete(table, 3); err != nil {
		log.Fatalf("db_delete: %v", err)
	}
	if _, err := db.DbFind(table, nil, 3); err != nil {
		fmt.Println("  3 -> (not found, as expected)")
	}

	fmt.Println("\nDone.")
}
