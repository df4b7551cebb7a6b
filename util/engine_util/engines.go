package engine_util

import (
	"os"
	"path/filepath"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinybroker/config"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Engines wraps the badger database holding a partition's durable state
// machine data: the local STM snapshot and the spilled abort segments.
// The Path field is the filesystem path the data is stored at.
type Engines struct {
	DB   *badger.DB
	Path string
}

func NewEngines(db *badger.DB, path string) *Engines {
	return &Engines{
		DB:   db,
		Path: path,
	}
}

func (en *Engines) Write(wb *WriteBatch) error {
	return wb.WriteToDB(en.DB)
}

func (en *Engines) Close() error {
	return en.DB.Close()
}

func (en *Engines) Destroy() error {
	if err := en.Close(); err != nil {
		return err
	}
	return os.RemoveAll(en.Path)
}

// CreateDB creates a new badger DB on disk under conf.DBPath at subPath.
func CreateDB(subPath string, conf *config.Config) *badger.DB {
	opts := badger.DefaultOptions
	opts.NumCompactors = conf.Engine.NumCompactors
	opts.ValueThreshold = conf.Engine.ValueThreshold
	opts.ValueLogWriteOptions.WriteBufferSize = 4 * 1024 * 1024
	opts.Dir = filepath.Join(conf.DBPath, subPath)
	opts.ValueDir = opts.Dir
	opts.ValueLogFileSize = conf.Engine.VlogFileSize
	opts.MaxTableSize = conf.Engine.MaxTableSize
	opts.NumMemtables = conf.Engine.NumMemTables
	opts.NumLevelZeroTables = conf.Engine.NumL0Tables
	opts.NumLevelZeroTablesStall = conf.Engine.NumL0TablesStall
	opts.SyncWrites = conf.Engine.SyncWrites
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		log.Fatal("create db dir failed", zap.String("path", opts.Dir), zap.Error(err))
	}
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal("open badger db failed", zap.String("path", opts.Dir), zap.Error(err))
	}
	return db
}
