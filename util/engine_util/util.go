package engine_util

import (
	"github.com/coocood/badger"
)

func GetValue(db *badger.DB, key []byte) (val []byte, err error) {
	err = db.View(func(txn *badger.Txn) error {
		item, err1 := txn.Get(key)
		if err1 != nil {
			return err1
		}
		val, err1 = item.ValueCopy(val)
		return err1
	})
	return
}

func PutValue(db *badger.DB, key, val []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func DeleteValue(db *badger.DB, key []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// IsErrNotFound reports whether err is badger's key-not-found error.
func IsErrNotFound(err error) bool {
	return err == badger.ErrKeyNotFound
}
