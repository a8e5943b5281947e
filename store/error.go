package store

import (
	"fmt"

	"github.com/canopy-network/hotshot/lib"
)

func ErrOpenDB(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindStorageError, lib.CodeOpenDB, lib.StorageModule, fmt.Sprintf("openDB() failed with err: %s", err.Error()))
}

func ErrCloseDB(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindStorageError, lib.CodeCloseDB, lib.StorageModule, fmt.Sprintf("closeDB() failed with err: %s", err.Error()))
}

func ErrStoreSet(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindStorageError, lib.CodeStoreSet, lib.StorageModule, fmt.Sprintf("store.set() failed with err: %s", err.Error()))
}

func ErrStoreGet(err error) lib.ErrorI {
	return lib.NewKindError(lib.KindStorageError, lib.CodeStoreGet, lib.StorageModule, fmt.Sprintf("store.get() failed with err: %s", err.Error()))
}

func ErrStoreConflict(key []byte) lib.ErrorI {
	return lib.NewKindError(lib.KindStorageError, lib.CodeStoreConflict, lib.StorageModule, fmt.Sprintf("a different record is already stored under %s", key))
}

func ErrStoreNotFound(key []byte) lib.ErrorI {
	return lib.NewKindError(lib.KindStorageError, lib.CodeStoreNotFound, lib.StorageModule, fmt.Sprintf("nothing stored under %s", key))
}

func ErrCommitOutOfOrder(expected, got uint64) lib.ErrorI {
	return lib.NewKindError(lib.KindStorageError, lib.CodeStoreConflict, lib.StorageModule, fmt.Sprintf("commit out of order: expected height %d got %d", expected, got))
}
