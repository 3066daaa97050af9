package memorystore

import (
	"testing"

	"github.com/girderhq/girder/store"
	"github.com/girderhq/girder/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) store.Store {
		return New()
	})
}
