package memory_test

import (
	"testing"

	"github.com/pelusa-v/pelusa-relay/internal/store"
	"github.com/pelusa-v/pelusa-relay/internal/store/memory"
	"github.com/pelusa-v/pelusa-relay/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return memory.New()
	})
}
