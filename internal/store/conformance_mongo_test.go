package store_test

import (
	"testing"

	"github.com/antigravity-dev/aonp/internal/store"
	"github.com/antigravity-dev/aonp/internal/store/mongostore"
)

// mongoBackend wires the document-database adapter into the shared
// conformance suite; only exercised when AONP_TEST_MONGO_URI points at a
// live server, mirroring how the teacher's integration suites skip
// themselves absent external infrastructure.
func mongoBackend(uri string) backend {
	return backend{
		name: "mongo",
		open: func(t *testing.T) store.Store {
			t.Helper()
			s, err := mongostore.Open(t.Context(), uri, "aonp_conformance_"+t.Name())
			if err != nil {
				t.Fatalf("open mongostore: %v", err)
			}
			t.Cleanup(func() {
				s.Drop(t.Context())
				s.Close()
			})
			return s
		},
	}
}
