package memory

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/taskflow/taskflow/internal/config"
	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/types"
)

func newTestEngine() *Engine {
	key := DeriveMasterKey("test-master-key")
	engine, err := NewEngine(config.MemoryConfig{L1Size: 32}, key, NewInMemoryBackend(), nil)
	Expect(err).ToNot(HaveOccurred())
	return engine
}

var _ = Describe("Engine", func() {
	var (
		ctx    context.Context
		engine *Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		engine = newTestEngine()
	})

	Describe("Put and Get round trip", func() {
		It("returns exactly what was stored for INTERNAL content", func() {
			_, err := engine.Put(ctx, "task-1", "notes", []byte("the deploy uses blue/green"), types.SensitivityInternal)
			Expect(err).ToNot(HaveOccurred())

			got, ok, err := engine.Get(ctx, "task-1", "notes")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(string(got)).To(Equal("the deploy uses blue/green"))
		})

		It("stores PUBLIC content without encryption", func() {
			_, err := engine.Put(ctx, "task-1", "summary", []byte("release notes for v1"), types.SensitivityPublic)
			Expect(err).ToNot(HaveOccurred())

			got, ok, err := engine.Get(ctx, "task-1", "summary")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(string(got)).To(Equal("release notes for v1"))
		})

		It("reports not-found for an absent key", func() {
			_, ok, err := engine.Get(ctx, "task-1", "missing")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("idempotent put", func() {
		It("re-putting identical content does not reset the creation time", func() {
			_, err := engine.Put(ctx, "task-2", "k", []byte("same content"), types.SensitivityInternal)
			Expect(err).ToNot(HaveOccurred())

			rec1, _, _ := engine.backend.Get(ctx, "task-2", "k")
			firstCreated := rec1.CreatedAt

			_, err = engine.Put(ctx, "task-2", "k", []byte("same content"), types.SensitivityInternal)
			Expect(err).ToNot(HaveOccurred())

			rec2, _, _ := engine.backend.Get(ctx, "task-2", "k")
			Expect(rec2.CreatedAt).To(Equal(firstCreated))
		})
	})

	Describe("PII policy", func() {
		It("rejects PUBLIC content containing an email address", func() {
			_, err := engine.Put(ctx, "task-3", "leak", []byte("contact jane@example.com for details"), types.SensitivityPublic)
			Expect(err).To(HaveOccurred())
			Expect(taskflowerrors.IsType(err, taskflowerrors.ErrorTypeValidation)).To(BeTrue())
		})

		It("allows the same content under INTERNAL sensitivity", func() {
			_, err := engine.Put(ctx, "task-3", "leak-internal", []byte("contact jane@example.com for details"), types.SensitivityInternal)
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Describe("Search", func() {
		It("ranks closer content higher and applies the k limit", func() {
			_, _ = engine.Put(ctx, "topic-a", "d1", []byte("deploy the backend service to staging"), types.SensitivityInternal)
			_, _ = engine.Put(ctx, "topic-a", "d2", []byte("deploy the backend service to production"), types.SensitivityInternal)
			_, _ = engine.Put(ctx, "topic-a", "d3", []byte("the quarterly product roadmap review"), types.SensitivityInternal)

			hits, err := engine.Search(ctx, []string{"topic-a"}, "deploy backend service", 2)
			Expect(err).ToNot(HaveOccurred())
			Expect(hits).To(HaveLen(2))
			Expect(hits[0].Key).To(BeElementOf("d1", "d2"))
			Expect(hits[1].Key).To(BeElementOf("d1", "d2"))
		})

		It("only considers the requested domains", func() {
			_, _ = engine.Put(ctx, "domain-x", "only", []byte("unique payload here"), types.SensitivityInternal)

			hits, err := engine.Search(ctx, []string{"domain-y"}, "unique payload here", 5)
			Expect(err).ToNot(HaveOccurred())
			Expect(hits).To(BeEmpty())
		})
	})

	Describe("Purge", func() {
		It("removes a record from cache and backend", func() {
			_, err := engine.Put(ctx, "task-4", "k", []byte("to be purged"), types.SensitivityInternal)
			Expect(err).ToNot(HaveOccurred())

			Expect(engine.Purge(ctx, "task-4", "k")).To(Succeed())

			_, ok, err := engine.Get(ctx, "task-4", "k")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("integrity violation", func() {
		It("quarantines a record whose ciphertext was corrupted at rest", func() {
			_, err := engine.Put(ctx, "task-5", "k", []byte("sensitive content"), types.SensitivityInternal)
			Expect(err).ToNot(HaveOccurred())

			rec, ok, err := engine.backend.Get(ctx, "task-5", "k")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			rec.Ciphertext[0] ^= 0xFF
			Expect(engine.backend.Put(ctx, rec)).To(Succeed())
			engine.cache.purge(ctx, "task-5", "k")

			_, _, err = engine.Get(ctx, "task-5", "k")
			Expect(err).To(HaveOccurred())
			Expect(taskflowerrors.IsType(err, taskflowerrors.ErrorTypeIntegrity)).To(BeTrue())

			_, stillPresent, _ := engine.backend.Get(ctx, "task-5", "k")
			Expect(stillPresent).To(BeFalse())
		})
	})
})
