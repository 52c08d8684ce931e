package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Load", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Context("when the config file exists with valid content", func() {
		BeforeEach(func() {
			valid := `
server:
  metrics_port: "9090"
scheduler:
  max_parallel: 8
  max_parallel_role:
    backend: 3
    qa: 2
  max_attempts: 5
hitl:
  auto_approve_below: 3
  escalate_at_or_above: 7
postgres:
  dsn: "postgres://localhost/taskflow"
redis:
  addr: "localhost:6379"
llm:
  provider: "anthropic"
  model: "claude"
task_dir: "/var/taskflow/tasks"
store_dir: "/var/taskflow/store"
`
			Expect(os.WriteFile(configFile, []byte(valid), 0644)).To(Succeed())
		})

		It("loads configuration successfully", func() {
			cfg, err := Load(configFile)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Server.MetricsPort).To(Equal("9090"))
			Expect(cfg.Scheduler.MaxParallel).To(Equal(8))
			Expect(cfg.Scheduler.MaxParallelRole["backend"]).To(Equal(3))
			Expect(cfg.Scheduler.MaxAttempts).To(Equal(5))
			Expect(cfg.Postgres.DSN).To(Equal("postgres://localhost/taskflow"))
		})

		It("fills in defaults for unset fields", func() {
			cfg, err := Load(configFile)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Scheduler.BackoffBase).To(Equal(30 * time.Second))
			Expect(cfg.Hitl.StandardSLA).To(Equal(4 * time.Hour))
			Expect(cfg.Hitl.EscalatedSLA).To(Equal(time.Hour))
			Expect(cfg.Memory.L1Size).To(Equal(1000))
			Expect(cfg.Memory.L2Size).To(Equal(10000))
		})
	})

	Context("when the file contains unknown fields", func() {
		It("rejects it", func() {
			bad := "server:\n  metrics_port: \"9090\"\n  bogus_field: true\ntask_dir: /x\nstore_dir: /y\npostgres:\n  dsn: x\nredis:\n  addr: x\nscheduler:\n  max_parallel: 1\n"
			Expect(os.WriteFile(configFile, []byte(bad), 0644)).To(Succeed())
			_, err := Load(configFile)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when required fields are missing", func() {
		It("fails validation", func() {
			missing := "server:\n  metrics_port: \"9090\"\n"
			Expect(os.WriteFile(configFile, []byte(missing), 0644)).To(Succeed())
			_, err := Load(configFile)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when the file does not exist", func() {
		It("returns an error", func() {
			_, err := Load(filepath.Join(tempDir, "missing.yaml"))
			Expect(err).To(HaveOccurred())
		})
	})
})
