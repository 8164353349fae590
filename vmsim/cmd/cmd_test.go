package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Talon396/owlOS/sim/platform"
)

var _ = Describe("Config", func() {
	It("should parse sizes", func() {
		for in, want := range map[string]uint64{
			"4096":   4096,
			"0x1000": 4096,
			"64M":    64 << 20,
			"2GiB":   2 << 30,
			" 16K ":  16 << 10,
		} {
			n, err := parseSize(in)
			Expect(err).NotTo(HaveOccurred(), in)
			Expect(n).To(Equal(want), in)
		}

		_, err := parseSize("lots")
		Expect(err).To(HaveOccurred())
	})

	It("should fall back to defaults", func() {
		c, err := parseConfig(map[string]string{})

		Expect(err).NotTo(HaveOccurred())
		Expect(c).To(Equal(defaultConfig()))
	})

	It("should read a .env file under the environment", func() {
		envPath := filepath.Join(GinkgoT().TempDir(), ".env")
		Expect(os.WriteFile(envPath, []byte(
			"OWL_PHYS_BYTES=32M\nOWL_BACKING=MMAP\nOWL_MONITOR_PORT=8080\n"), 0o600)).
			To(Succeed())

		Expect(os.Setenv(EnvMonitorPort, "9090")).To(Succeed())
		DeferCleanup(os.Unsetenv, EnvMonitorPort)

		env, err := loadEnv(envPath)
		Expect(err).NotTo(HaveOccurred())

		c, err := parseConfig(env)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.PhysBytes).To(Equal(uint64(32 << 20)))
		Expect(c.Backing).To(Equal(platform.BackingMmap))
		Expect(c.MonitorPort).To(Equal(9090))
	})

	It("should accept a missing .env file", func() {
		env, err := loadEnv(filepath.Join(GinkgoT().TempDir(), "none"))

		Expect(err).NotTo(HaveOccurred())
		Expect(env).NotTo(HaveKey(EnvPhysBytes))
	})

	It("should reject a bad port", func() {
		_, err := parseConfig(map[string]string{EnvMonitorPort: "http"})

		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Commands", func() {
	run := func(args ...string) (string, error) {
		out := new(bytes.Buffer)
		rootCmd.SetOut(out)
		rootCmd.SetErr(out)

		env := filepath.Join(GinkgoT().TempDir(), "none")
		rootCmd.SetArgs(append([]string{"--env", env}, args...))

		err := rootCmd.Execute()

		return out.String(), err
	}

	It("should boot and report", func() {
		out, err := run("boot")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("usable regions:"))
		Expect(out).To(ContainSubstring("canonical space:  as["))
	})

	It("should fork and give the frames back", func() {
		out, err := run("fork", "-n", "3", "-p", "2")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("3 forks of"))

		m := regexp.MustCompile(`in use after teardown: (\d+) KiB \(before: (\d+) KiB\)`).
			FindStringSubmatch(out)
		Expect(m).To(HaveLen(3))
		Expect(m[1]).To(Equal(m[2]))
	})

	It("should share the stack with a thread", func() {
		out, err := run("thread", "-p", "2")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("shared 2 pages"))
	})

	It("should dump the stack of a process", func() {
		out, err := run("dump", "--process", "--first", "255", "--last", "255")

		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("0x00007f8000000000"))
		Expect(out).To(ContainSubstring("4K"))
	})

	It("should trace into a file", func() {
		trace := filepath.Join(GinkgoT().TempDir(), "ops.csv")

		_, err := run("--trace", trace, "thread", "-p", "1")
		Expect(err).NotTo(HaveOccurred())

		data, err := os.ReadFile(trace)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("Clone,"))
		Expect(string(data)).To(ContainSubstring("thread of"))

		tracePath = ""
	})

	It("should refuse an unknown backing", func() {
		_, err := run("--backing", "tape", "boot")

		Expect(err).To(MatchError(ContainSubstring("unknown backing")))

		backing = ""
	})
})
